package docker

import (
	"context"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

// realDockerClient wraps the official Docker SDK client.
type realDockerClient struct {
	cli *client.Client
}

// newRealDockerClient creates a new Docker client connected to the given socket.
func newRealDockerClient(socket string) (*realDockerClient, error) {
	opts := []client.Opt{
		client.WithHost(socket),
		client.WithAPIVersionNegotiation(),
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &realDockerClient{cli: cli}, nil
}

// Ping checks that the daemon answers.
func (c *realDockerClient) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// PullImage pulls ref and waits for the pull to finish.
func (c *realDockerClient) PullImage(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close image pull stream")
		}
	}()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// CreateContainer creates (but does not start) a stage container.
func (c *realDockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostDir,
			Target: spec.MountTarget,
		}},
	}
	if spec.GPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Msg(w)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *realDockerClient) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

// StreamLogs copies the container's stdout and stderr until it exits.
func (c *realDockerClient) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = stdcopy.StdCopy(stdout, stderr, rc)
	return err
}

// WaitContainer blocks until the container stops and returns its exit status.
func (c *realDockerClient) WaitContainer(ctx context.Context, id string) (int64, string, error) {
	respCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		msg := ""
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return resp.StatusCode, msg, nil
	case err := <-errCh:
		return 0, "", err
	}
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (c *realDockerClient) RemoveContainer(ctx context.Context, id string) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// Close closes the Docker client connection.
func (c *realDockerClient) Close() error {
	return c.cli.Close()
}
