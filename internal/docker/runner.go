package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pathomics/slidebatch/internal/config"
	"github.com/pathomics/slidebatch/internal/stager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// gpuLock serializes every stage container in the process: the stages share
// one GPU and run out of device memory when overlapped.
var gpuLock sync.Mutex

// removeTimeout bounds container removal after a stage finishes.
const removeTimeout = 30 * time.Second

// dockerClient is an interface for Docker operations to enable testing.
type dockerClient interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error
	WaitContainer(ctx context.Context, id string) (int64, string, error)
	RemoveContainer(ctx context.Context, id string) error
	Close() error
}

// Runner executes analysis stages as containers, one at a time.
type Runner struct {
	socket  string
	client  dockerClient
	now     func() time.Time
	metrics *dockerMetrics
}

// NewRunner connects to the Docker daemon at socket.
// Stage metrics are registered with registry (nil uses the default registerer).
func NewRunner(socket string, registry prometheus.Registerer) (*Runner, error) {
	r := &Runner{socket: socket, now: time.Now, metrics: initMetrics(registry)}
	if !r.isDockerAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, socket)
	}

	log.Info().Str("socket", socket).Msg("Connecting to Docker daemon")
	client, err := newRealDockerClient(socket)
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	r.client = client
	return r, nil
}

// isDockerAvailable checks if Docker socket exists.
func (r *Runner) isDockerAvailable() bool {
	// For Unix sockets, check file existence
	if strings.HasPrefix(r.socket, "unix://") {
		socketPath := strings.TrimPrefix(r.socket, "unix://")
		if _, err := os.Stat(socketPath); err == nil {
			return true
		}
	}
	// For TCP sockets, assume available (will fail on connect if not)
	if strings.HasPrefix(r.socket, "tcp://") {
		return true
	}
	return false
}

// Ping verifies the daemon is reachable.
func (r *Runner) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Pull pulls each image in order, stopping at the first failure.
func (r *Runner) Pull(ctx context.Context, images []string) error {
	for _, ref := range images {
		start := r.now()
		log.Info().Str("image", ref).Msg("Pulling image")
		if err := r.client.PullImage(ctx, ref); err != nil {
			r.metrics.recordPull(ref, false)
			return fmt.Errorf("pull %s: %w", ref, err)
		}
		r.metrics.recordPull(ref, true)
		log.Info().Str("image", ref).Dur("took", r.now().Sub(start)).Msg("Pulled image")
	}
	return nil
}

// Run executes the stage container against workDir and blocks until it exits.
// Start and end telemetry markers are written to the stage's output area
// around the invocation. A non-zero exit returns *ExitError.
func (r *Runner) Run(ctx context.Context, spec config.StageSpec, workDir string) error {
	gpuLock.Lock()
	defer gpuLock.Unlock()

	outDir := filepath.Join(workDir, spec.OutputSubdir)
	if _, err := stager.TouchTelemetry(outDir, "start", r.now()); err != nil {
		return err
	}

	start := r.now()
	code, runErr := r.runContainer(ctx, spec, workDir)
	// The end marker is written even on failure so partial runs can be timed.
	if _, err := stager.TouchTelemetry(outDir, "end", r.now()); err != nil && runErr == nil {
		runErr = err
	}
	took := r.now().Sub(start)
	r.metrics.recordRun(spec.Name, code, runErr, took)
	log.Info().Str("stage", spec.Name).Str("exit", exitLabel(code)).Dur("took", took).Msg("Container finished")
	return runErr
}

func (r *Runner) runContainer(ctx context.Context, spec config.StageSpec, workDir string) (int64, error) {
	logger := log.With().Str("stage", spec.Name).Logger()

	cs := ContainerSpec{
		Name:        containerName(spec.Name),
		Image:       spec.Image,
		Command:     spec.Command,
		Env:         envList(spec.Env),
		HostDir:     workDir,
		MountTarget: spec.MountTarget,
		GPU:         spec.GPU,
		Labels: map[string]string{
			"slidebatch.stage": spec.Name,
		},
	}

	id, err := r.client.CreateContainer(ctx, cs)
	if err != nil {
		return -1, fmt.Errorf("create container for stage %s: %w", spec.Name, err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := r.client.RemoveContainer(rmCtx, id); err != nil {
			logger.Warn().Err(err).Str("container", shortID(id)).Msg("Failed to remove container")
		}
	}()

	if err := r.client.StartContainer(ctx, id); err != nil {
		return -1, fmt.Errorf("start container for stage %s: %w", spec.Name, err)
	}
	logger.Info().Str("container", shortID(id)).Str("image", spec.Image).Msg("Container started")

	// A running stage is never interrupted from here; it is waited out.
	runCtx := context.WithoutCancel(ctx)

	stdout := newLineWriter(logger, "stdout")
	stderr := newLineWriter(logger, "stderr")
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := r.client.StreamLogs(runCtx, id, stdout, stderr); err != nil {
			logger.Debug().Err(err).Msg("Container log stream ended")
		}
	}()

	code, msg, err := r.client.WaitContainer(runCtx, id)
	<-logsDone
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return -1, fmt.Errorf("wait for stage %s: %w", spec.Name, err)
	}
	if code != 0 {
		return code, &ExitError{Stage: spec.Name, Code: code, Message: msg}
	}
	return 0, nil
}

// Close releases the Docker client connection.
func (r *Runner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
