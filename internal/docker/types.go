// Package docker runs analysis stages as Docker containers on the local GPU.
package docker

import (
	"errors"
	"fmt"
)

// ErrDockerUnavailable is returned when the Docker socket cannot be found.
var ErrDockerUnavailable = errors.New("docker socket not available")

// ContainerSpec describes one stage container invocation.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         []string // KEY=VALUE pairs
	HostDir     string   // Bind-mounted into the container at MountTarget
	MountTarget string
	GPU         bool
	Labels      map[string]string
}

// ExitError reports a stage container that exited with a non-zero status.
type ExitError struct {
	Stage   string
	Code    int64
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stage %s exited with status %d: %s", e.Stage, e.Code, e.Message)
	}
	return fmt.Sprintf("stage %s exited with status %d", e.Stage, e.Code)
}
