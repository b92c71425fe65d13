// Package sandbox executes generated code and tests inside ephemeral
// isolated containers. The container engine is abstracted behind the
// ContainerRuntime interface so tests can substitute a fake that records
// calls and returns canned output.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrRuntimeUnavailable indicates the container runtime cannot be reached.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// ContainerSpec describes one ephemeral sandbox container.
type ContainerSpec struct {
	Image         string
	Cmd           []string
	Env           []string
	WorkspacePath string // host directory mounted at WorkspaceMount
	MemoryBytes   int64
	CPUQuota      int64 // in microseconds per 100ms period; 50000 = half a core
	NetworkMode   string
}

// ContainerRuntime is the minimal engine surface the executor needs.
type ContainerRuntime interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error
	// HasImage reports whether the image is available locally.
	HasImage(ctx context.Context, img string) (bool, error)
	// Create creates a container and returns its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	// Start starts a created container.
	Start(ctx context.Context, id string) error
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)
	// Logs returns the demultiplexed stdout and stderr of a container.
	Logs(ctx context.Context, id string) (stdout, stderr string, err error)
	// Kill force-stops a running container.
	Kill(ctx context.Context, id string) error
	// Remove deletes a container, force-removing if still running.
	Remove(ctx context.Context, id string) error
}

// WorkspaceMount is the fixed in-container workspace path.
const WorkspaceMount = "/workspace"

// DockerRuntime implements ContainerRuntime on the Docker engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a runtime from the environment (DOCKER_HOST et
// al.), negotiating the API version with the daemon.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// HasImage reports whether the image exists locally.
func (r *DockerRuntime) HasImage(ctx context.Context, img string) (bool, error) {
	list, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", img)),
	})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}
	return len(list) > 0, nil
}

// Create creates an ephemeral container with the workspace bind-mounted at
// the fixed in-container path and resource caps applied. The container has
// no privileged host access.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = "bridge"
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			Env:        spec.Env,
			WorkingDir: WorkspaceMount,
		},
		&container.HostConfig{
			Binds:       []string{spec.WorkspacePath + ":" + WorkspaceMount},
			NetworkMode: container.NetworkMode(networkMode),
			AutoRemove:  false, // removal is explicit so logs can be collected first
			Resources: container.Resources{
				Memory:    spec.MemoryBytes,
				CPUQuota:  spec.CPUQuota,
				CPUPeriod: 100000,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// Start starts the container.
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

// Wait blocks until the container is no longer running.
func (r *DockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container %s: %w", id, err)
	}
}

// Logs collects and demultiplexes the container's output streams.
func (r *DockerRuntime) Logs(ctx context.Context, id string) (string, string, error) {
	reader, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("fetching logs for container %s: %w", id, err)
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		return stdout.String(), stderr.String(), fmt.Errorf("demultiplexing logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Kill force-stops the container.
func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		return fmt.Errorf("killing container %s: %w", id, err)
	}
	return nil
}

// Remove deletes the container, force-removing if it is still running.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}
