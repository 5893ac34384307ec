package host

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/kubiyabot/gha-autoscaler/internal/runner"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const containerWorkDir = "/actions-runner"

// containerAPI is the part of the docker client the manager uses
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// Docker serves each runner from a container named after it. The runner
// directory is bind mounted and run.sh is the container command, so the
// registration made on the host is the one the container uses.
type Docker struct {
	api   containerAPI
	image string
}

// NewDocker connects to the docker daemon from the environment
func NewDocker(image string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Docker{api: cli, image: image}, nil
}

func (d *Docker) InstallService(ctx context.Context, svc runner.Service) error {
	ctx, cancel := context.WithTimeout(ctx, dockerTimeout)
	defer cancel()

	dir, err := filepath.Abs(svc.Dir)
	if err != nil {
		return err
	}
	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"./run.sh"},
		WorkingDir: containerWorkDir,
		Labels: map[string]string{
			"gha-autoscaler.runner":    svc.Name,
			"gha-autoscaler.runner-id": svc.ID,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{dir + ":" + containerWorkDir},
	}
	if _, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, svc.Name); err != nil {
		return fmt.Errorf("failed to create container %s: %w", svc.Name, err)
	}
	return nil
}

func (d *Docker) StartService(ctx context.Context, svc runner.Service) error {
	ctx, cancel := context.WithTimeout(ctx, dockerTimeout)
	defer cancel()
	if err := d.api.ContainerStart(ctx, svc.Name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", svc.Name, err)
	}
	return nil
}

func (d *Docker) StopService(ctx context.Context, svc runner.Service) error {
	ctx, cancel := context.WithTimeout(ctx, dockerTimeout)
	defer cancel()
	timeout := 10
	if err := d.api.ContainerStop(ctx, svc.Name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", svc.Name, err)
	}
	return nil
}

func (d *Docker) UninstallService(ctx context.Context, svc runner.Service) error {
	ctx, cancel := context.WithTimeout(ctx, dockerTimeout)
	defer cancel()
	err := d.api.ContainerRemove(ctx, svc.Name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", svc.Name, err)
	}
	return nil
}

func (d *Docker) ReadLastLogLine(ctx context.Context, svc runner.Service) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dockerTimeout)
	defer cancel()

	rc, err := d.api.ContainerLogs(ctx, svc.Name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "1",
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs of %s: %w", svc.Name, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", err
	}
	return lastLine(out.String()), nil
}
