package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	dCont "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

type ContainerStatus int

const (
	Idle ContainerStatus = iota
	Pulling
	Starting
	Running
	Crashed
	Closed
)

func (status ContainerStatus) String() string {
	switch status {
	case Idle:
		return "Idle"
	case Pulling:
		return "Pulling"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Crashed:
		return "Crashed"
	case Closed:
		return "Closed"
	}

	return "Unknown"
}

type (
	// DockerContainer is a single container the manager owns, from image
	// pull through teardown.
	DockerContainer interface {
		ID() string
		Label() string
		Status() ContainerStatus
		Start(ctx context.Context, cli client.APIClient) error
		Close(ctx context.Context, cli client.APIClient, timeout time.Duration) error
		StatusChannel() chan ContainerStatus
	}

	dockerContainer struct {
		label      string
		image      string
		config     *dCont.Config
		hostConfig *dCont.HostConfig

		id       string
		status   ContainerStatus
		statusCh chan ContainerStatus
	}
)

func NewDockerContainer(label string, img string, config *dCont.Config, hostConfig *dCont.HostConfig) DockerContainer {
	return &dockerContainer{
		label:      label,
		image:      img,
		config:     config,
		hostConfig: hostConfig,
		statusCh:   make(chan ContainerStatus, 8),
	}
}

// Start pulls the container's image if needed, creates the container and
// starts it, then watches for it stopping in the background.
func (container *dockerContainer) Start(ctx context.Context, cli client.APIClient) error {
	container.setStatus(Pulling)
	pullStream, err := cli.ImagePull(ctx, container.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", container.image, err)
	}
	_, _ = io.Copy(io.Discard, pullStream)
	pullStream.Close()

	container.setStatus(Starting)
	created, err := cli.ContainerCreate(ctx, container.config, container.hostConfig, nil, nil, container.label)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", container.label, err)
	}
	container.id = created.ID

	if err := cli.ContainerStart(ctx, container.id, dCont.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", container.label, err)
	}

	container.setStatus(Running)
	go container.watch(ctx, cli)

	return nil
}

// watch blocks until the container stops. A container stopping while the
// manager still considers it running is a crash.
func (container *dockerContainer) watch(ctx context.Context, cli client.APIClient) {
	waitCh, errCh := cli.ContainerWait(ctx, container.id, dCont.WaitConditionNotRunning)
	select {
	case <-waitCh:
	case <-errCh:
	case <-ctx.Done():
		return
	}

	if container.Status() == Running {
		container.setStatus(Crashed)
	}
}

func (container *dockerContainer) Close(ctx context.Context, cli client.APIClient, timeout time.Duration) error {
	if container.id == "" {
		return nil
	}

	container.setStatus(Closed)
	seconds := int(timeout.Seconds())
	if err := cli.ContainerStop(ctx, container.id, dCont.StopOptions{Timeout: &seconds}); err != nil {
		return err
	}

	return cli.ContainerRemove(ctx, container.id, dCont.RemoveOptions{})
}

func (container *dockerContainer) ID() string    { return container.id }
func (container *dockerContainer) Label() string { return container.label }

func (container *dockerContainer) Status() ContainerStatus             { return container.status }
func (container *dockerContainer) StatusChannel() chan ContainerStatus { return container.statusCh }

func (container *dockerContainer) setStatus(status ContainerStatus) {
	container.status = status
	select {
	case container.statusCh <- status:
	default:
	}
}
