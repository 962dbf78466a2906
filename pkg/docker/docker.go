// Package docker is a thin wrapper around the Docker SDK, tracking the
// containers this process spawns so they can be torn down together on
// shutdown.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/kjmarlow/hoard/pkg/logger"
)

var dockerLogger = logger.Get("Docker")

type (
	DockerManager interface {
		SpawnContainer(ctx context.Context, container DockerContainer) error
		WaitForContainer(ctx context.Context, container DockerContainer, statuses ...ContainerStatus) (ContainerStatus, error)
		CloseContainer(container DockerContainer) error
		Shutdown(timeout time.Duration)
	}

	dockerManager struct {
		*sync.Mutex
		cli        client.APIClient
		containers map[string]DockerContainer
	}
)

func NewDockerManager() (DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to construct docker client: %w", err)
	}

	return &dockerManager{
		Mutex:      &sync.Mutex{},
		cli:        cli,
		containers: make(map[string]DockerContainer),
	}, nil
}

// SpawnContainer starts the container provided and begins tracking it.
// The container is removed from the daemon on Shutdown.
func (manager *dockerManager) SpawnContainer(ctx context.Context, container DockerContainer) error {
	if err := container.Start(ctx, manager.cli); err != nil {
		return fmt.Errorf("failed to spawn container %s: %w", container.Label(), err)
	}

	manager.Lock()
	defer manager.Unlock()
	manager.containers[container.ID()] = container

	return nil
}

// WaitForContainer blocks until the container enters one of the statuses
// provided, the container crashes, or the context is cancelled.
func (manager *dockerManager) WaitForContainer(ctx context.Context, container DockerContainer, statuses ...ContainerStatus) (ContainerStatus, error) {
	matches := func(status ContainerStatus) bool {
		for _, s := range statuses {
			if s == status {
				return true
			}
		}
		return false
	}

	if current := container.Status(); matches(current) {
		return current, nil
	}

	for {
		select {
		case status := <-container.StatusChannel():
			if matches(status) {
				return status, nil
			} else if status == Crashed || status == Closed {
				return status, fmt.Errorf("container %s reached terminal status %s while waiting", container.Label(), status)
			}
		case <-ctx.Done():
			return container.Status(), ctx.Err()
		}
	}
}

func (manager *dockerManager) CloseContainer(container DockerContainer) error {
	manager.Lock()
	defer manager.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if err := container.Close(ctx, manager.cli, time.Second*10); err != nil {
		return fmt.Errorf("failed to close container %s: %w", container.Label(), err)
	}

	delete(manager.containers, container.ID())
	return nil
}

// Shutdown stops and removes every container this manager spawned. Each
// container gets at most the timeout provided to stop gracefully.
func (manager *dockerManager) Shutdown(timeout time.Duration) {
	manager.Lock()
	defer manager.Unlock()

	wg := &sync.WaitGroup{}
	for _, cont := range manager.containers {
		wg.Add(1)
		go func(cont DockerContainer) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), timeout+(time.Second*5))
			defer cancel()

			dockerLogger.Emit(logger.STOP, "Closing container %s\n", cont.Label())
			if err := cont.Close(ctx, manager.cli, timeout); err != nil {
				dockerLogger.Emit(logger.ERROR, "Failed to close container %s: %v\n", cont.Label(), err)
			}
		}(cont)
	}

	wg.Wait()
	manager.containers = make(map[string]DockerContainer)
}
