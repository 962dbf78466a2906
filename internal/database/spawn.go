package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/kjmarlow/hoard/pkg/docker"
	"github.com/mitchellh/go-homedir"
)

const postgresImage = "postgres:14.1-alpine"

// InitialiseDockerDatabase spawns a Postgres container bound to the
// configured host/port, with its data directory persisted under the user's
// home directory. If the container crashes after startup, crashHandler is
// invoked so the caller can tear the rest of the system down.
func InitialiseDockerDatabase(ctx context.Context, dockerManager docker.DockerManager, config DatabaseConfig, crashHandler func(error)) (docker.DockerContainer, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("cannot initialise docker db volume mount as cannot find user home dir: %w", err)
	}

	dbDataPath := filepath.Join(homeDir, "hoard_db.dat")
	if err := os.MkdirAll(dbDataPath, os.ModeDir); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: postgresImage,
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
			fmt.Sprintf("POSTGRES_USER=%s", config.User),
			fmt.Sprintf("POSTGRES_DB=%s", config.Name),
			fmt.Sprintf("DATABASE_HOST=%s", config.Host),
		},
		ExposedPorts: nat.PortSet{
			"5432": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(config.Port): []nat.PortBinding{{
				HostIP:   config.Host,
				HostPort: config.Port,
			}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: dbDataPath,
				Target: "/var/lib/postgresql/data",
			},
		},
	}

	db := docker.NewDockerContainer("db", postgresImage, containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(ctx, db); err != nil {
		return nil, err
	}

	// Watch for container crash (teardown)
	go func() {
		st, err := dockerManager.WaitForContainer(ctx, db, docker.Crashed)
		if st != docker.Crashed || err != nil {
			return
		}

		crashHandler(fmt.Errorf("container %s has crashed", db.Label()))
	}()

	return db, nil
}
