// Package docker wraps the Docker SDK for the containerized backend, which
// execs the agent inside an already running container.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
)

// ContainerInfo holds the subset of inspect data the preflight needs.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string // created, running, paused, restarting, removing, exited, dead
	Running   bool
	StartedAt time.Time
	Health    string
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a Docker client from configuration.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log = log.WithFields(zap.String("component", "docker"))
	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)
	return &Client{cli: cli, logger: log}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		c.logger.Warn("Docker ping failed", zap.Error(err))
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// GetContainerInfo inspects a container by name or id.
func (c *Client) GetContainerInfo(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Running = inspect.State.Running
		if inspect.State.StartedAt != "" {
			if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				info.StartedAt = startedAt
			}
		}
		if inspect.State.Health != nil {
			info.Health = inspect.State.Health.Status
		}
	}
	return info, nil
}

// ContainerRunning reports whether the named container exists and is
// running. A missing container is not an error.
func (c *Client) ContainerRunning(ctx context.Context, name string) (bool, error) {
	info, err := c.GetContainerInfo(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	c.logger.Debug("container state",
		zap.String("container", name),
		zap.String("state", info.State))
	return info.Running, nil
}
