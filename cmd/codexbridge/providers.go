package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/docker"
	"github.com/kandev/codexbridge/internal/agent/registry"
	"github.com/kandev/codexbridge/internal/agent/supervisor"
	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/db"
	"github.com/kandev/codexbridge/internal/events"
	"github.com/kandev/codexbridge/internal/events/bus"
	"github.com/kandev/codexbridge/internal/topic/store"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}

func provideStorage(cfg *config.Config, log *logger.Logger) (store.Repository, func() error, error) {
	pool, cleanup, err := db.Provide(cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	repo, err := store.Provide(pool)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return repo, cleanup, nil
}

// provideSupervisor builds the supervisor. The docker client is created only
// when the docker backend is selected or docker.enabled is set; an
// unreachable daemon is logged, and the per-run preflight reports it.
func provideSupervisor(cfg *config.Config, log *logger.Logger) (*supervisor.Supervisor, func() error, error) {
	var opts []supervisor.Option
	cleanup := func() error { return nil }

	if cfg.Docker.Enabled || types.ParseBackend(cfg.Agent.Backend) == types.BackendDocker {
		client, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx); err != nil {
			log.Warn("Docker daemon not reachable", zap.Error(err))
		}
		cancel()
		opts = append(opts, supervisor.WithContainerChecker(client))
		cleanup = client.Close
	}

	sup := supervisor.New(supervisor.FromAgentConfig(cfg.Agent), registry.New(), log, opts...)
	return sup, cleanup, nil
}
