// Package main is the entry point for the codexbridge service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/approval"
	"github.com/kandev/codexbridge/internal/bridge"
	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/gateway"
	"github.com/kandev/codexbridge/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("codexbridge failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting codexbridge...",
		zap.String("backend", cfg.Agent.Backend),
		zap.Bool("tracing", tracing.Enabled()))

	var cleanups []func() error
	runCleanups := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](); err != nil {
				log.Warn("cleanup failed", zap.Error(err))
			}
		}
	}
	defer runCleanups()

	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, busCleanup)

	topics, storeCleanup, err := provideStorage(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, storeCleanup)

	sup, supCleanup, err := provideSupervisor(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, supCleanup)

	gate := approval.NewGate(approval.NewStore(), sup, topics, log)
	svc := bridge.NewService(bridge.FromAgentConfig(cfg.Agent), sup, topics, gate, eventBus, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gateway.NewRouter(svc, eventBus, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutting down codexbridge...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	// Runs get the full cancellation budget on top of the HTTP drain.
	budget := cfg.Agent.SoftCancelTimeoutDuration() + cfg.Agent.KillTimeoutDuration() + 10*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to stop agent runs", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("codexbridge stopped")
	return nil
}
