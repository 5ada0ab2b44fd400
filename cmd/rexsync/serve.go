package main

import (
	"context"
	"errors"
	"time"

	"github.com/rexsync/rexsync/config"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/ops"
	"github.com/rexsync/rexsync/pkg/version"
)

const shutdownGrace = 30 * time.Second

// serve runs the ops server, the periodic refresher and the config watcher
// until ctx ends or the ops server fails.
func serve(ctx context.Context, cfg *config.Config, configPath string, overrides map[string]interface{}) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.log

	log.Info("starting rexsync",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	deps := ops.Deps{
		Orchestrator: a.api,
		Events:       a.events,
		Logger:       logger.Global().Named("ops"),
	}
	if a.metrics.Enabled() {
		deps.Metrics = a.metrics.Handler()
		deps.Recorder = a.metrics
	}
	srv, err := ops.NewServer(ops.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MetricsPath:     cfg.Metrics.Path,
		Stream: ops.StreamConfig{
			Subscription: events.SubscriptionOptions{
				KeepAlive:   cfg.Events.KeepAlive,
				PollTimeout: cfg.Events.PollTimeout,
			},
		},
	}, deps)
	if err != nil {
		_ = a.close(context.Background())
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		if cfg.Orchestration.RefreshPeriod <= 0 {
			log.Info("periodic refresh disabled")
			return
		}
		_ = a.api.Run(ctx, cfg.Orchestration.RefreshPeriod)
	}()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, nil, config.WithOverrides(overrides))
		if err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			watcher.OnChange(hotReload(a, config.ExtractHotReloadable(cfg)))
			go func() {
				if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	log.Info("rexsync is running", "ops_addr", cfg.Server.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error("ops server stopped", "error", runErr)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown failed", "error", err)
	}
	<-refreshDone
	if err := a.close(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
	log.Info("rexsync stopped")
	return runErr
}

// hotReload applies log level and refresh interval changes without a restart.
func hotReload(a *app, current config.HotReloadable) func(*config.Config) {
	return func(cfg *config.Config) {
		next := config.ExtractHotReloadable(cfg)
		if !next.Changed(current) {
			return
		}
		if next.LogLevel != current.LogLevel {
			logger.SetLevel(logger.ParseLevel(next.LogLevel))
			a.log.Info("log level changed", "level", next.LogLevel)
		}
		if next.MinRefreshInterval != current.MinRefreshInterval {
			a.api.SetMinRefreshInterval(next.MinRefreshInterval)
			a.log.Info("min refresh interval changed", "interval", next.MinRefreshInterval)
		}
		current = next
	}
}
