package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rexsync/rexsync/config"
	"github.com/rexsync/rexsync/pkg/bridge"
	"github.com/rexsync/rexsync/pkg/directory"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/logger"
	"github.com/rexsync/rexsync/pkg/metrics"
	"github.com/rexsync/rexsync/pkg/orchestration"
	"github.com/rexsync/rexsync/pkg/storage"
	"github.com/rexsync/rexsync/pkg/storage/badger"
	"github.com/rexsync/rexsync/pkg/storage/memory"
	redisstore "github.com/rexsync/rexsync/pkg/storage/redis"
	"github.com/rexsync/rexsync/pkg/telemetry/tracing"
	"github.com/rexsync/rexsync/pkg/version"
)

// app holds the wired components of one process.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager
	store   storage.Store
	events  events.Manager
	api     *orchestration.API

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, log: logger.Global().Named("rexsync")}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, tracingConfig(cfg.Tracing), tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	a.metrics = metrics.NewManager(metrics.Config{Enabled: cfg.Metrics.Enabled, Path: cfg.Metrics.Path})
	bridge.SetMetricsRecorder(a.metrics)
	events.SetMetricsRecorder(a.metrics)
	orchestration.SetMetricsRecorder(a.metrics)

	var rdb goredis.UniversalClient
	if cfg.Store.Type == "redis" || cfg.Events.Type == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Address, err)
		}
		rdb = client
	}

	if a.store, err = openStore(cfg.Store, rdb); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	a.log.Info("store ready", "type", cfg.Store.Type)

	if a.events, err = openEvents(ctx, cfg.Events, rdb); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.events.Close() })
	a.log.Info("event manager ready", "type", cfg.Events.Type)

	retry := retryPolicy(cfg.Engine.Retry)
	client := bridge.NewGraphQLClient(&bridge.Options{
		CallbackURL:       cfg.Engine.CallbackURL,
		Path:              cfg.Engine.GraphQLPath,
		ExecutionTimeout:  cfg.Engine.ExecutionTimeout,
		RequestsPerSecond: cfg.Engine.RequestsPerSecond,
		Burst:             cfg.Engine.Burst,
		RetryPolicy:       retry,
		UserAgent:         "rexsync/" + version.Version,
	})
	dir := directory.NewHTTPDirectory(directory.Options{
		URL:     cfg.Engine.DirectoryURL,
		Path:    cfg.Engine.DirectoryPath,
		Timeout: cfg.Engine.DirectoryTimeout,
	})

	a.api, err = orchestration.New(a.store, client, dir, a.events,
		orchestration.WithRetryPolicy(retry),
		orchestration.WithStartPollAttempts(cfg.Orchestration.StartPollAttempts),
		orchestration.WithMaxConcurrency(cfg.Orchestration.MaxConcurrency),
		orchestration.WithMinRefreshInterval(cfg.Orchestration.MinRefreshInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("create orchestration api: %w", err)
	}
	return a, nil
}

func openStore(cfg config.StoreConfig, rdb goredis.UniversalClient) (storage.Store, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			InMemory:          cfg.Badger.InMemory,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case "redis":
		return redisstore.NewRedisStorageWithClient(rdb, cfg.KeyPrefix), nil
	case "memory":
		return memory.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func openEvents(ctx context.Context, cfg config.EventsConfig, rdb goredis.UniversalClient) (events.Manager, error) {
	switch cfg.Type {
	case "redis":
		m, err := events.NewRedisManager(ctx, rdb, cfg.Channel, cfg.MailboxSize)
		if err != nil {
			return nil, fmt.Errorf("open redis event manager: %w", err)
		}
		return m, nil
	case "local":
		return events.NewLocalManager(cfg.MailboxSize), nil
	default:
		return nil, fmt.Errorf("unknown events type %q", cfg.Type)
	}
}

func retryPolicy(cfg config.RetryConfig) *bridge.RetryPolicy {
	p := bridge.DefaultRetryPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.InitialBackoff = cfg.InitialBackoff
	p.MaxBackoff = cfg.MaxBackoff
	p.BackoffMultiplier = cfg.Multiplier
	return p
}

func tracingConfig(cfg config.TracingConfig) tracing.Config {
	return tracing.Config{
		Enabled:    cfg.Enabled,
		Endpoint:   cfg.Endpoint,
		Insecure:   cfg.Insecure,
		Headers:    cfg.Headers,
		Timeout:    cfg.Timeout,
		Sampler:    cfg.Sampler,
		SampleRate: cfg.SampleRate,
	}
}

// close releases components in reverse order of creation.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
