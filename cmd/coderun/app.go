package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/coderun/internal/cache"
	"github.com/seantiz/coderun/internal/config"
	"github.com/seantiz/coderun/internal/dispatch"
	"github.com/seantiz/coderun/internal/engine"
	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/queue"
	"github.com/seantiz/coderun/internal/sandbox"
	"github.com/seantiz/coderun/internal/sandbox/docker"
	"github.com/seantiz/coderun/internal/sandbox/firecracker"
	"github.com/seantiz/coderun/internal/store"
	"github.com/seantiz/coderun/internal/worker"
)

// app holds the wired components shared by the serve and worker commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store    store.Store
	registry *sandbox.Registry
	queue    *queue.Queue
	cache    *cache.Dedup
	pool     *worker.Pool

	closeProvider func(ctx context.Context)
}

// newApp opens the store and the sandbox provider and builds the queue and
// worker pool on top of them. withCache enables the dedup cache, which only
// pays off in a process that also accepts submissions.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, withCache bool) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider, closeProvider, err := openProvider(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := sandbox.NewRegistry()
	registry.Register(cfg.Provider, provider)

	q := queue.New(st, queue.Config{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		DefaultTimeout: cfg.ExecTimeout,
		MaxTimeout:     cfg.MaxExecTimeout,
		ClaimGrace:     cfg.ClaimGrace,
	}, logger)

	var dedup *cache.Dedup
	if withCache {
		dedup = cache.New(cfg.CacheSize, cfg.CacheTTL, cache.WithMaxFlightAge(cfg.MaxFlightAge))
	}

	eng := engine.NewEngine(provider, engine.Config{
		Limits: sandbox.Limits{
			MemoryBytes:    cfg.MemoryBytes,
			CPUQuota:       cfg.CPUQuota,
			CPUPeriod:      cfg.CPUPeriod,
			PidsLimit:      cfg.PidsLimit,
			MaxOutputBytes: cfg.MaxOutputBytes,
		},
		DefaultTimeout: cfg.ExecTimeout,
	}, logger)

	pool := worker.New(q, eng, dedup, worker.Config{
		Workers:         cfg.Workers,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		PollInterval:    cfg.PollInterval,
		RecoverInterval: cfg.RecoverInterval,
	}, logger)

	return &app{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		registry:      registry,
		queue:         q,
		cache:         dedup,
		pool:          pool,
		closeProvider: closeProvider,
	}, nil
}

// dispatcher builds the submission front door over the app's queue and cache.
func (a *app) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.queue, a.store, a.cache, model.DefaultRequestLimits(), a.logger)
}

// shutdown drains the worker pool within the configured timeout and then
// releases the provider and the store.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	// The provider gets its own budget; the pool may have used all of ctx.
	provCtx, provCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer provCancel()
	a.closeProvider(provCtx)

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		st, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			ResultTTL: cfg.ResultTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

func openProvider(cfg config.Config, logger *slog.Logger) (sandbox.Provider, func(context.Context), error) {
	switch cfg.Provider {
	case config.ProviderFirecracker:
		fcCfg, err := firecracker.LoadConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("firecracker config: %w", err)
		}
		p := firecracker.New(fcCfg, logger)
		return p, p.Shutdown, nil
	default:
		p, err := docker.New(docker.Config{
			ImagePrefix: cfg.ImagePrefix,
			WorkDir:     cfg.WorkDir,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func(context.Context) {
			if err := p.Close(); err != nil {
				logger.Warn("close docker client", "error", err)
			}
		}
		return p, closeFn, nil
	}
}
