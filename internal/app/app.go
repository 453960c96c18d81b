// Package app assembles the engine's components from configuration. The
// server, the worker and pmxctl share it so every process sees the same
// store, ledger and event wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/pmx/economy-engine/internal/archive"
	"github.com/pmx/economy-engine/internal/config"
	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/limits"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/moneywave"
	"github.com/pmx/economy-engine/internal/settlement"
	"github.com/pmx/economy-engine/internal/store"
)

// App holds the wired engine.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store  store.Store
	Ledger *ledger.Ledger
	Games  *settlement.Service
	Waves  *moneywave.Engine
	Bus    *events.Bus

	// Redis and Stream are nil without redis.url.
	Redis  *redis.Client
	Stream *events.StreamSink
	// Archiver is nil unless s3.enabled.
	Archiver *archive.Archiver

	cleanup []func()
}

// Build connects the configured backends and wires the services. Without a
// database URL the engine runs on the in-memory store.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: redis ping: %v", model.ErrRepositoryUnavailable, err)
		}
	}

	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
		if err != nil {
			return err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		a.Store = pg
		a.Logger.Info("connected to PostgreSQL")

		if a.Redis != nil {
			a.Store = store.NewCachedStore(pg, a.Redis, cfg.Redis.CacheTTL.Duration)
			a.Logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		a.Logger.Warn("database url not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	var seq events.Sequencer
	var sinks []events.Sink
	if a.Redis != nil {
		seq = events.NewRedisSequencer(a.Redis, cfg.Redis.SequenceKey)
		a.Stream = events.NewStreamSink(a.Redis, cfg.Redis.EventStream, cfg.Redis.StreamMaxLen)
		sinks = append(sinks, a.Stream)
	}
	if cfg.S3.Enabled {
		w, err := archive.NewS3Writer(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		a.Archiver = archive.New(w, cfg.S3.Prefix, cfg.S3.BatchSize, a.Logger)
		sinks = append(sinks, a.Archiver)
		a.Logger.Info("event archive enabled", "bucket", cfg.S3.Bucket)
	}
	a.Bus = events.NewBus(seq, a.Logger, sinks...)

	lim := cfg.Policy.Limits
	limiter := limits.NewStakeLimiter(model.Amount(lim.MaxPerGame), model.Amount(lim.MaxOpenExposure), lim.MaxOpenGames)

	a.Ledger = ledger.New(a.Store, a.Logger)
	st := cfg.Policy.Settlement
	a.Games = settlement.NewService(a.Store, a.Ledger, limiter, a.Bus, settlement.Config{
		RetryAttempts: st.RetryAttempts,
		RetryBackoff:  st.RetryBackoff.Duration,
		MaxBackoff:    st.MaxBackoff.Duration,
		Concurrency:   st.Concurrency,
	}, a.Logger)
	a.Waves = moneywave.New(a.Store, a.Ledger, a.Games, cfg.Policy.Wave1, a.Bus,
		moneywave.ConfigFromPolicy(cfg.Policy), a.Logger)
	return nil
}

// Close flushes the archive and releases connections in reverse order.
func (a *App) Close() {
	if a.Archiver != nil && a.Archiver.Pending() > 0 {
		if _, err := a.Archiver.Flush(context.Background()); err != nil {
			a.Logger.Error("final archive flush failed", "err", err)
		}
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
