package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pmx/economy-engine/internal/app"
	"github.com/pmx/economy-engine/internal/config"
	"github.com/pmx/economy-engine/internal/scheduler"
)

func main() {
	configPath := flag.String("config", os.Getenv("PMX_CONFIG"), "path to a TOML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	eng, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine setup failed", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	var locker scheduler.Locker
	if eng.Redis != nil {
		locker = scheduler.NewRedisLocker(eng.Redis)
	} else {
		logger.Warn("redis url not set, running without a shared tick lock")
	}

	wc := cfg.Worker
	sched := scheduler.New(eng.Waves, eng.Games, eng.Store, locker, scheduler.Config{
		LockKey:      wc.LockKey,
		LockTTL:      wc.LockTTL.Duration,
		EnableWave1:  wc.EnableWave1,
		EnableWave2:  wc.EnableWave2,
		EnableWave3:  wc.EnableWave3,
		SettleClosed: wc.SettleClosed,
	}, logger)

	if wc.RunOnce {
		if err := sched.Tick(ctx); err != nil {
			logger.Error("tick failed", "err", err)
			eng.Close()
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	if eng.Archiver != nil {
		go eng.Archiver.Run(ctx, cfg.S3.FlushInterval.Duration)
	}

	ticker := time.NewTicker(wc.Interval.Duration)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", wc.Interval.Duration.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			err := sched.Tick(ctx)
			switch {
			case errors.Is(err, scheduler.ErrLockHeld):
				logger.Debug("tick skipped, lock held elsewhere")
			case err != nil:
				logger.Error("tick failed", "err", err)
			default:
				logger.Info("tick complete")
			}
		}
	}
}
