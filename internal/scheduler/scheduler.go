// Package scheduler drives the periodic work of the economy: the daily
// Wave 1 pool, settlement of closed games, Wave 2 redistribution and Wave 3
// request processing. Every stage is idempotent per day or request, so a
// tick can run as often as the interval demands and a crashed tick is
// simply repeated.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/moneywave"
	"github.com/pmx/economy-engine/internal/settlement"
)

// Waves is the distribution engine.
type Waves interface {
	RunWave1(ctx context.Context, date time.Time) (*moneywave.Wave1Result, error)
	RunWave2(ctx context.Context, date time.Time) (*model.RedistributionBatch, error)
	ProcessDueIncentives(ctx context.Context) ([]model.CustomIncentiveRequest, error)
}

// Settler settles games.
type Settler interface {
	SettleClosed(ctx context.Context, ids []model.GameID) ([]*settlement.Report, error)
}

// GameLister finds games ready to settle.
type GameLister interface {
	ListSettleableGames(ctx context.Context) ([]model.GameID, error)
}

// Config selects the stages and the tick lease.
type Config struct {
	LockKey      string
	LockTTL      time.Duration
	EnableWave1  bool
	EnableWave2  bool
	EnableWave3  bool
	SettleClosed bool
}

// Scheduler runs one tick of every enabled stage.
type Scheduler struct {
	waves   Waves
	settler Settler
	games   GameLister
	locker  Locker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Scheduler. A nil locker means LocalLocker.
func New(waves Waves, settler Settler, games GameLister, locker Locker, cfg Config, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = LocalLocker{}
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "pmx:worker:lock"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		waves:   waves,
		settler: settler,
		games:   games,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Tick runs the enabled stages for the current day. Wave 1 runs before
// settlement so the day's allocations are in place; Wave 2 and Wave 3 then
// run side by side. A stage that already ran today is not an error. When
// another worker holds the lease the tick is skipped and ErrLockHeld
// returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	release, err := s.locker.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		} else {
			metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		}
		return err
	}
	defer release()

	today := s.now()
	var failed []error

	if s.cfg.EnableWave1 {
		if err := s.runWave1(ctx, today); err != nil {
			failed = append(failed, err)
		}
	}
	if s.cfg.SettleClosed {
		if err := s.settle(ctx); err != nil {
			failed = append(failed, err)
		}
	}

	var (
		g                  errgroup.Group
		wave2Err, wave3Err error
	)
	if s.cfg.EnableWave2 {
		g.Go(func() error {
			wave2Err = s.runWave2(ctx, today)
			return nil
		})
	}
	if s.cfg.EnableWave3 {
		g.Go(func() error {
			wave3Err = s.runWave3(ctx)
			return nil
		})
	}
	_ = g.Wait()
	failed = append(failed, wave2Err, wave3Err)

	if err := errors.Join(failed...); err != nil {
		metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		return err
	}
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	return nil
}

func (s *Scheduler) runWave1(ctx context.Context, today time.Time) error {
	res, err := s.waves.RunWave1(ctx, today)
	if errors.Is(err, model.ErrDuplicateInvocation) {
		s.logger.Debug("wave1 already ran", "date", model.DayKey(today).Format(time.DateOnly))
		return nil
	}
	if err != nil {
		return fmt.Errorf("wave1: %w", err)
	}
	s.logger.Info("wave1 tick", "pool", res.Pool, "games", len(res.Allocations), "rollover", res.RolloverOut)
	return nil
}

func (s *Scheduler) settle(ctx context.Context) error {
	ids, err := s.games.ListSettleableGames(ctx)
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	reports, err := s.settler.SettleClosed(ctx, ids)
	settled := 0
	for _, r := range reports {
		if r != nil && r.Status == model.GameSettled {
			settled++
		}
	}
	s.logger.Info("settlement tick", "games", len(ids), "settled", settled)
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	return nil
}

func (s *Scheduler) runWave2(ctx context.Context, today time.Time) error {
	batch, err := s.waves.RunWave2(ctx, today)
	if errors.Is(err, model.ErrDuplicateInvocation) {
		s.logger.Debug("wave2 already ran", "date", model.DayKey(today).Format(time.DateOnly))
		return nil
	}
	if err != nil {
		return fmt.Errorf("wave2: %w", err)
	}
	s.logger.Info("wave2 tick", "batch", batch.BatchID, "total", batch.TotalRedistributed)
	return nil
}

func (s *Scheduler) runWave3(ctx context.Context) error {
	changed, err := s.waves.ProcessDueIncentives(ctx)
	if len(changed) > 0 {
		s.logger.Info("wave3 tick", "changed", len(changed))
	}
	if err != nil {
		return fmt.Errorf("wave3: %w", err)
	}
	return nil
}
