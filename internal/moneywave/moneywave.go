// Package moneywave runs the three PMX distribution stages.
//
// Wave 1 forms the daily prize pool from EBIT and splits it across active
// prize-eligible games. Wave 2 taxes idle PMC balances and hands the
// proceeds to recently active accounts. Wave 3 escrows sponsor-funded
// incentive pools and pays them out once the sponsored game settles.
//
// Every stage is guarded by an invocation key, so a scheduler may call it
// more than once for the same day or request.
package moneywave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/config"
	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/settlement"
	"github.com/pmx/economy-engine/internal/store"
)

// EbitSource reports the company EBIT used to size a day's prize pool.
type EbitSource interface {
	EbitFor(date time.Time) model.Amount
}

// EbitFunc adapts a function to EbitSource.
type EbitFunc func(date time.Time) model.Amount

func (f EbitFunc) EbitFor(date time.Time) model.Amount { return f(date) }

// Games is the part of the settlement service Wave 3 drives.
type Games interface {
	CreateGame(ctx context.Context, req settlement.NewGame) (*model.Game, error)
	Game(ctx context.Context, id model.GameID) (*model.Game, error)
	Stakes(ctx context.Context, id model.GameID) ([]model.Stake, error)
}

// Config holds the distribution policy.
type Config struct {
	PrizeToken           model.TokenType
	AllocationPercentage decimal.Decimal

	IdleThresholdDays    int
	IdleFraction         decimal.Decimal
	MinIdleAmount        model.Amount
	ActivityLookbackDays int
	// MaxReplans bounds how often Wave 1 and Wave 2 re-plan after a
	// snapshot conflict.
	MaxReplans int
}

// ConfigFromPolicy maps the loaded policy onto a Config.
func ConfigFromPolicy(p config.PolicyConfig) Config {
	return Config{
		PrizeToken:           p.Wave1.PrizeToken(),
		AllocationPercentage: p.Wave1.AllocationPercentage,
		IdleThresholdDays:    p.Wave2.IdleThresholdDays,
		IdleFraction:         p.Wave2.IdleFraction,
		MinIdleAmount:        model.Amount(p.Wave2.MinIdleAmount),
		ActivityLookbackDays: p.Wave2.ActivityLookbackDays,
		MaxReplans:           p.Wave2.MaxReplans,
	}
}

// Engine runs MoneyWave stages against the ledger and store.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	games  Games
	ebit   EbitSource
	events events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// runs serializes stage invocations within this process.
	runs      sync.Mutex
	incentive sync.Mutex
}

// New creates an Engine. games may be nil when Wave 3 is not used.
func New(st store.Store, l *ledger.Ledger, games Games, ebit EbitSource, pub events.Publisher, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PrizeToken == "" {
		cfg.PrizeToken = model.PMC
	}
	if cfg.MaxReplans <= 0 {
		cfg.MaxReplans = 3
	}
	if ebit == nil {
		ebit = EbitFunc(func(time.Time) model.Amount { return 0 })
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		ledger: l,
		games:  games,
		ebit:   ebit,
		events: pub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// checkFresh fails with ErrDuplicateInvocation when key already committed.
func (e *Engine) checkFresh(ctx context.Context, stage, key string) error {
	_, err := e.store.GetCommit(ctx, key)
	switch {
	case err == nil:
		metrics.WaveRuns.WithLabelValues(stage, "duplicate").Inc()
		return fmt.Errorf("%w: %s", model.ErrDuplicateInvocation, key)
	case errors.Is(err, model.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.OccurredAt = e.now()
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Error("event publish failed", "type", ev.Type, "key", ev.Key, "err", err)
	}
}

func sumEntries(entries []model.Entry) model.Amount {
	var sum model.Amount
	for _, en := range entries {
		sum += en.Amount
	}
	return sum
}
