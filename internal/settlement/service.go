// Package settlement runs prediction games through their lifecycle:
// staking, closing, recording the outcome, grading every stake in a single
// pass and paying each participant in its own unit of work.
//
// Game status moves OPEN -> CLOSED -> GRADING -> SETTLED, or to CANCELLED
// from OPEN or CLOSED. Every move is a compare-and-set in the store.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/invocation"
	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/limits"
	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/store"
)

const gameStripes = 32

// Config holds the retry policy for per-participant units.
type Config struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	// Concurrency bounds SettleClosed.
	Concurrency int
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{
	RetryAttempts: 5,
	RetryBackoff:  50 * time.Millisecond,
	MaxBackoff:    2 * time.Second,
	Concurrency:   4,
}

// Service settles prediction games.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	limiter *limits.StakeLimiter
	events  events.Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	stripe [gameStripes]sync.Mutex
}

// NewService creates a settlement service. limiter and pub may be nil.
func NewService(st store.Store, l *ledger.Ledger, limiter *limits.StakeLimiter, pub events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig.RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		ledger:  l,
		limiter: limiter,
		events:  pub,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepWithContext,
	}
}

// SetClock replaces the service's time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// NewGame describes a game to create.
type NewGame struct {
	ID                    model.GameID
	Title                 string
	Kind                  model.GameKind
	Tolerance             decimal.Decimal
	Importance            decimal.Decimal
	DifficultyMultiplier  decimal.Decimal
	EstimatedParticipants int
	PrizeEligible         bool
	SponsorRequestID      model.RequestID
}

// CreateGame validates and stores an OPEN game. Zero importance and
// difficulty default to 1.
func (s *Service) CreateGame(ctx context.Context, req NewGame) (*model.Game, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	switch req.Kind {
	case model.GameBinary, model.GameConfidence:
	case model.GameNumeric:
		if !req.Tolerance.IsPositive() {
			return nil, fmt.Errorf("%w: numeric games need a positive tolerance", model.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown game kind %q", model.ErrInvalidInput, req.Kind)
	}
	if req.Importance.IsNegative() || req.DifficultyMultiplier.IsNegative() || req.EstimatedParticipants < 0 {
		return nil, fmt.Errorf("%w: weights must not be negative", model.ErrInvalidInput)
	}

	id := model.GameID(uuid.New().String())
	if req.ID != "" {
		var err error
		if id, err = model.NewGameID(string(req.ID)); err != nil {
			return nil, err
		}
	}
	importance := req.Importance
	if importance.IsZero() {
		importance = decimal.NewFromInt(1)
	}
	difficulty := req.DifficultyMultiplier
	if difficulty.IsZero() {
		difficulty = decimal.NewFromInt(1)
	}

	g := &model.Game{
		ID:                    id,
		Title:                 strings.TrimSpace(req.Title),
		Kind:                  req.Kind,
		Status:                model.GameOpen,
		Tolerance:             req.Tolerance,
		Importance:            importance,
		DifficultyMultiplier:  difficulty,
		EstimatedParticipants: req.EstimatedParticipants,
		PrizeEligible:         req.PrizeEligible,
		PrizeState:            model.PrizeNone,
		SponsorRequestID:      req.SponsorRequestID,
		CreatedAt:             s.now(),
	}
	if err := s.store.CreateGame(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("game created", "game_id", g.ID, "kind", g.Kind, "prize_eligible", g.PrizeEligible)
	return g, nil
}

// Game returns a game by id.
func (s *Service) Game(ctx context.Context, id model.GameID) (*model.Game, error) {
	return s.store.GetGame(ctx, id)
}

// Stakes returns a game's stakes.
func (s *Service) Stakes(ctx context.Context, id model.GameID) ([]model.Stake, error) {
	return s.store.ListStakes(ctx, id)
}

// PlaceStake locks amount from the user's available balance and records the
// stake. The game must be OPEN and the user may stake once per game.
func (s *Service) PlaceStake(ctx context.Context, gameID model.GameID, user model.UserID, token model.TokenType, amount model.Amount, answer string, confidence *float64) (*model.Stake, error) {
	if _, err := model.NewUserID(string(user)); err != nil {
		return nil, err
	}
	if !token.Valid() {
		return nil, fmt.Errorf("%w: unknown token %q", model.ErrInvalidInput, token)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: stake must be positive", model.ErrInvalidAmount)
	}
	if strings.TrimSpace(answer) == "" {
		return nil, fmt.Errorf("%w: answer is required", model.ErrInvalidInput)
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return nil, fmt.Errorf("%w: confidence must be within [0, 1]", model.ErrInvalidInput)
	}

	unlock := s.lockGame(gameID)
	defer unlock()

	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status != model.GameOpen {
		return nil, fmt.Errorf("%w: game %s is %s", model.ErrInvalidState, gameID, g.Status)
	}

	open, err := s.store.ListLockedStakesByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, st := range open {
		if st.GameID == gameID {
			return nil, fmt.Errorf("%w: %s already staked in %s", model.ErrAlreadyExists, user, gameID)
		}
	}
	if err := s.limiter.CheckLimit(token, amount, open); err != nil {
		metrics.StakeLimitRejections.WithLabelValues(limits.Label(err)).Inc()
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
	}

	related := string(gameID)
	if _, err := s.ledger.Lock(ctx, user, token, amount, model.ReasonStake, related); err != nil {
		return nil, err
	}

	st := &model.Stake{
		GameID:     gameID,
		UserID:     user,
		Token:      token,
		Amount:     amount,
		Answer:     strings.TrimSpace(answer),
		Confidence: confidence,
		Status:     model.StakeLocked,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateStake(ctx, st); err != nil {
		// The stake row is the only record of the lock; give the funds back.
		if _, cerr := s.ledger.UnlockToAvailable(context.WithoutCancel(ctx), user, token, amount, model.ReasonCompensation, related); cerr != nil {
			s.logger.Error("stake lock compensation failed",
				"game_id", gameID, "user_id", user, "amount", amount, "err", cerr)
			return nil, fmt.Errorf("%w: stake not recorded and lock not released: %w", model.ErrBatchInvariantViolation, errors.Join(err, cerr))
		}
		return nil, err
	}

	s.logger.Info("stake placed", "game_id", gameID, "user_id", user, "token", token, "amount", amount)
	return st, nil
}

// Close stops staking: OPEN -> CLOSED.
func (s *Service) Close(ctx context.Context, gameID model.GameID) error {
	unlock := s.lockGame(gameID)
	defer unlock()

	if err := s.store.TransitionGame(ctx, gameID, model.GameOpen, model.GameClosed, s.now()); err != nil {
		return err
	}
	s.logger.Info("game closed", "game_id", gameID)
	return nil
}

// RecordOutcome stores the reference outcome. Allowed while OPEN or CLOSED.
func (s *Service) RecordOutcome(ctx context.Context, gameID model.GameID, outcome string) error {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return fmt.Errorf("%w: outcome is required", model.ErrInvalidInput)
	}

	unlock := s.lockGame(gameID)
	defer unlock()

	return s.store.SetOutcome(ctx, gameID, outcome)
}

// Cancel refunds every locked stake without grading. It accepts OPEN and
// CLOSED games, and re-running it on a CANCELLED game finishes refunds that
// failed earlier. An unconsumed prize allocation rolls into the next day.
func (s *Service) Cancel(ctx context.Context, gameID model.GameID) error {
	unlock := s.lockGame(gameID)
	defer unlock()

	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	switch g.Status {
	case model.GameOpen, model.GameClosed:
		if err := s.store.TransitionGame(ctx, gameID, g.Status, model.GameCancelled, s.now()); err != nil {
			return err
		}
	case model.GameCancelled:
	default:
		return fmt.Errorf("%w: game %s is %s", model.ErrInvalidState, gameID, g.Status)
	}

	stakes, err := s.store.ListStakes(ctx, gameID)
	if err != nil {
		return err
	}

	var (
		refunds []model.Entry
		failed  []error
	)
	for _, st := range stakes {
		if st.Status != model.StakeLocked {
			continue
		}
		key := invocation.Refund(gameID, st.UserID)
		err := s.withRetry(ctx, func() error {
			_, err := s.ledger.Begin(key).
				WithPayload(kindRefund, participantPayload(gameID, st.UserID)).
				UnlockToAvailable(st.UserID, st.Token, st.Amount, model.ReasonStakeRefund, string(gameID)).
				Commit(ctx)
			return err
		})
		if errors.Is(err, model.ErrDuplicateInvocation) {
			err = s.checkUnitOwner(ctx, key, kindRefund, gameID, st.UserID)
		}
		if err != nil {
			failed = append(failed, fmt.Errorf("refund %s: %w", st.UserID, err))
			continue
		}
		if err := s.store.UpdateStakeSettlement(ctx, gameID, st.UserID, model.StakeRefunded, 0, 0); err != nil {
			failed = append(failed, fmt.Errorf("mark refund %s: %w", st.UserID, err))
			continue
		}
		refunds = append(refunds, model.Entry{UserID: st.UserID, Token: st.Token, Amount: st.Amount})
	}

	if g.PrizeState == model.PrizeAllocated {
		if err := s.rollOverAllocation(ctx, gameID); err != nil {
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		metrics.Settlements.WithLabelValues("cancel_incomplete").Inc()
		s.logger.Error("game cancellation incomplete", "game_id", gameID, "failed", len(failed))
		return fmt.Errorf("settlement: cancel %s: %w", gameID, errors.Join(failed...))
	}

	metrics.Settlements.WithLabelValues("cancelled").Inc()
	s.logger.Info("game cancelled", "game_id", gameID, "refunds", len(refunds))
	s.publish(ctx, events.Event{
		Type:    events.GameCancelled,
		Key:     "CANCEL-" + string(gameID),
		Subject: string(gameID),
		Entries: refunds,
	})
	return nil
}

// rollOverAllocation consumes a game's prize allocation and carries it into
// the next day's pool.
func (s *Service) rollOverAllocation(ctx context.Context, gameID model.GameID) error {
	alloc, err := s.store.ConsumeAllocation(ctx, gameID)
	if err != nil {
		return fmt.Errorf("consume allocation %s: %w", gameID, err)
	}
	if alloc.AllocatedAmount == 0 {
		return nil
	}
	r := model.Rollover{
		Key:    "PRIZE-" + string(gameID),
		Date:   model.DayKey(s.now()).AddDate(0, 0, 1),
		Token:  alloc.Token,
		Amount: alloc.AllocatedAmount,
	}
	if err := s.store.AddRollover(ctx, r); err != nil && !errors.Is(err, model.ErrDuplicateInvocation) {
		return fmt.Errorf("roll over allocation %s: %w", gameID, err)
	}
	s.logger.Info("prize allocation rolled over", "game_id", gameID, "amount", alloc.AllocatedAmount, "date", r.Date)
	return nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", "type", ev.Type, "key", ev.Key, "err", err)
	}
}

func (s *Service) lockGame(id model.GameID) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &s.stripe[h.Sum32()%gameStripes]
	mu.Lock()
	return mu.Unlock
}

// withRetry runs fn until it succeeds, fails permanently or the attempts are
// spent, doubling the backoff each time.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	backoff := s.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt == s.cfg.RetryAttempts {
			break
		}
		if serr := s.sleep(ctx, backoff); serr != nil {
			return errors.Join(err, serr)
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
	return err
}

// retryable excludes errors that another attempt cannot fix.
func retryable(err error) bool {
	switch {
	case errors.Is(err, model.ErrDuplicateInvocation),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInsufficientAvailableBalance),
		errors.Is(err, model.ErrInsufficientLockedBalance),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrBatchInvariantViolation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
