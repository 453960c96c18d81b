package moneywave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/invocation"
	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/settlement"
)

// NewIncentive describes a sponsor's request for a custom game.
type NewIncentive struct {
	SponsorID           model.UserID
	Token               model.TokenType
	Pool                model.Amount
	MinimumParticipants int
	Deadline            time.Time
	Title               string
}

// RequestIncentive escrows the sponsor's pool and records the request in
// REQUESTED. Token defaults to PMC.
func (e *Engine) RequestIncentive(ctx context.Context, req NewIncentive) (*model.CustomIncentiveRequest, error) {
	if req.SponsorID == "" {
		return nil, fmt.Errorf("%w: sponsor is required", model.ErrInvalidInput)
	}
	if req.Token == "" {
		req.Token = model.PMC
	}
	if !req.Token.Valid() {
		return nil, fmt.Errorf("%w: unknown token %q", model.ErrInvalidInput, req.Token)
	}
	if req.Pool <= 0 {
		return nil, fmt.Errorf("%w: incentive pool must be positive", model.ErrInvalidAmount)
	}
	if req.MinimumParticipants < 1 {
		return nil, fmt.Errorf("%w: minimum participants must be at least 1", model.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	now := e.now()
	if !req.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", model.ErrInvalidInput)
	}

	id := model.RequestID(uuid.New().String())
	if _, err := e.ledger.Lock(ctx, req.SponsorID, req.Token, req.Pool, model.ReasonWave3Escrow, string(id)); err != nil {
		return nil, err
	}

	r := &model.CustomIncentiveRequest{
		ID:                  id,
		SponsorID:           req.SponsorID,
		Title:               strings.TrimSpace(req.Title),
		Token:               req.Token,
		IncentivePool:       req.Pool,
		MinimumParticipants: req.MinimumParticipants,
		Deadline:            req.Deadline.UTC(),
		State:               model.IncentiveRequested,
		Escrowed:            true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.CreateIncentiveRequest(ctx, r); err != nil {
		if _, cerr := e.ledger.UnlockToAvailable(context.WithoutCancel(ctx), req.SponsorID, req.Token, req.Pool, model.ReasonCompensation, string(id)); cerr != nil {
			e.logger.Error("escrow compensation failed",
				"request_id", id, "sponsor_id", req.SponsorID, "amount", req.Pool, "err", cerr)
			return nil, fmt.Errorf("%w: request not stored and escrow not released: %w", model.ErrBatchInvariantViolation, errors.Join(err, cerr))
		}
		return nil, err
	}

	metrics.IncentiveTransitions.WithLabelValues(string(model.IncentiveRequested)).Inc()
	e.logger.Info("incentive requested",
		"request_id", id,
		"sponsor_id", req.SponsorID,
		"token", req.Token,
		"pool", req.Pool,
		"minimum_participants", req.MinimumParticipants,
	)
	return r, nil
}

// Incentive returns a request by id.
func (e *Engine) Incentive(ctx context.Context, id model.RequestID) (*model.CustomIncentiveRequest, error) {
	return e.store.GetIncentiveRequest(ctx, id)
}

// JoinIncentive signs user up for a REQUESTED request before its deadline.
// A zero weight counts as 1.
func (e *Engine) JoinIncentive(ctx context.Context, id model.RequestID, user model.UserID, weight decimal.Decimal) error {
	if user == "" {
		return fmt.Errorf("%w: user id is required", model.ErrInvalidInput)
	}
	if weight.IsNegative() {
		return fmt.Errorf("%w: contribution weight must not be negative", model.ErrInvalidInput)
	}
	if weight.IsZero() {
		weight = decimal.NewFromInt(1)
	}

	r, err := e.store.GetIncentiveRequest(ctx, id)
	if err != nil {
		return err
	}
	now := e.now()
	if r.State != model.IncentiveRequested || !now.Before(r.Deadline) {
		return fmt.Errorf("%w: request %s is closed for sign-ups", model.ErrInvalidState, id)
	}
	return e.store.AddIncentiveParticipant(ctx, id, model.IncentiveParticipant{
		UserID:             user,
		ContributionWeight: weight,
		JoinedAt:           now,
	})
}

// ProcessIncentiveRequest advances one request as far as its state allows:
// a REQUESTED request gets its game once enough users signed up, or expires
// with a refund at the deadline; a GAME_CREATED request is paid out when its
// game settles, or expires when the game is cancelled. Anything else is left
// alone.
func (e *Engine) ProcessIncentiveRequest(ctx context.Context, id model.RequestID) (*model.CustomIncentiveRequest, error) {
	e.incentive.Lock()
	defer e.incentive.Unlock()

	r, err := e.store.GetIncentiveRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	switch r.State {
	case model.IncentiveRequested:
		switch {
		case len(r.Participants) >= r.MinimumParticipants:
			err = e.createIncentiveGame(ctx, r)
		case !e.now().Before(r.Deadline):
			err = e.expireIncentive(ctx, r)
		}
	case model.IncentiveGameCreated:
		if e.games == nil {
			return nil, fmt.Errorf("%w: no game service configured", model.ErrInvalidState)
		}
		g, gerr := e.games.Game(ctx, r.GameID)
		if gerr != nil {
			return nil, gerr
		}
		switch g.Status {
		case model.GameSettled:
			err = e.distributeIncentive(ctx, r)
		case model.GameCancelled:
			err = e.expireIncentive(ctx, r)
		}
	}
	if err != nil {
		return nil, err
	}
	return e.store.GetIncentiveRequest(ctx, id)
}

// ProcessDueIncentives runs ProcessIncentiveRequest for every open request.
func (e *Engine) ProcessDueIncentives(ctx context.Context) ([]model.CustomIncentiveRequest, error) {
	open, err := e.store.ListIncentiveRequests(ctx, model.IncentiveRequested, model.IncentiveGameCreated)
	if err != nil {
		return nil, err
	}

	var (
		changed []model.CustomIncentiveRequest
		failed  []error
	)
	for _, r := range open {
		if err := ctx.Err(); err != nil {
			failed = append(failed, err)
			break
		}
		next, err := e.ProcessIncentiveRequest(ctx, r.ID)
		if err != nil {
			failed = append(failed, fmt.Errorf("request %s: %w", r.ID, err))
			continue
		}
		if next.State != r.State {
			changed = append(changed, *next)
		}
	}
	return changed, errors.Join(failed...)
}

// incentiveGameID is deterministic so a retried creation finds its game.
func incentiveGameID(id model.RequestID) model.GameID {
	return model.GameID("incentive-" + string(id))
}

func (e *Engine) createIncentiveGame(ctx context.Context, r *model.CustomIncentiveRequest) error {
	if e.games == nil {
		return fmt.Errorf("%w: no game service configured", model.ErrInvalidState)
	}
	gameID := incentiveGameID(r.ID)
	_, err := e.games.CreateGame(ctx, settlement.NewGame{
		ID:               gameID,
		Title:            r.Title,
		Kind:             model.GameConfidence,
		PrizeEligible:    false,
		SponsorRequestID: r.ID,
	})
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return err
	}
	if err := e.store.TransitionIncentiveRequest(ctx, r.ID, model.IncentiveRequested, model.IncentiveGameCreated, gameID, e.now()); err != nil {
		return err
	}

	metrics.IncentiveTransitions.WithLabelValues(string(model.IncentiveGameCreated)).Inc()
	e.logger.Info("incentive game created",
		"request_id", r.ID, "game_id", gameID, "participants", len(r.Participants))
	return nil
}

// expireIncentive returns the whole escrow to the sponsor.
func (e *Engine) expireIncentive(ctx context.Context, r *model.CustomIncentiveRequest) error {
	key := invocation.Wave3(r.ID)
	_, err := e.ledger.Begin(key).
		WithPayload("wave3", nil).
		UnlockToAvailable(r.SponsorID, r.Token, r.IncentivePool, model.ReasonWave3Refund, string(r.ID)).
		Commit(ctx)
	if err != nil && !errors.Is(err, model.ErrDuplicateInvocation) {
		return err
	}
	if err := e.store.TransitionIncentiveRequest(ctx, r.ID, r.State, model.IncentiveExpired, "", e.now()); err != nil {
		return err
	}

	metrics.IncentiveTransitions.WithLabelValues(string(model.IncentiveExpired)).Inc()
	e.logger.Info("incentive expired, escrow refunded",
		"request_id", r.ID,
		"participants", len(r.Participants),
		"minimum", r.MinimumParticipants,
		"refund", r.IncentivePool,
	)
	e.publish(ctx, events.Event{
		Type:    events.Wave3IncentiveExpired,
		Key:     key,
		Subject: string(r.ID),
		Entries: []model.Entry{{UserID: r.SponsorID, Token: r.Token, Amount: r.IncentivePool}},
	})
	return nil
}

// distributeIncentive pays the pool to the settled game's participants by
// accuracy x contribution weight in one keyed unit and returns the floor
// remainder to the sponsor.
func (e *Engine) distributeIncentive(ctx context.Context, r *model.CustomIncentiveRequest) error {
	stakes, err := e.games.Stakes(ctx, r.GameID)
	if err != nil {
		return err
	}
	entries := incentiveShares(r, stakes)
	paid := sumEntries(entries)
	remainder := r.IncentivePool - paid

	key := invocation.Wave3(r.ID)
	related := string(r.ID)
	uow := e.ledger.Begin(key).WithPayload("wave3", nil)
	if paid > 0 {
		uow.UnlockAndDebit(r.SponsorID, r.Token, paid, model.ReasonWave3Incentive, related)
	}
	for _, en := range entries {
		uow.Credit(en.UserID, en.Token, en.Amount, model.ReasonWave3Incentive, related)
	}
	if remainder > 0 {
		uow.UnlockToAvailable(r.SponsorID, r.Token, remainder, model.ReasonWave3Refund, related)
	}
	if _, err := uow.Commit(ctx); err != nil && !errors.Is(err, model.ErrDuplicateInvocation) {
		metrics.WaveRuns.WithLabelValues("wave3", "failed").Inc()
		return err
	}
	if err := e.store.TransitionIncentiveRequest(ctx, r.ID, model.IncentiveGameCreated, model.IncentiveDistributed, "", e.now()); err != nil {
		return err
	}

	metrics.WaveRuns.WithLabelValues("wave3", "committed").Inc()
	metrics.WaveDistributed.WithLabelValues("wave3", string(r.Token)).Add(float64(paid))
	metrics.IncentiveTransitions.WithLabelValues(string(model.IncentiveDistributed)).Inc()
	e.logger.Info("incentive distributed",
		"request_id", r.ID,
		"game_id", r.GameID,
		"recipients", len(entries),
		"paid", paid,
		"refund", remainder,
	)
	e.publish(ctx, events.Event{
		Type:    events.Wave3IncentiveDistributed,
		Key:     key,
		Subject: string(r.ID),
		Entries: entries,
	})
	return nil
}

// incentiveShares weights every graded stake by accuracy x contribution
// weight. Stakers who never signed up weigh 1. Shares are floored.
func incentiveShares(r *model.CustomIncentiveRequest, stakes []model.Stake) []model.Entry {
	signed := make(map[model.UserID]decimal.Decimal, len(r.Participants))
	for _, p := range r.Participants {
		signed[p.UserID] = p.ContributionWeight
	}

	type weighted struct {
		user model.UserID
		w    decimal.Decimal
	}
	var (
		ws    []weighted
		total decimal.Decimal
	)
	for _, st := range stakes {
		if st.Result == nil || st.Status == model.StakeRefunded {
			continue
		}
		weight, ok := signed[st.UserID]
		if !ok {
			weight = decimal.NewFromInt(1)
		}
		w := decimal.NewFromFloat(st.Result.AccuracyScore).Mul(weight)
		if !w.IsPositive() {
			continue
		}
		ws = append(ws, weighted{user: st.UserID, w: w})
		total = total.Add(w)
	}
	if len(ws) == 0 {
		return nil
	}

	entries := make([]model.Entry, 0, len(ws))
	for _, x := range ws {
		amt := model.FloorAmount(r.IncentivePool.Decimal().Mul(x.w).Div(total))
		if amt > 0 {
			entries = append(entries, model.Entry{UserID: x.user, Token: r.Token, Amount: amt})
		}
	}
	return entries
}
