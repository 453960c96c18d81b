package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/grading"
	"github.com/pmx/economy-engine/internal/invocation"
	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
)

// Report summarizes one Settle call.
type Report struct {
	GameID   model.GameID     `json:"game_id"`
	Status   model.GameStatus `json:"status"`
	Settled  int              `json:"settled"`
	Skipped  int              `json:"skipped"`
	Payouts  []model.Entry    `json:"payouts"`
	Prizes   []model.Entry    `json:"prizes"`
	Rollover model.Amount     `json:"rollover"`
}

// Settle grades a CLOSED game and pays every participant. Grading is one
// pass: if any stake cannot be graded the game stays CLOSED and nothing is
// paid. Each participant is settled by its own idempotent unit of work, so a
// game left in GRADING by a failing unit can be settled again.
func (s *Service) Settle(ctx context.Context, gameID model.GameID) (*Report, error) {
	start := time.Now()
	unlock := s.lockGame(gameID)
	defer unlock()

	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	stakes, err := s.store.ListStakes(ctx, gameID)
	if err != nil {
		return nil, err
	}

	switch g.Status {
	case model.GameClosed:
		if stakes, err = s.grade(ctx, g, stakes); err != nil {
			return nil, err
		}
	case model.GameGrading:
		// Resume payouts with the stored grades.
	default:
		return nil, fmt.Errorf("%w: game %s is %s", model.ErrInvalidState, gameID, g.Status)
	}

	var prizePool *model.GamePrizeAllocation
	if g.PrizeEligible {
		if prizePool, err = s.store.ConsumeAllocation(ctx, gameID); err != nil {
			return nil, err
		}
	}
	prizes := prizeShares(prizePool, stakes)

	report := &Report{GameID: gameID, Status: model.GameGrading}
	var failed []error
	for _, st := range stakes {
		if st.Status != model.StakeLocked {
			report.Skipped++
			continue
		}
		payout, prize, err := s.settleStake(ctx, gameID, st, prizes[st.UserID], prizePool)
		if err != nil {
			failed = append(failed, fmt.Errorf("participant %s: %w", st.UserID, err))
			continue
		}
		report.Settled++
		if payout > 0 {
			report.Payouts = append(report.Payouts, model.Entry{UserID: st.UserID, Token: st.Token, Amount: payout})
		}
		if prize > 0 {
			report.Prizes = append(report.Prizes, model.Entry{UserID: st.UserID, Token: prizePool.Token, Amount: prize})
		}
	}

	if len(failed) > 0 {
		metrics.Settlements.WithLabelValues("partial").Inc()
		s.logger.Error("settlement incomplete, game left in GRADING",
			"game_id", gameID, "failed", len(failed), "settled", report.Settled)
		return report, fmt.Errorf("settlement: %s: %d participants unsettled: %w", gameID, len(failed), errors.Join(failed...))
	}

	if prizePool != nil && prizePool.AllocatedAmount > 0 && len(prizes) == 0 {
		if err := s.carryPrize(ctx, gameID, prizePool); err != nil {
			return report, err
		}
		report.Rollover = prizePool.AllocatedAmount
	}

	if err := s.store.TransitionGame(ctx, gameID, model.GameGrading, model.GameSettled, s.now()); err != nil {
		return report, err
	}
	report.Status = model.GameSettled

	metrics.Settlements.WithLabelValues("settled").Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("game settled",
		"game_id", gameID,
		"settled", report.Settled,
		"skipped", report.Skipped,
		"rollover", report.Rollover,
	)

	s.publish(ctx, events.Event{
		Type:    events.SettlementCompleted,
		Key:     "SETTLED-" + string(gameID),
		Subject: string(gameID),
		Entries: report.Payouts,
	})
	if prizePool != nil && len(report.Prizes) > 0 {
		metrics.WaveDistributed.WithLabelValues("wave1", string(prizePool.Token)).Add(float64(sumEntries(report.Prizes)))
		s.publish(ctx, events.Event{
			Type:    events.Wave1DistributionCompleted,
			Key:     "PRIZE-" + string(gameID),
			Subject: string(gameID),
			Entries: report.Prizes,
		})
	}
	return report, nil
}

// grade runs the single grading pass and moves the game to GRADING. It
// returns the stakes with their results attached.
func (s *Service) grade(ctx context.Context, g *model.Game, stakes []model.Stake) ([]model.Stake, error) {
	if g.Outcome == "" {
		return nil, s.ungradable(g.ID, fmt.Errorf("%w: game %s has no outcome", model.ErrUngradableGame, g.ID))
	}

	results := make(map[model.UserID]model.PredictionResult, len(stakes))
	for i := range stakes {
		res, err := grading.Grade(*g, stakes[i])
		if err != nil {
			return nil, s.ungradable(g.ID, fmt.Errorf("participant %s: %w", stakes[i].UserID, err))
		}
		results[stakes[i].UserID] = res
		stakes[i].Result = &res
	}

	// The allocation must be in place before anyone is paid.
	if g.PrizeEligible {
		if _, err := s.store.GetAllocation(ctx, g.ID); err != nil {
			metrics.Settlements.WithLabelValues("no_allocation").Inc()
			s.logger.Warn("prize allocation missing, game stays CLOSED", "game_id", g.ID, "err", err)
			return nil, err
		}
	}

	if err := s.store.SaveResults(ctx, g.ID, results); err != nil {
		return nil, err
	}
	if err := s.store.TransitionGame(ctx, g.ID, model.GameClosed, model.GameGrading, s.now()); err != nil {
		return nil, err
	}
	return stakes, nil
}

func (s *Service) ungradable(id model.GameID, err error) error {
	metrics.Settlements.WithLabelValues("ungradable").Inc()
	s.logger.Warn("game cannot be graded, stays CLOSED", "game_id", id, "err", err)
	if !errors.Is(err, model.ErrUngradableGame) {
		err = fmt.Errorf("%w: %w", model.ErrUngradableGame, err)
	}
	return err
}

// settleStake consumes the stake and credits payout and prize in one unit
// keyed by game and participant. A unit committed by an earlier run is
// recognised by its key and owner, and only the stake row is updated.
func (s *Service) settleStake(ctx context.Context, gameID model.GameID, st model.Stake, prize model.Amount, pool *model.GamePrizeAllocation) (model.Amount, model.Amount, error) {
	result := grading.Pending()
	if st.Result != nil {
		result = *st.Result
	}
	payout := model.FloorAmount(st.Amount.Decimal().Mul(result.RewardMultiplier))
	related := string(gameID)

	key := invocation.Settlement(gameID, st.UserID)
	uow := s.ledger.Begin(key).
		WithPayload(kindSettlement, participantPayload(gameID, st.UserID)).
		UnlockAndDebit(st.UserID, st.Token, st.Amount, model.ReasonStake, related)
	if payout > 0 {
		uow.Credit(st.UserID, st.Token, payout, model.ReasonSettlementPayout, related)
	}
	if prize > 0 {
		uow.Credit(st.UserID, pool.Token, prize, model.ReasonWave1Prize, related)
	}

	err := s.withRetry(ctx, func() error {
		_, err := uow.Commit(ctx)
		return err
	})
	if errors.Is(err, model.ErrDuplicateInvocation) {
		err = s.checkUnitOwner(ctx, key, kindSettlement, gameID, st.UserID)
	}
	if err != nil {
		return 0, 0, err
	}

	if err := s.withRetry(ctx, func() error {
		return s.store.UpdateStakeSettlement(ctx, gameID, st.UserID, model.StakeSettled, payout, prize)
	}); err != nil {
		return 0, 0, err
	}
	return payout, prize, nil
}

// Commit kinds of the per-participant units.
const (
	kindSettlement = "settlement"
	kindRefund     = "refund"
)

// participantUnit is the commit payload that ties a unit to its owner.
type participantUnit struct {
	GameID model.GameID `json:"game_id"`
	UserID model.UserID `json:"user_id"`
}

func participantPayload(gameID model.GameID, user model.UserID) []byte {
	b, _ := json.Marshal(participantUnit{GameID: gameID, UserID: user})
	return b
}

// checkUnitOwner confirms that an already spent key was spent by this
// participant's unit. Anything else leaves the stake locked.
func (s *Service) checkUnitOwner(ctx context.Context, key, kind string, gameID model.GameID, user model.UserID) error {
	rec, err := s.store.GetCommit(ctx, key)
	if err != nil {
		return err
	}
	var owner participantUnit
	if rec.Kind != kind || json.Unmarshal(rec.Payload, &owner) != nil ||
		owner.GameID != gameID || owner.UserID != user {
		s.logger.Error("invocation key spent by another unit",
			"key", key, "game_id", gameID, "user_id", user, "commit_kind", rec.Kind)
		return fmt.Errorf("%w: %s was committed by another unit", model.ErrInvalidState, key)
	}
	return nil
}

// carryPrize moves an allocation nobody qualified for into the next day's
// pool.
func (s *Service) carryPrize(ctx context.Context, gameID model.GameID, pool *model.GamePrizeAllocation) error {
	r := model.Rollover{
		Key:    "PRIZE-" + string(gameID),
		Date:   model.DayKey(s.now()).AddDate(0, 0, 1),
		Token:  pool.Token,
		Amount: pool.AllocatedAmount,
	}
	if err := s.store.AddRollover(ctx, r); err != nil && !errors.Is(err, model.ErrDuplicateInvocation) {
		return fmt.Errorf("settlement: roll over prize for %s: %w", gameID, err)
	}
	s.logger.Info("no qualifying participants, prize rolled over", "game_id", gameID, "amount", pool.AllocatedAmount)
	return nil
}

// prizeShares splits the allocation among CORRECT and PARTIALLY_CORRECT
// participants by accuracy. Shares are floored; the remainder goes to the
// most accurate participant, ties broken by user id.
func prizeShares(pool *model.GamePrizeAllocation, stakes []model.Stake) map[model.UserID]model.Amount {
	if pool == nil || pool.AllocatedAmount <= 0 {
		return nil
	}

	type qualifier struct {
		user     model.UserID
		accuracy decimal.Decimal
	}
	var (
		qs    []qualifier
		total decimal.Decimal
	)
	for _, st := range stakes {
		if st.Result == nil || !st.Result.Category.Qualifies() || st.Status == model.StakeRefunded {
			continue
		}
		acc := decimal.NewFromFloat(st.Result.AccuracyScore)
		if !acc.IsPositive() {
			continue
		}
		qs = append(qs, qualifier{user: st.UserID, accuracy: acc})
		total = total.Add(acc)
	}
	if len(qs) == 0 {
		return nil
	}

	sort.Slice(qs, func(i, j int) bool {
		if !qs[i].accuracy.Equal(qs[j].accuracy) {
			return qs[i].accuracy.GreaterThan(qs[j].accuracy)
		}
		return qs[i].user < qs[j].user
	})

	shares := make(map[model.UserID]model.Amount, len(qs))
	var given model.Amount
	for _, q := range qs {
		share := model.FloorAmount(pool.AllocatedAmount.Decimal().Mul(q.accuracy).Div(total))
		shares[q.user] = share
		given += share
	}
	shares[qs[0].user] += pool.AllocatedAmount - given
	return shares
}

func sumEntries(entries []model.Entry) model.Amount {
	var sum model.Amount
	for _, e := range entries {
		sum += e.Amount
	}
	return sum
}

// SettleClosed settles several games concurrently. A failing game does not
// stop the others; every failure is returned joined.
func (s *Service) SettleClosed(ctx context.Context, ids []model.GameID) ([]*Report, error) {
	reports := make([]*Report, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rep, err := s.Settle(ctx, id)
			reports[i] = rep
			if err != nil {
				errs[i] = fmt.Errorf("game %s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}
