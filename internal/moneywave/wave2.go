package moneywave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/invocation"
	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
)

// RunWave2 collects a fraction of every idle PMC balance and redistributes
// it to recently active accounts in proportion to their activity. The
// snapshot is taken once; a source or target that changes before the batch
// commits is dropped and the batch re-planned. A day with nothing to move
// still commits an empty batch so the key is spent.
func (e *Engine) RunWave2(ctx context.Context, date time.Time) (*model.RedistributionBatch, error) {
	e.runs.Lock()
	defer e.runs.Unlock()

	day := model.DayKey(date)
	key := invocation.Wave2(day)
	if err := e.checkFresh(ctx, "wave2", key); err != nil {
		return nil, err
	}

	snapshot := e.now()
	for attempt := 0; ; attempt++ {
		batch, err := e.planWave2(ctx, key, day, snapshot)
		if err != nil {
			return nil, err
		}
		if !batch.Balanced() {
			metrics.WaveRuns.WithLabelValues("wave2", "invariant_violation").Inc()
			e.logger.Error("wave2 batch discarded",
				"key", key,
				"collected", batch.Collected(),
				"distributed", batch.Distributed(),
			)
			return nil, fmt.Errorf("%w: %s collected %d, distributed %d",
				model.ErrBatchInvariantViolation, key, batch.Collected(), batch.Distributed())
		}

		err = e.commitWave2(ctx, batch, snapshot)
		if errors.Is(err, model.ErrSnapshotConflict) && attempt < e.cfg.MaxReplans {
			e.logger.Warn("wave2 source changed after snapshot, re-planning",
				"key", key, "attempt", attempt+1, "err", err)
			continue
		}
		if err != nil {
			metrics.WaveRuns.WithLabelValues("wave2", "failed").Inc()
			return nil, err
		}

		metrics.WaveRuns.WithLabelValues("wave2", "committed").Inc()
		metrics.WaveDistributed.WithLabelValues("wave2", string(model.PMC)).Add(float64(batch.TotalRedistributed))
		e.logger.Info("wave2 redistribution executed",
			"key", key,
			"sources", len(batch.SourceUsers),
			"targets", len(batch.TargetUsers),
			"total", batch.TotalRedistributed,
		)

		entries := make([]model.Entry, 0, len(batch.TargetUsers))
		for _, t := range batch.TargetUsers {
			entries = append(entries, model.Entry{UserID: t.UserID, Token: model.PMC, Amount: t.DistributedAmount})
		}
		e.publish(ctx, events.Event{
			Type:    events.Wave2RedistributionExecuted,
			Key:     key,
			Subject: batch.BatchID,
			Entries: entries,
		})
		return batch, nil
	}
}

// planWave2 builds the batch from the accounts as of snapshot.
func (e *Engine) planWave2(ctx context.Context, key string, day, snapshot time.Time) (*model.RedistributionBatch, error) {
	idle, err := e.store.ListIdleAccounts(ctx, snapshot, e.cfg.IdleThresholdDays, e.cfg.MinIdleAmount)
	if err != nil {
		return nil, err
	}
	since := snapshot.AddDate(0, 0, -e.cfg.ActivityLookbackDays)
	scores, err := e.store.ListActivityScores(ctx, since, snapshot)
	if err != nil {
		return nil, err
	}

	batch := &model.RedistributionBatch{
		BatchID:       uuid.New().String(),
		Key:           key,
		DetectionDate: day,
		SnapshotAt:    snapshot,
	}

	isIdle := make(map[model.UserID]bool, len(idle))
	var sources []model.SourceShare
	for _, a := range idle {
		isIdle[a.UserID] = true
		amt := model.FloorAmount(a.PmcAvailable.Decimal().Mul(e.cfg.IdleFraction))
		if amt <= 0 {
			continue
		}
		sources = append(sources, model.SourceShare{UserID: a.UserID, CollectedAmount: amt})
	}

	var targets []model.ActivityScore
	for _, s := range scores {
		if s.Score > 0 && !isIdle[s.UserID] {
			targets = append(targets, s)
		}
	}

	// Nothing is collected unless someone can receive it.
	if len(sources) == 0 || len(targets) == 0 {
		return batch, nil
	}
	batch.SourceUsers = sources
	batch.TotalRedistributed = batch.Collected()
	batch.TargetUsers = distribute(batch.TotalRedistributed, targets)
	return batch, nil
}

// distribute splits total by activity score, flooring each share. The
// remainder goes to the target with the largest share, ties to the lowest
// user id.
func distribute(total model.Amount, targets []model.ActivityScore) []model.TargetShare {
	var scoreSum int64
	for _, t := range targets {
		scoreSum += t.Score
	}
	sum := decimal.NewFromInt(scoreSum)

	shares := make([]model.TargetShare, len(targets))
	var given model.Amount
	for i, t := range targets {
		q, _ := total.Decimal().Mul(decimal.NewFromInt(t.Score)).QuoRem(sum, 0)
		amt := model.FloorAmount(q)
		shares[i] = model.TargetShare{UserID: t.UserID, DistributedAmount: amt, ActivityScore: t.Score}
		given += amt
	}

	sort.Slice(shares, func(i, j int) bool { return shares[i].UserID < shares[j].UserID })
	top := 0
	for i := range shares {
		if shares[i].DistributedAmount > shares[top].DistributedAmount {
			top = i
		}
	}
	shares[top].DistributedAmount += total - given

	out := shares[:0]
	for _, s := range shares {
		if s.DistributedAmount > 0 {
			out = append(out, s)
		}
	}
	return out
}

// commitWave2 applies the batch as one keyed unit. Every step carries the
// snapshot guard, so an account touched after the snapshot fails the unit
// and drops out of the re-plan.
func (e *Engine) commitWave2(ctx context.Context, batch *model.RedistributionBatch, snapshot time.Time) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode wave2 batch: %w", err)
	}

	uow := e.ledger.Begin(batch.Key).WithPayload("wave2", payload)
	for _, s := range batch.SourceUsers {
		uow.DebitAvailableIfUnchanged(s.UserID, model.PMC, s.CollectedAmount, model.ReasonWave2Redistribution, batch.BatchID, snapshot)
	}
	for _, t := range batch.TargetUsers {
		uow.CreditIfUnchanged(t.UserID, model.PMC, t.DistributedAmount, model.ReasonWave2Redistribution, batch.BatchID, snapshot)
	}
	_, err = uow.Commit(ctx)
	return err
}
