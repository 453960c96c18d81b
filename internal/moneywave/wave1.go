package moneywave

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/invocation"
	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
)

// Wave1Result is what RunWave1 committed.
type Wave1Result struct {
	Key         string                      `json:"key"`
	Pool        model.DailyPrizePool        `json:"pool"`
	Allocations []model.GamePrizeAllocation `json:"allocations"`
	RolloverOut model.Amount                `json:"rollover_out"`
}

// RunWave1 forms date's prize pool and allocates it across the active
// prize-eligible games. The pool is floor(ebit x percentage) plus every
// pending rollover up to the day. With no games to receive it, the whole
// pool carries to the next day. A game cancelled between listing and commit
// fails the commit and the day is re-planned without it.
func (e *Engine) RunWave1(ctx context.Context, date time.Time) (*Wave1Result, error) {
	e.runs.Lock()
	defer e.runs.Unlock()

	day := model.DayKey(date)
	key := invocation.Wave1(day)
	if err := e.checkFresh(ctx, "wave1", key); err != nil {
		return nil, err
	}

	token := e.cfg.PrizeToken
	ebit := e.ebit.EbitFor(day)
	if ebit < 0 {
		ebit = 0
	}
	base := model.FloorAmount(ebit.Decimal().Mul(e.cfg.AllocationPercentage))

	rollovers, err := e.store.PendingRollovers(ctx, token, day)
	if err != nil {
		return nil, err
	}
	var (
		rollIn   model.Amount
		consumed = make([]string, 0, len(rollovers))
	)
	for _, r := range rollovers {
		rollIn += r.Amount
		consumed = append(consumed, r.Key)
	}

	pool := base + rollIn
	var res *Wave1Result
	for attempt := 0; ; attempt++ {
		games, err := e.store.ListActiveGames(ctx, day)
		if err != nil {
			return nil, err
		}
		res = planWave1(key, day, token, ebit, rollIn, pool, e.cfg.AllocationPercentage, games)

		err = e.store.CommitWave1(ctx, model.Wave1Commit{
			Key:         key,
			Pool:        res.Pool,
			Allocations: res.Allocations,
			RolloverOut: res.RolloverOut,
			CommittedAt: e.now(),
		}, consumed)
		if errors.Is(err, model.ErrSnapshotConflict) && attempt < e.cfg.MaxReplans {
			e.logger.Warn("wave1 game left the allocatable set, re-planning",
				"key", key, "attempt", attempt+1, "err", err)
			continue
		}
		if err != nil {
			metrics.WaveRuns.WithLabelValues("wave1", "failed").Inc()
			return nil, err
		}
		break
	}

	metrics.WaveRuns.WithLabelValues("wave1", "committed").Inc()
	e.logger.Info("wave1 pool allocated",
		"key", key,
		"ebit", ebit,
		"rollover_in", rollIn,
		"pool", pool,
		"games", len(res.Allocations),
		"rollover_out", res.RolloverOut,
	)
	e.publish(ctx, events.Event{
		Type:    events.Wave1PoolAllocated,
		Key:     key,
		Subject: day.Format(time.DateOnly),
	})
	return res, nil
}

// planWave1 allocates pool across games. With nothing to allocate to, the
// whole pool rolls out.
func planWave1(key string, day time.Time, token model.TokenType, ebit, rollIn, pool model.Amount, pct decimal.Decimal, games []model.GameSummary) *Wave1Result {
	allocs := allocatePool(pool, games)
	for i := range allocs {
		allocs[i].PoolDate = day
		allocs[i].Token = token
	}

	res := &Wave1Result{
		Key: key,
		Pool: model.DailyPrizePool{
			Date:                 day,
			Token:                token,
			EbitAmount:           ebit,
			AllocationPercentage: pct,
			RolloverIn:           rollIn,
			PoolAmount:           pool,
		},
		Allocations: allocs,
	}
	for _, a := range allocs {
		res.Pool.AllocatedAmount += a.AllocatedAmount
	}
	if len(allocs) == 0 {
		res.RolloverOut = pool
	}
	return res
}

// allocatePool splits pool by importance x difficulty using the largest
// remainder method, so the shares always sum to pool. Leftover units go to
// the largest fractional parts; ties go to the earlier game, then the lower
// id. It returns nil when no game carries weight.
func allocatePool(pool model.Amount, games []model.GameSummary) []model.GamePrizeAllocation {
	if len(games) == 0 {
		return nil
	}

	weights := make([]decimal.Decimal, len(games))
	total := decimal.Zero
	for i, g := range games {
		w := g.Importance.Mul(g.DifficultyMultiplier)
		if w.IsNegative() {
			w = decimal.Zero
		}
		weights[i] = w
		total = total.Add(w)
	}
	if !total.IsPositive() {
		return nil
	}

	type part struct {
		idx  int
		frac decimal.Decimal
	}
	allocs := make([]model.GamePrizeAllocation, len(games))
	parts := make([]part, len(games))
	var given model.Amount
	for i, g := range games {
		exact := pool.Decimal().Mul(weights[i]).Div(total)
		share := model.FloorAmount(exact)
		given += share
		parts[i] = part{idx: i, frac: exact.Sub(share.Decimal())}
		allocs[i] = model.GamePrizeAllocation{
			GameID:                g.ID,
			AllocatedAmount:       share,
			GameImportance:        g.Importance,
			DifficultyMultiplier:  g.DifficultyMultiplier,
			EstimatedParticipants: g.EstimatedParticipants,
		}
	}

	sort.SliceStable(parts, func(a, b int) bool {
		pa, pb := parts[a], parts[b]
		if !pa.frac.Equal(pb.frac) {
			return pa.frac.GreaterThan(pb.frac)
		}
		ga, gb := games[pa.idx], games[pb.idx]
		if !ga.CreatedAt.Equal(gb.CreatedAt) {
			return ga.CreatedAt.Before(gb.CreatedAt)
		}
		return ga.ID < gb.ID
	})
	for i := 0; given < pool; i++ {
		allocs[parts[i%len(parts)].idx].AllocatedAmount++
		given++
	}
	return allocs
}
