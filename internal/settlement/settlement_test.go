package settlement_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmx/economy-engine/internal/events"
	"github.com/pmx/economy-engine/internal/invocation"
	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/limits"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/settlement"
	"github.com/pmx/economy-engine/internal/store"
)

var errInjected = errors.New("injected failure")

// faultStore hides batch support and fails chosen calls.
type faultStore struct {
	store.Store
	calls      atomic.Int64
	failOn     atomic.Int64
	failStakes bool
}

func (f *faultStore) AppendTransactionAndMutate(ctx context.Context, m model.Mutation) (*model.Account, *model.LedgerTransaction, error) {
	if f.calls.Add(1) == f.failOn.Load() {
		return nil, nil, errInjected
	}
	return f.Store.AppendTransactionAndMutate(ctx, m)
}

func (f *faultStore) CreateStake(ctx context.Context, s *model.Stake) error {
	if f.failStakes {
		return errInjected
	}
	return f.Store.CreateStake(ctx, s)
}

type fixture struct {
	ctx context.Context
	ms  *store.MemoryStore
	l   *ledger.Ledger
	svc *settlement.Service
	rec *events.Recorder
}

func newFixture(t *testing.T, st store.Store, ms *store.MemoryStore, cfg settlement.Config, limiter *limits.StakeLimiter) *fixture {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	l := ledger.New(st, nil)
	rec := &events.Recorder{}
	return &fixture{
		ctx: context.Background(),
		ms:  ms,
		l:   l,
		svc: settlement.NewService(st, l, limiter, rec, cfg, nil),
		rec: rec,
	}
}

func memFixture(t *testing.T) *fixture {
	ms := store.NewMemoryStore()
	return newFixture(t, ms, ms, settlement.Config{}, nil)
}

func (f *fixture) fund(t *testing.T, user model.UserID, token model.TokenType, amount model.Amount) {
	t.Helper()
	_, err := f.l.OpenAccount(f.ctx, user)
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		require.NoError(t, err)
	}
	_, err = f.l.Credit(f.ctx, user, token, amount, model.ReasonActivityReward, "seed")
	require.NoError(t, err)
}

func (f *fixture) game(t *testing.T, kind model.GameKind, prize bool) *model.Game {
	t.Helper()
	req := settlement.NewGame{Title: "will it rain", Kind: kind, PrizeEligible: prize}
	if kind == model.GameNumeric {
		req.Tolerance = decimal.NewFromInt(8)
	}
	g, err := f.svc.CreateGame(f.ctx, req)
	require.NoError(t, err)
	return g
}

func (f *fixture) account(t *testing.T, user model.UserID) *model.Account {
	t.Helper()
	a, err := f.l.Account(f.ctx, user)
	require.NoError(t, err)
	return a
}

func (f *fixture) allocate(t *testing.T, gameID model.GameID, amount model.Amount) {
	t.Helper()
	day := model.DayKey(time.Now())
	err := f.ms.CommitWave1(f.ctx, model.Wave1Commit{
		Key:  invocation.Wave1(day),
		Pool: model.DailyPrizePool{Date: day, Token: model.PMC, PoolAmount: amount, AllocatedAmount: amount},
		Allocations: []model.GamePrizeAllocation{{
			GameID: gameID, PoolDate: day, Token: model.PMC, AllocatedAmount: amount,
		}},
		CommittedAt: time.Now(),
	}, nil)
	require.NoError(t, err)
}

func conf(v float64) *float64 { return &v }

// Scenario A: 1000 PMP, stake 200, accuracy 0.95 -> multiplier 1.2, payout
// 240, final available 1040.
func TestScenarioA_HighAccuracyPayout(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameConfidence, false)

	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", conf(0.95))
	require.NoError(t, err)
	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(800), a.PmpAvailable)
	assert.Equal(t, model.Amount(200), a.PmpLocked)

	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "YES"))
	rep, err := f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)

	a = f.account(t, "alice")
	assert.Equal(t, model.Amount(1040), a.PmpAvailable)
	assert.Equal(t, model.Amount(0), a.PmpLocked)
	require.NoError(t, a.CheckInvariants())

	assert.Equal(t, model.GameSettled, rep.Status)
	require.Len(t, rep.Payouts, 1)
	assert.Equal(t, model.Amount(240), rep.Payouts[0].Amount)

	stakes, _ := f.svc.Stakes(f.ctx, g.ID)
	require.Len(t, stakes, 1)
	assert.Equal(t, model.StakeSettled, stakes[0].Status)
	assert.Equal(t, model.Amount(240), stakes[0].Payout)
	require.NotNil(t, stakes[0].Result)
	assert.Equal(t, model.GradeS, stakes[0].Result.Grade)

	game, _ := f.svc.Game(f.ctx, g.ID)
	assert.Equal(t, model.GameSettled, game.Status)

	evs := f.rec.OfType(events.SettlementCompleted)
	require.Len(t, evs, 1)
	assert.Equal(t, model.Amount(240), evs[0].Total())
}

func TestSettle_IncorrectLosesStake(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "bob", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)

	_, err := f.svc.PlaceStake(f.ctx, g.ID, "bob", model.PMP, 300, "no", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))
	_, err = f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)

	b := f.account(t, "bob")
	assert.Equal(t, model.Amount(700), b.PmpAvailable)
	assert.Equal(t, model.Amount(0), b.PmpLocked)
	assert.Equal(t, model.Amount(700), b.Total(model.PMP))
}

func TestSettle_NumericPartialCredit(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "carol", model.PMC, 500)
	g := f.game(t, model.GameNumeric, false)

	// |42-40|/8 = 0.25 -> accuracy 0.75 -> multiplier 0.6.
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "carol", model.PMC, 100, "42", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "40"))
	_, err = f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)

	c := f.account(t, "carol")
	assert.Equal(t, model.Amount(460), c.PmcAvailable)
}

func TestSettle_UngradableKeepsGameClosed(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))

	// No outcome recorded.
	_, err = f.svc.Settle(f.ctx, g.ID)
	require.ErrorIs(t, err, model.ErrUngradableGame)

	game, _ := f.svc.Game(f.ctx, g.ID)
	assert.Equal(t, model.GameClosed, game.Status)
	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(200), a.PmpLocked)

	// Recording the outcome makes the game settleable.
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))
	_, err = f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)
}

func TestSettle_UnparsableAnswerFailsWholeGame(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMC, 1000)
	f.fund(t, "bob", model.PMC, 1000)
	g := f.game(t, model.GameNumeric, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMC, 100, "40", nil)
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "bob", model.PMC, 100, "forty", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "40"))

	_, err = f.svc.Settle(f.ctx, g.ID)
	require.ErrorIs(t, err, model.ErrUngradableGame)

	// Nobody was paid, not even the gradable participant.
	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(100), a.PmcLocked)
	assert.Equal(t, model.Amount(900), a.PmcAvailable)
}

func TestSettle_RequiresClosedGame(t *testing.T) {
	f := memFixture(t)
	g := f.game(t, model.GameBinary, false)
	_, err := f.svc.Settle(f.ctx, g.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestPlaceStake_Rules(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms, ms, settlement.Config{}, limits.NewStakeLimiter(500, 0, 0))
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)

	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 0, "yes", nil)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 600, "yes", nil)
	assert.ErrorIs(t, err, limits.ErrPerGameLimitExceeded)

	_, err = f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "yes", conf(1.5))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "yes", nil)
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "no", nil)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	g2 := f.game(t, model.GameBinary, false)
	f.fund(t, "bob", model.PMP, 50)
	_, err = f.svc.PlaceStake(f.ctx, g2.ID, "bob", model.PMP, 100, "yes", nil)
	assert.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)

	require.NoError(t, f.svc.Close(f.ctx, g2.ID))
	_, err = f.svc.PlaceStake(f.ctx, g2.ID, "alice", model.PMP, 100, "yes", nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(100), a.PmpLocked)
}

func TestIDsWithKeySeparatorRejected(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "b", model.PMP, 1000)

	_, err := f.svc.CreateGame(f.ctx, settlement.NewGame{ID: "g/a", Title: "t", Kind: model.GameBinary})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	g, err := f.svc.CreateGame(f.ctx, settlement.NewGame{ID: "g", Title: "t", Kind: model.GameBinary})
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "a/b", model.PMP, 100, "yes", nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.svc.PlaceStake(f.ctx, g.ID, "b", model.PMP, 100, "yes", nil)
	require.NoError(t, err)
}

// A settlement key already spent by a different unit must not be taken
// as this participant's payout.
func TestSettle_KeySpentByAnotherUnitKeepsStakeLocked(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))

	require.NoError(t, f.ms.RecordCommit(f.ctx, model.CommitRecord{
		Key: invocation.Settlement(g.ID, "alice"), Kind: "unit", CommittedAt: time.Now(),
	}))

	rep, err := f.svc.Settle(f.ctx, g.ID)
	require.ErrorIs(t, err, model.ErrInvalidState)
	assert.Zero(t, rep.Settled)

	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(800), a.PmpAvailable)
	assert.Equal(t, model.Amount(200), a.PmpLocked)
	stakes, _ := f.svc.Stakes(f.ctx, g.ID)
	require.Len(t, stakes, 1)
	assert.Equal(t, model.StakeLocked, stakes[0].Status)
	game, _ := f.svc.Game(f.ctx, g.ID)
	assert.Equal(t, model.GameGrading, game.Status)
}

func TestCancel_RefundKeySpentByAnotherUnitKeepsStakeLocked(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", nil)
	require.NoError(t, err)

	require.NoError(t, f.ms.RecordCommit(f.ctx, model.CommitRecord{
		Key: invocation.Refund(g.ID, "alice"), Kind: "refund", Payload: []byte(`{"game_id":"other","user_id":"alice"}`),
	}))

	err = f.svc.Cancel(f.ctx, g.ID)
	require.ErrorIs(t, err, model.ErrInvalidState)

	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(200), a.PmpLocked)
	stakes, _ := f.svc.Stakes(f.ctx, g.ID)
	require.Len(t, stakes, 1)
	assert.Equal(t, model.StakeLocked, stakes[0].Status)
}

func TestPlaceStake_RecordFailureReleasesLock(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &faultStore{Store: ms}
	f := newFixture(t, fs, ms, settlement.Config{}, nil)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)

	fs.failStakes = true
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", nil)
	require.ErrorIs(t, err, errInjected)

	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(1000), a.PmpAvailable)
	assert.Equal(t, model.Amount(0), a.PmpLocked)

	txs, _ := f.l.Transactions(f.ctx, "alice")
	assert.Equal(t, model.ReasonCompensation, txs[len(txs)-1].Reason)
}

func TestClose_OnlyFromOpen(t *testing.T) {
	f := memFixture(t)
	g := f.game(t, model.GameBinary, false)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	assert.ErrorIs(t, f.svc.Close(f.ctx, g.ID), model.ErrInvalidState)
}

func TestCancel_RefundsEveryStake(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	f.fund(t, "bob", model.PMC, 400)
	g := f.game(t, model.GameBinary, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", nil)
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "bob", model.PMC, 150, "no", nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(f.ctx, g.ID))

	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(1000), a.PmpAvailable)
	assert.Equal(t, model.Amount(0), a.PmpLocked)
	b := f.account(t, "bob")
	assert.Equal(t, model.Amount(400), b.PmcAvailable)

	game, _ := f.svc.Game(f.ctx, g.ID)
	assert.Equal(t, model.GameCancelled, game.Status)
	stakes, _ := f.svc.Stakes(f.ctx, g.ID)
	for _, st := range stakes {
		assert.Equal(t, model.StakeRefunded, st.Status)
	}

	evs := f.rec.OfType(events.GameCancelled)
	require.Len(t, evs, 1)
	assert.Len(t, evs[0].Entries, 2)

	// A second cancel refunds nothing twice.
	require.NoError(t, f.svc.Cancel(f.ctx, g.ID))
	a = f.account(t, "alice")
	assert.Equal(t, model.Amount(1000), a.PmpAvailable)
	assert.Equal(t, model.Amount(1000), a.Total(model.PMP))

	_, err = f.svc.Settle(f.ctx, g.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestCancel_RejectsSettledGame(t *testing.T) {
	f := memFixture(t)
	g := f.game(t, model.GameBinary, false)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))
	_, err := f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Cancel(f.ctx, g.ID), model.ErrInvalidState)
}

func TestSettle_PrizeGameNeedsAllocation(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, true)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "yes", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))

	_, err = f.svc.Settle(f.ctx, g.ID)
	require.ErrorIs(t, err, model.ErrAllocationNotFound)

	game, _ := f.svc.Game(f.ctx, g.ID)
	assert.Equal(t, model.GameClosed, game.Status)
	assert.Equal(t, model.Amount(100), f.account(t, "alice").PmpLocked)
}

func TestSettle_PrizeSharedByAccuracy(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	f.fund(t, "bob", model.PMP, 1000)
	f.fund(t, "carol", model.PMP, 1000)
	g := f.game(t, model.GameConfidence, true)
	f.allocate(t, g.ID, 100)

	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "yes", conf(1.0))
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "bob", model.PMP, 100, "yes", conf(0.95))
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "carol", model.PMP, 100, "no", conf(0.9))
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))

	rep, err := f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)

	// 100*1/1.95 = 51, 100*0.95/1.95 = 48, remainder 1 to the most accurate.
	assert.Equal(t, model.Amount(52), f.account(t, "alice").PmcAvailable)
	assert.Equal(t, model.Amount(48), f.account(t, "bob").PmcAvailable)
	assert.Equal(t, model.Amount(0), f.account(t, "carol").PmcAvailable)

	var prizeTotal model.Amount
	for _, e := range rep.Prizes {
		prizeTotal += e.Amount
	}
	assert.Equal(t, model.Amount(100), prizeTotal)

	alloc, err := f.ms.GetAllocation(f.ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, alloc.Consumed)

	evs := f.rec.OfType(events.Wave1DistributionCompleted)
	require.Len(t, evs, 1)
	assert.Equal(t, model.Amount(100), evs[0].Total())
}

func TestSettle_PrizeRollsOverWithoutQualifiers(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameBinary, true)
	f.allocate(t, g.ID, 70)

	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "no", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))

	rep, err := f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(70), rep.Rollover)

	pending, err := f.ms.PendingRollovers(f.ctx, model.PMC, time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	var total model.Amount
	for _, r := range pending {
		total += r.Amount
	}
	assert.Equal(t, model.Amount(70), total)
	assert.Empty(t, f.rec.OfType(events.Wave1DistributionCompleted))
}

func TestCancel_RollsOverAllocation(t *testing.T) {
	f := memFixture(t)
	g := f.game(t, model.GameBinary, true)
	f.allocate(t, g.ID, 30)

	require.NoError(t, f.svc.Cancel(f.ctx, g.ID))

	pending, err := f.ms.PendingRollovers(f.ctx, model.PMC, time.Now().AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.Amount(30), pending[0].Amount)
}

// One transient failure inside the participant's unit is compensated and
// retried; the participant ends exactly as in Scenario A.
func TestSettle_RetriesTransientFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &faultStore{Store: ms}
	f := newFixture(t, fs, ms, settlement.Config{RetryAttempts: 3}, nil)
	f.fund(t, "alice", model.PMP, 1000)
	g := f.game(t, model.GameConfidence, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", conf(0.95))
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))

	// Fail the payout credit, the second step of the unit.
	fs.failOn.Store(fs.calls.Load() + 2)
	_, err = f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)

	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(1040), a.PmpAvailable)
	assert.Equal(t, model.Amount(0), a.PmpLocked)

	var compensations int
	txs, _ := f.l.Transactions(f.ctx, "alice")
	for _, tx := range txs {
		if tx.Reason == model.ReasonCompensation {
			compensations++
		}
	}
	assert.Equal(t, 1, compensations)
}

// When retries are exhausted the game stays in GRADING with balances
// untouched, and a later Settle finishes the job.
func TestSettle_ResumesAfterExhaustedRetries(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &faultStore{Store: ms}
	f := newFixture(t, fs, ms, settlement.Config{RetryAttempts: 1}, nil)
	f.fund(t, "alice", model.PMP, 1000)
	f.fund(t, "bob", model.PMP, 1000)
	g := f.game(t, model.GameBinary, false)
	_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 200, "yes", nil)
	require.NoError(t, err)
	_, err = f.svc.PlaceStake(f.ctx, g.ID, "bob", model.PMP, 200, "yes", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(f.ctx, g.ID))
	require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))

	// alice's unit is two steps; fail bob's first step.
	fs.failOn.Store(fs.calls.Load() + 3)
	rep, err := f.svc.Settle(f.ctx, g.ID)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, rep.Settled)

	game, _ := f.svc.Game(f.ctx, g.ID)
	assert.Equal(t, model.GameGrading, game.Status)
	b := f.account(t, "bob")
	assert.Equal(t, model.Amount(800), b.PmpAvailable)
	assert.Equal(t, model.Amount(200), b.PmpLocked)

	rep, err = f.svc.Settle(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Settled)
	assert.Equal(t, 1, rep.Skipped)

	for _, u := range []model.UserID{"alice", "bob"} {
		acct := f.account(t, u)
		assert.Equal(t, model.Amount(1040), acct.PmpAvailable, u)
		assert.Equal(t, model.Amount(0), acct.PmpLocked, u)
	}
	require.Len(t, f.rec.OfType(events.SettlementCompleted), 1)
}

func TestSettleClosed_IsolatesFailures(t *testing.T) {
	f := memFixture(t)
	f.fund(t, "alice", model.PMP, 1000)

	var ids []model.GameID
	for i := 0; i < 3; i++ {
		g := f.game(t, model.GameBinary, false)
		_, err := f.svc.PlaceStake(f.ctx, g.ID, "alice", model.PMP, 100, "yes", nil)
		require.NoError(t, err)
		require.NoError(t, f.svc.Close(f.ctx, g.ID))
		if i != 1 {
			require.NoError(t, f.svc.RecordOutcome(f.ctx, g.ID, "yes"))
		}
		ids = append(ids, g.ID)
	}

	reports, err := f.svc.SettleClosed(f.ctx, ids)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUngradableGame)
	assert.Contains(t, err.Error(), string(ids[1]))

	assert.NotNil(t, reports[0])
	assert.Nil(t, reports[1])
	assert.NotNil(t, reports[2])

	// 1000 - 300 staked + 2 * 120 paid.
	a := f.account(t, "alice")
	assert.Equal(t, model.Amount(940), a.PmpAvailable)
	assert.Equal(t, model.Amount(100), a.PmpLocked)
}
