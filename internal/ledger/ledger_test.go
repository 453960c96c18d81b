package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmx/economy-engine/internal/ledger"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/store"
)

// faultStore hides the memory store's batch support and fails the
// AppendTransactionAndMutate call numbered failOn (1-based).
type faultStore struct {
	store.Store
	calls  atomic.Int64
	failOn int64
}

var errInjected = errors.New("injected failure")

func (f *faultStore) AppendTransactionAndMutate(ctx context.Context, m model.Mutation) (*model.Account, *model.LedgerTransaction, error) {
	if f.calls.Add(1) == f.failOn {
		return nil, nil, errInjected
	}
	return f.Store.AppendTransactionAndMutate(ctx, m)
}

func newLedger(t *testing.T, users ...model.UserID) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, nil)
	for _, u := range users {
		_, err := l.OpenAccount(context.Background(), u)
		require.NoError(t, err)
	}
	return l, ms
}

// assertConsistent checks that the transaction log replays to the account's
// balances for both tokens.
func assertConsistent(t *testing.T, l *ledger.Ledger, user model.UserID) {
	t.Helper()
	ctx := context.Background()
	acct, err := l.Account(ctx, user)
	require.NoError(t, err)
	require.NoError(t, acct.CheckInvariants())

	txs, err := l.Transactions(ctx, user)
	require.NoError(t, err)
	for _, token := range []model.TokenType{model.PMP, model.PMC} {
		var avail, locked, total int64
		for _, tx := range txs {
			if tx.Token != token {
				continue
			}
			avail += tx.AvailableDelta
			locked += tx.LockedDelta
			total += tx.Delta
		}
		assert.Equal(t, int64(acct.Available(token)), avail, "%s available", token)
		assert.Equal(t, int64(acct.Locked(token)), locked, "%s locked", token)
		assert.Equal(t, int64(acct.Total(token)), total, "%s total", token)
	}
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice")

	acct, err := l.Credit(ctx, "alice", model.PMP, 1000, model.ReasonActivityReward, "signup")
	require.NoError(t, err)
	assert.Equal(t, model.Amount(1000), acct.PmpAvailable)
	assert.Equal(t, model.Amount(1000), acct.PmpLifetimeEarned)
	assert.Equal(t, model.Amount(0), acct.PmcAvailable)

	txs, err := l.Transactions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(1000), txs[0].Delta)
	assert.Equal(t, "signup", txs[0].RelatedEntityID)
}

func TestZeroAmountRejectedBeforeStore(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice")

	ops := map[string]func() (*model.Account, error){
		"credit": func() (*model.Account, error) {
			return l.Credit(ctx, "alice", model.PMC, 0, model.ReasonActivityReward, "")
		},
		"lock": func() (*model.Account, error) {
			return l.Lock(ctx, "alice", model.PMC, 0, model.ReasonStake, "")
		},
		"unlock_and_debit": func() (*model.Account, error) {
			return l.UnlockAndDebit(ctx, "alice", model.PMC, 0, model.ReasonStake, "")
		},
		"unlock_to_available": func() (*model.Account, error) {
			return l.UnlockToAvailable(ctx, "alice", model.PMC, 0, model.ReasonStakeRefund, "")
		},
		"debit_available": func() (*model.Account, error) {
			return l.DebitAvailable(ctx, "alice", model.PMC, -5, model.ReasonDonationSpend, "")
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			_, err := op()
			assert.ErrorIs(t, err, model.ErrInvalidAmount)
		})
	}

	txs, _ := l.Transactions(ctx, "alice")
	assert.Empty(t, txs)
}

func TestLockAndSettle(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice")
	_, err := l.Credit(ctx, "alice", model.PMC, 500, model.ReasonActivityReward, "")
	require.NoError(t, err)

	acct, err := l.Lock(ctx, "alice", model.PMC, 200, model.ReasonStake, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.Amount(300), acct.PmcAvailable)
	assert.Equal(t, model.Amount(200), acct.PmcLocked)
	assert.Equal(t, model.Amount(500), acct.Total(model.PMC))

	_, err = l.Lock(ctx, "alice", model.PMC, 301, model.ReasonStake, "g2")
	assert.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)

	_, err = l.UnlockAndDebit(ctx, "alice", model.PMC, 201, model.ReasonStake, "g1")
	assert.ErrorIs(t, err, model.ErrInsufficientLockedBalance)

	acct, err = l.UnlockAndDebit(ctx, "alice", model.PMC, 150, model.ReasonStake, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.Amount(50), acct.PmcLocked)

	acct, err = l.UnlockToAvailable(ctx, "alice", model.PMC, 50, model.ReasonStakeRefund, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.Amount(350), acct.PmcAvailable)
	assert.Equal(t, model.Amount(0), acct.PmcLocked)
	assert.Equal(t, model.Amount(500), acct.PmcLifetimeEarned)

	assertConsistent(t, l, "alice")
}

func TestDebitAvailable(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice")
	l.Credit(ctx, "alice", model.PMC, 100, model.ReasonActivityReward, "")

	_, err := l.DebitAvailable(ctx, "alice", model.PMC, 101, model.ReasonDonationSpend, "d1")
	assert.ErrorIs(t, err, model.ErrInsufficientAvailableBalance)

	acct, err := l.DebitAvailable(ctx, "alice", model.PMC, 40, model.ReasonDonationSpend, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.Amount(60), acct.PmcAvailable)
	assertConsistent(t, l, "alice")
}

func TestUnknownAccount(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Credit(context.Background(), "ghost", model.PMC, 1, model.ReasonActivityReward, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// Random operation sequences never break non-negativity and always replay.
func TestInvariant_RandomSequences(t *testing.T) {
	ctx := context.Background()
	users := []model.UserID{"u1", "u2", "u3"}
	l, _ := newLedger(t, users...)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		u := users[rng.Intn(len(users))]
		token := model.PMP
		if rng.Intn(2) == 0 {
			token = model.PMC
		}
		amt := model.Amount(rng.Intn(200))
		switch rng.Intn(5) {
		case 0:
			l.Credit(ctx, u, token, amt, model.ReasonActivityReward, "")
		case 1:
			l.Lock(ctx, u, token, amt, model.ReasonStake, "")
		case 2:
			l.UnlockAndDebit(ctx, u, token, amt, model.ReasonStake, "")
		case 3:
			l.UnlockToAvailable(ctx, u, token, amt, model.ReasonStakeRefund, "")
		case 4:
			l.DebitAvailable(ctx, u, token, amt, model.ReasonInvestmentSpend, "")
		}
	}
	for _, u := range users {
		assertConsistent(t, l, u)
	}
}

func TestConcurrentLocks(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice")
	l.Credit(ctx, "alice", model.PMC, 1000, model.ReasonActivityReward, "")

	var wg sync.WaitGroup
	var ok atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Lock(ctx, "alice", model.PMC, 30, model.ReasonStake, ""); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	// 1000 / 30 = 33 locks fit.
	assert.Equal(t, int64(33), ok.Load())
	acct, _ := l.Account(ctx, "alice")
	assert.Equal(t, model.Amount(10), acct.PmcAvailable)
	assert.Equal(t, model.Amount(990), acct.PmcLocked)
	assertConsistent(t, l, "alice")
}

func TestUnitOfWork_BatchCommit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice", "bob")
	l.Credit(ctx, "alice", model.PMC, 100, model.ReasonActivityReward, "")
	l.Lock(ctx, "alice", model.PMC, 100, model.ReasonStake, "g1")

	txs, err := l.Begin("settle-g1-alice").
		UnlockAndDebit("alice", model.PMC, 100, model.ReasonStake, "g1").
		Credit("alice", model.PMC, 120, model.ReasonSettlementPayout, "g1").
		Commit(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "settle-g1-alice", txs[0].CommitKey)

	acct, _ := l.Account(ctx, "alice")
	assert.Equal(t, model.Amount(120), acct.PmcAvailable)

	_, err = l.Begin("settle-g1-alice").
		UnlockAndDebit("alice", model.PMC, 100, model.ReasonStake, "g1").
		Commit(ctx)
	assert.ErrorIs(t, err, model.ErrDuplicateInvocation)
	assertConsistent(t, l, "alice")
}

func TestUnitOfWork_InvalidStepPoisons(t *testing.T) {
	ctx := context.Background()
	l, ms := newLedger(t, "alice")

	_, err := l.Begin("k").
		Credit("alice", model.PMC, 10, model.ReasonActivityReward, "").
		Credit("alice", model.PMC, 0, model.ReasonActivityReward, "").
		Commit(ctx)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	acct, _ := ms.GetAccount(ctx, "alice")
	assert.Equal(t, model.Amount(0), acct.PmcAvailable)
	_, err = ms.GetCommit(ctx, "k")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUnitOfWork_EmptyRecordsKey(t *testing.T) {
	ctx := context.Background()
	l, ms := newLedger(t)

	_, err := l.Begin("WAVE2-20260301").Commit(ctx)
	require.NoError(t, err)
	_, err = ms.GetCommit(ctx, "WAVE2-20260301")
	require.NoError(t, err)

	_, err = l.Begin("WAVE2-20260301").Commit(ctx)
	assert.ErrorIs(t, err, model.ErrDuplicateInvocation)
}

func TestUnitOfWork_SnapshotGuard(t *testing.T) {
	ctx := context.Background()
	snapshot := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := snapshot
	l, ms := newLedger(t, "alice", "bob")
	ms.SetClock(func() time.Time { return now })
	l.Credit(ctx, "alice", model.PMC, 100, model.ReasonActivityReward, "")

	now = snapshot.Add(time.Second)
	l.Credit(ctx, "alice", model.PMC, 5, model.ReasonActivityReward, "")

	_, err := l.Begin("WAVE2-20260301").
		DebitAvailableIfUnchanged("alice", model.PMC, 10, model.ReasonWave2Redistribution, "b1", snapshot).
		Credit("bob", model.PMC, 10, model.ReasonWave2Redistribution, "b1").
		Commit(ctx)
	require.ErrorIs(t, err, model.ErrSnapshotConflict)

	alice, _ := l.Account(ctx, "alice")
	bob, _ := l.Account(ctx, "bob")
	assert.Equal(t, model.Amount(105), alice.PmcAvailable)
	assert.Equal(t, model.Amount(0), bob.PmcAvailable)
	_, err = ms.GetCommit(ctx, "WAVE2-20260301")
	assert.ErrorIs(t, err, model.ErrNotFound, "a rejected unit records no key")

	_, err = l.Begin("WAVE2-20260301").
		DebitAvailableIfUnchanged("alice", model.PMC, 10, model.ReasonWave2Redistribution, "b1", now).
		Credit("bob", model.PMC, 10, model.ReasonWave2Redistribution, "b1").
		Commit(ctx)
	require.NoError(t, err)
	assertConsistent(t, l, "alice")
	assertConsistent(t, l, "bob")
}

// Without batch support a failure after the first step is compensated, so
// the account ends exactly where it started.
func TestUnitOfWork_StepwiseCompensation(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.CreateAccount(ctx, "alice")
	ms.CreateAccount(ctx, "bob")
	ms.AppendTransactionAndMutate(ctx, model.Mutation{Kind: model.MutationCredit, UserID: "alice", Token: model.PMC, Amount: 1000, Reason: model.ReasonActivityReward})
	ms.AppendTransactionAndMutate(ctx, model.Mutation{Kind: model.MutationLock, UserID: "alice", Token: model.PMC, Amount: 200, Reason: model.ReasonStake})

	fs := &faultStore{Store: ms, failOn: 2}
	l := ledger.New(fs, nil)
	before, _ := ms.GetAccount(ctx, "alice")

	_, err := l.Begin("settle-g1-alice").
		UnlockAndDebit("alice", model.PMC, 200, model.ReasonStake, "g1").
		Credit("alice", model.PMC, 240, model.ReasonSettlementPayout, "g1").
		Commit(ctx)
	require.ErrorIs(t, err, errInjected)

	after, _ := ms.GetAccount(ctx, "alice")
	assert.Equal(t, before.PmcAvailable, after.PmcAvailable)
	assert.Equal(t, before.PmcLocked, after.PmcLocked)
	assert.Equal(t, before.PmcLifetimeEarned, after.PmcLifetimeEarned)

	txs, _ := ms.GetTransactionsByUser(ctx, "alice")
	last := txs[len(txs)-1]
	assert.Equal(t, model.ReasonCompensation, last.Reason)
	assert.Equal(t, model.MutationRestoreLocked, last.Kind)

	_, err = ms.GetCommit(ctx, "settle-g1-alice")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// The retry goes through once the fault clears.
	fs.failOn = 0
	_, err = l.Begin("settle-g1-alice").
		UnlockAndDebit("alice", model.PMC, 200, model.ReasonStake, "g1").
		Credit("alice", model.PMC, 240, model.ReasonSettlementPayout, "g1").
		Commit(ctx)
	require.NoError(t, err)
	final, _ := ms.GetAccount(ctx, "alice")
	assert.Equal(t, model.Amount(1040), final.PmcAvailable)
	assert.Equal(t, model.Amount(0), final.PmcLocked)
	assertConsistent(t, l, "alice")
}

func TestUnitOfWork_StepwiseMultiUser(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, u := range []model.UserID{"idle", "active1", "active2"} {
		ms.CreateAccount(ctx, u)
	}
	ms.AppendTransactionAndMutate(ctx, model.Mutation{Kind: model.MutationCredit, UserID: "idle", Token: model.PMC, Amount: 500, Reason: model.ReasonActivityReward})

	fs := &faultStore{Store: ms, failOn: 3}
	l := ledger.New(fs, nil)

	_, err := l.Begin("WAVE2-20260301").
		DebitAvailable("idle", model.PMC, 50, model.ReasonWave2Redistribution, "b1").
		Credit("active1", model.PMC, 25, model.ReasonWave2Redistribution, "b1").
		Credit("active2", model.PMC, 25, model.ReasonWave2Redistribution, "b1").
		Commit(ctx)
	require.ErrorIs(t, err, errInjected)

	idle, _ := ms.GetAccount(ctx, "idle")
	a1, _ := ms.GetAccount(ctx, "active1")
	a2, _ := ms.GetAccount(ctx, "active2")
	assert.Equal(t, model.Amount(500), idle.PmcAvailable)
	assert.Equal(t, model.Amount(0), a1.PmcAvailable)
	assert.Equal(t, model.Amount(0), a1.PmcLifetimeEarned)
	assert.Equal(t, model.Amount(0), a2.PmcAvailable)
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, "alice")
	l.Credit(ctx, "alice", model.PMC, 100, model.ReasonActivityReward, "")
	l.DebitAvailable(ctx, "alice", model.PMC, 30, model.ReasonDonationSpend, "d1")

	txs, _ := l.Transactions(ctx, "alice")
	debit := txs[1]

	rev, err := l.Reverse(ctx, debit.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonCompensation, rev.Reason)
	assert.Equal(t, int64(30), rev.Delta)
	assert.Equal(t, "d1", rev.RelatedEntityID)

	acct, _ := l.Account(ctx, "alice")
	assert.Equal(t, model.Amount(100), acct.PmcAvailable)

	_, err = l.Reverse(ctx, debit.ID)
	assert.ErrorIs(t, err, model.ErrDuplicateInvocation)
	assertConsistent(t, l, "alice")
}
