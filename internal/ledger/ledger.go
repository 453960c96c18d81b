// Package ledger owns every PMP/PMC balance change. Callers never touch
// account fields: each operation builds a model.Mutation that the store
// applies together with its transaction-log append.
//
// Mutations for the same user are serialized by a striped lock set held by
// the Ledger; the store serializes again at the row level.
package ledger

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
	"github.com/pmx/economy-engine/internal/store"
)

const lockStripes = 64

// Ledger applies balance mutations against a store.
type Ledger struct {
	store  store.Store
	batch  store.BatchCommitter
	logger *slog.Logger
	stripe [lockStripes]sync.Mutex
}

// New creates a Ledger. When st supports atomic batches, units of work are
// committed through it; otherwise they fall back to step-and-compensate.
func New(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{store: st, logger: logger}
	if b, ok := store.Batcher(st); ok {
		l.batch = b
	}
	return l
}

// OpenAccount creates an empty account for user.
func (l *Ledger) OpenAccount(ctx context.Context, user model.UserID) (*model.Account, error) {
	if user == "" {
		return nil, model.ErrInvalidInput
	}
	return l.store.CreateAccount(ctx, user)
}

// Account returns the current balances for user.
func (l *Ledger) Account(ctx context.Context, user model.UserID) (*model.Account, error) {
	return l.store.GetAccount(ctx, user)
}

// Transactions returns a user's transaction log, oldest first.
func (l *Ledger) Transactions(ctx context.Context, user model.UserID) ([]model.LedgerTransaction, error) {
	return l.store.GetTransactionsByUser(ctx, user)
}

// TransactionsFor returns every transaction tagged with a related entity.
func (l *Ledger) TransactionsFor(ctx context.Context, relatedID string) ([]model.LedgerTransaction, error) {
	return l.store.GetTransactionsByEntity(ctx, relatedID)
}

// Credit increases available and lifetime earned.
func (l *Ledger) Credit(ctx context.Context, user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) (*model.Account, error) {
	return l.apply(ctx, mutation(model.MutationCredit, user, token, amount, reason, related))
}

// Lock moves available funds into locked.
func (l *Ledger) Lock(ctx context.Context, user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) (*model.Account, error) {
	return l.apply(ctx, mutation(model.MutationLock, user, token, amount, reason, related))
}

// UnlockAndDebit removes locked funds permanently.
func (l *Ledger) UnlockAndDebit(ctx context.Context, user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) (*model.Account, error) {
	return l.apply(ctx, mutation(model.MutationConsumeLocked, user, token, amount, reason, related))
}

// UnlockToAvailable returns locked funds to available.
func (l *Ledger) UnlockToAvailable(ctx context.Context, user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) (*model.Account, error) {
	return l.apply(ctx, mutation(model.MutationUnlock, user, token, amount, reason, related))
}

// DebitAvailable spends available funds without a prior lock.
func (l *Ledger) DebitAvailable(ctx context.Context, user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) (*model.Account, error) {
	return l.apply(ctx, mutation(model.MutationDebitAvailable, user, token, amount, reason, related))
}

// Reverse books the compensating entry for a committed transaction. A
// transaction can be reversed once.
func (l *Ledger) Reverse(ctx context.Context, txID string) (*model.LedgerTransaction, error) {
	orig, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	txs, err := l.Begin("REVERSE-"+txID).
		WithPayload("reversal", nil).
		Add(orig.Mutation().Inverse()).
		Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func mutation(kind model.MutationKind, user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) model.Mutation {
	return model.Mutation{
		Kind:            kind,
		UserID:          user,
		Token:           token,
		Amount:          amount,
		Reason:          reason,
		RelatedEntityID: related,
	}
}

func (l *Ledger) apply(ctx context.Context, m model.Mutation) (*model.Account, error) {
	if err := m.Validate(); err != nil {
		l.reject(err)
		return nil, err
	}

	unlock := l.lockUsers([]model.UserID{m.UserID})
	defer unlock()

	acct, _, err := l.store.AppendTransactionAndMutate(ctx, m)
	if err != nil {
		l.reject(err)
		return nil, err
	}
	metrics.LedgerMutations.WithLabelValues(string(m.Reason), string(m.Token)).Inc()
	return acct, nil
}

// lockUsers acquires the stripes covering users in ascending order and
// returns the release func.
func (l *Ledger) lockUsers(users []model.UserID) func() {
	seen := make(map[int]bool, len(users))
	idx := make([]int, 0, len(users))
	for _, u := range users {
		i := stripeFor(u)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripe[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripe[idx[j]].Unlock()
		}
	}
}

func stripeFor(u model.UserID) int {
	h := fnv.New32a()
	h.Write([]byte(u))
	return int(h.Sum32() % lockStripes)
}

func (l *Ledger) reject(err error) {
	metrics.LedgerRejections.WithLabelValues(errorClass(err)).Inc()
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, model.ErrInsufficientAvailableBalance):
		return "insufficient_available"
	case errors.Is(err, model.ErrInsufficientLockedBalance):
		return "insufficient_locked"
	case errors.Is(err, model.ErrDuplicateInvocation):
		return "duplicate"
	case errors.Is(err, model.ErrSnapshotConflict):
		return "snapshot_conflict"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrRepositoryUnavailable):
		return "unavailable"
	}
	return "other"
}
