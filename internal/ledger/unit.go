package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
)

// UnitOfWork stages several mutations that must all commit or none.
//
// Build one with Ledger.Begin, add steps, then Commit. A non-empty key makes
// the unit idempotent: once committed, a second unit with the same key fails
// with model.ErrDuplicateInvocation before touching any balance.
type UnitOfWork struct {
	l       *Ledger
	key     string
	kind    string
	payload []byte
	steps   []model.Mutation
	err     error
}

// Begin starts a unit of work identified by key. An empty key disables the
// idempotency check.
func (l *Ledger) Begin(key string) *UnitOfWork {
	return &UnitOfWork{l: l, key: key, kind: "unit"}
}

// WithPayload attaches a kind and report to the unit's commit record.
func (u *UnitOfWork) WithPayload(kind string, payload []byte) *UnitOfWork {
	u.kind = kind
	u.payload = payload
	return u
}

// Add stages a mutation. The first invalid mutation poisons the unit.
func (u *UnitOfWork) Add(m model.Mutation) *UnitOfWork {
	if u.err != nil {
		return u
	}
	if err := m.Validate(); err != nil {
		u.err = err
		return u
	}
	m.CommitKey = u.key
	u.steps = append(u.steps, m)
	return u
}

func (u *UnitOfWork) Credit(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) *UnitOfWork {
	return u.Add(mutation(model.MutationCredit, user, token, amount, reason, related))
}

func (u *UnitOfWork) Lock(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) *UnitOfWork {
	return u.Add(mutation(model.MutationLock, user, token, amount, reason, related))
}

func (u *UnitOfWork) UnlockAndDebit(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) *UnitOfWork {
	return u.Add(mutation(model.MutationConsumeLocked, user, token, amount, reason, related))
}

func (u *UnitOfWork) UnlockToAvailable(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) *UnitOfWork {
	return u.Add(mutation(model.MutationUnlock, user, token, amount, reason, related))
}

func (u *UnitOfWork) DebitAvailable(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string) *UnitOfWork {
	return u.Add(mutation(model.MutationDebitAvailable, user, token, amount, reason, related))
}

// DebitAvailableIfUnchanged is DebitAvailable that fails with
// model.ErrSnapshotConflict when the account changed after since.
func (u *UnitOfWork) DebitAvailableIfUnchanged(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string, since time.Time) *UnitOfWork {
	m := mutation(model.MutationDebitAvailable, user, token, amount, reason, related)
	m.NotModifiedAfter = &since
	return u.Add(m)
}

// CreditIfUnchanged is Credit that fails with model.ErrSnapshotConflict
// when the account changed after since.
func (u *UnitOfWork) CreditIfUnchanged(user model.UserID, token model.TokenType, amount model.Amount, reason model.Reason, related string, since time.Time) *UnitOfWork {
	m := mutation(model.MutationCredit, user, token, amount, reason, related)
	m.NotModifiedAfter = &since
	return u.Add(m)
}

// Len is the number of staged steps.
func (u *UnitOfWork) Len() int { return len(u.steps) }

// Key is the unit's idempotency key.
func (u *UnitOfWork) Key() string { return u.key }

// Commit applies every staged step. A unit with no steps still records its
// key. On failure no step remains applied.
func (u *UnitOfWork) Commit(ctx context.Context) ([]model.LedgerTransaction, error) {
	if u.err != nil {
		u.l.reject(u.err)
		return nil, u.err
	}

	users := make([]model.UserID, 0, len(u.steps))
	for _, m := range u.steps {
		users = append(users, m.UserID)
	}
	unlock := u.l.lockUsers(users)
	defer unlock()

	if u.key != "" {
		_, err := u.l.store.GetCommit(ctx, u.key)
		if err == nil {
			err = fmt.Errorf("%w: %s", model.ErrDuplicateInvocation, u.key)
			u.l.reject(err)
			return nil, err
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}

	var (
		txs []model.LedgerTransaction
		err error
	)
	if u.l.batch != nil {
		txs, err = u.l.batch.CommitBatch(ctx, u.record(), u.steps)
	} else {
		txs, err = u.commitStepwise(ctx)
	}
	if err != nil {
		u.l.reject(err)
		return nil, err
	}
	for _, m := range u.steps {
		metrics.LedgerMutations.WithLabelValues(string(m.Reason), string(m.Token)).Inc()
	}
	return txs, nil
}

func (u *UnitOfWork) record() model.CommitRecord {
	return model.CommitRecord{Key: u.key, Kind: u.kind, Payload: u.payload}
}

// commitStepwise applies steps one at a time and undoes the applied prefix
// in reverse order when a later step, or the commit record, fails.
func (u *UnitOfWork) commitStepwise(ctx context.Context) ([]model.LedgerTransaction, error) {
	txs := make([]model.LedgerTransaction, 0, len(u.steps))
	applied := make([]model.Mutation, 0, len(u.steps))

	for _, m := range u.steps {
		_, tx, err := u.l.store.AppendTransactionAndMutate(ctx, m)
		if err != nil {
			return nil, u.compensate(ctx, applied, err)
		}
		applied = append(applied, m)
		txs = append(txs, *tx)
	}

	if u.key != "" {
		if err := u.l.store.RecordCommit(ctx, u.record()); err != nil {
			return nil, u.compensate(ctx, applied, err)
		}
	}
	return txs, nil
}

func (u *UnitOfWork) compensate(ctx context.Context, applied []model.Mutation, cause error) error {
	// Compensation must run even if the caller's context is already done.
	cctx := context.WithoutCancel(ctx)

	var failed []error
	for i := len(applied) - 1; i >= 0; i-- {
		inv := applied[i].Inverse()
		inv.CommitKey = ""
		if _, _, err := u.l.store.AppendTransactionAndMutate(cctx, inv); err != nil {
			failed = append(failed, err)
			u.l.logger.Error("compensation failed",
				"key", u.key,
				"user_id", inv.UserID,
				"kind", inv.Kind,
				"amount", inv.Amount,
				"err", err,
			)
			continue
		}
		metrics.Compensations.Inc()
	}

	if len(applied) > 0 {
		u.l.logger.Warn("unit of work rolled back",
			"key", u.key,
			"applied", len(applied),
			"steps", len(u.steps),
			"err", cause,
		)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %d compensations failed after %v: %w",
			model.ErrBatchInvariantViolation, len(failed), cause, errors.Join(failed...))
	}
	return cause
}
