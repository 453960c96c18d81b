package model

import (
	"fmt"
	"time"
)

// Account is one user's PMP/PMC balance record. Callers never assign its
// balance fields; they build a Mutation and the repository applies it.
type Account struct {
	UserID            UserID    `json:"user_id" db:"user_id"`
	PmpAvailable      Amount    `json:"pmp_available" db:"pmp_available"`
	PmpLocked         Amount    `json:"pmp_locked" db:"pmp_locked"`
	PmpLifetimeEarned Amount    `json:"pmp_lifetime_earned" db:"pmp_lifetime_earned"`
	PmcAvailable      Amount    `json:"pmc_available" db:"pmc_available"`
	PmcLocked         Amount    `json:"pmc_locked" db:"pmc_locked"`
	PmcLifetimeEarned Amount    `json:"pmc_lifetime_earned" db:"pmc_lifetime_earned"`
	Version           int64     `json:"version" db:"version"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	LastUpdatedAt     time.Time `json:"last_updated_at" db:"last_updated_at"`
}

// NewAccount returns an empty account opened at now.
func NewAccount(userID UserID, now time.Time) Account {
	return Account{UserID: userID, CreatedAt: now, LastUpdatedAt: now}
}

// Available returns the spendable balance for token.
func (a Account) Available(token TokenType) Amount {
	if token == PMC {
		return a.PmcAvailable
	}
	return a.PmpAvailable
}

// Locked returns the balance held for token.
func (a Account) Locked(token TokenType) Amount {
	if token == PMC {
		return a.PmcLocked
	}
	return a.PmpLocked
}

// Total is available plus locked.
func (a Account) Total(token TokenType) Amount {
	return a.Available(token) + a.Locked(token)
}

// LifetimeEarned returns the cumulative credits for token.
func (a Account) LifetimeEarned(token TokenType) Amount {
	if token == PMC {
		return a.PmcLifetimeEarned
	}
	return a.PmpLifetimeEarned
}

// CheckInvariants verifies every balance is non-negative.
func (a Account) CheckInvariants() error {
	for _, v := range []Amount{
		a.PmpAvailable, a.PmpLocked, a.PmpLifetimeEarned,
		a.PmcAvailable, a.PmcLocked, a.PmcLifetimeEarned,
	} {
		if v < 0 {
			return fmt.Errorf("%w: account %s has a negative balance", ErrBatchInvariantViolation, a.UserID)
		}
	}
	return nil
}

func (a *Account) balances(token TokenType) (avail, locked, earned *Amount) {
	if token == PMC {
		return &a.PmcAvailable, &a.PmcLocked, &a.PmcLifetimeEarned
	}
	return &a.PmpAvailable, &a.PmpLocked, &a.PmpLifetimeEarned
}

// MutationKind is the balance movement a Mutation performs.
type MutationKind string

const (
	// MutationCredit adds to available and lifetime earned.
	MutationCredit MutationKind = "CREDIT"
	// MutationLock moves available into locked.
	MutationLock MutationKind = "LOCK"
	// MutationConsumeLocked removes from locked permanently.
	MutationConsumeLocked MutationKind = "CONSUME_LOCKED"
	// MutationUnlock moves locked back into available.
	MutationUnlock MutationKind = "UNLOCK"
	// MutationDebitAvailable removes from available permanently.
	MutationDebitAvailable MutationKind = "DEBIT_AVAILABLE"
	// MutationRevokeCredit undoes a credit: available and lifetime earned both shrink.
	MutationRevokeCredit MutationKind = "REVOKE_CREDIT"
	// MutationRestoreLocked undoes a consume: locked grows back.
	MutationRestoreLocked MutationKind = "RESTORE_LOCKED"
	// MutationRestoreAvailable undoes a debit: available grows back.
	MutationRestoreAvailable MutationKind = "RESTORE_AVAILABLE"
)

// Mutation is a single requested change to one account's balance for one token.
type Mutation struct {
	Kind            MutationKind `json:"kind"`
	UserID          UserID       `json:"user_id"`
	Token           TokenType    `json:"token"`
	Amount          Amount       `json:"amount"`
	Reason          Reason       `json:"reason"`
	RelatedEntityID string       `json:"related_entity_id,omitempty"`
	CommitKey       string       `json:"commit_key,omitempty"`

	// NotModifiedAfter, when set, rejects the mutation with ErrSnapshotConflict
	// if the account changed after that instant.
	NotModifiedAfter *time.Time `json:"not_modified_after,omitempty"`
}

// Validate checks the parts of a mutation that do not depend on balances.
func (m Mutation) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("%w: mutation without user", ErrInvalidInput)
	}
	if !m.Token.Valid() {
		return fmt.Errorf("%w: token %q", ErrInvalidInput, m.Token)
	}
	if m.Amount <= 0 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidAmount, m.Amount)
	}
	if _, err := ParseReason(string(m.Reason)); err != nil {
		return err
	}
	switch m.Kind {
	case MutationCredit, MutationLock, MutationConsumeLocked, MutationUnlock,
		MutationDebitAvailable, MutationRevokeCredit, MutationRestoreLocked,
		MutationRestoreAvailable:
		return nil
	}
	return fmt.Errorf("%w: mutation kind %q", ErrInvalidInput, m.Kind)
}

// Inverse returns the mutation that undoes m. The inverse is tagged
// COMPENSATION and keeps m's related entity.
func (m Mutation) Inverse() Mutation {
	inv := m
	inv.Reason = ReasonCompensation
	inv.NotModifiedAfter = nil
	switch m.Kind {
	case MutationCredit:
		inv.Kind = MutationRevokeCredit
	case MutationLock:
		inv.Kind = MutationUnlock
	case MutationConsumeLocked:
		inv.Kind = MutationRestoreLocked
	case MutationUnlock:
		inv.Kind = MutationLock
	case MutationDebitAvailable:
		inv.Kind = MutationRestoreAvailable
	case MutationRevokeCredit:
		inv.Kind = MutationCredit
	case MutationRestoreLocked:
		inv.Kind = MutationConsumeLocked
	case MutationRestoreAvailable:
		inv.Kind = MutationDebitAvailable
	}
	return inv
}

// Deltas returns the signed changes to available, locked and total.
func (m Mutation) Deltas() (available, locked, total int64) {
	a := int64(m.Amount)
	switch m.Kind {
	case MutationCredit, MutationRestoreAvailable:
		return a, 0, a
	case MutationLock:
		return -a, a, 0
	case MutationConsumeLocked:
		return 0, -a, -a
	case MutationUnlock:
		return a, -a, 0
	case MutationDebitAvailable, MutationRevokeCredit:
		return -a, 0, -a
	case MutationRestoreLocked:
		return 0, a, a
	}
	return 0, 0, 0
}

// Apply returns the account after m, stamped at now. The receiver is not
// modified. Balance shortfalls return the matching sufficiency error.
func (a Account) Apply(m Mutation, now time.Time) (Account, error) {
	if err := m.Validate(); err != nil {
		return a, err
	}
	if m.UserID != a.UserID {
		return a, fmt.Errorf("%w: mutation for %s applied to %s", ErrInvalidInput, m.UserID, a.UserID)
	}
	if m.NotModifiedAfter != nil && a.LastUpdatedAt.After(*m.NotModifiedAfter) {
		return a, fmt.Errorf("%w: %s", ErrSnapshotConflict, a.UserID)
	}

	next := a
	avail, locked, earned := next.balances(m.Token)
	amt := m.Amount

	switch m.Kind {
	case MutationCredit:
		*avail += amt
		*earned += amt
	case MutationLock:
		if *avail < amt {
			return a, fmt.Errorf("%w: %s has %d %s available, needs %d", ErrInsufficientAvailableBalance, a.UserID, *avail, m.Token, amt)
		}
		*avail -= amt
		*locked += amt
	case MutationConsumeLocked:
		if *locked < amt {
			return a, fmt.Errorf("%w: %s has %d %s locked, needs %d", ErrInsufficientLockedBalance, a.UserID, *locked, m.Token, amt)
		}
		*locked -= amt
	case MutationUnlock:
		if *locked < amt {
			return a, fmt.Errorf("%w: %s has %d %s locked, needs %d", ErrInsufficientLockedBalance, a.UserID, *locked, m.Token, amt)
		}
		*locked -= amt
		*avail += amt
	case MutationDebitAvailable:
		if *avail < amt {
			return a, fmt.Errorf("%w: %s has %d %s available, needs %d", ErrInsufficientAvailableBalance, a.UserID, *avail, m.Token, amt)
		}
		*avail -= amt
	case MutationRevokeCredit:
		if *avail < amt {
			return a, fmt.Errorf("%w: %s has %d %s available, needs %d", ErrInsufficientAvailableBalance, a.UserID, *avail, m.Token, amt)
		}
		*avail -= amt
		if *earned >= amt {
			*earned -= amt
		} else {
			*earned = 0
		}
	case MutationRestoreLocked:
		*locked += amt
	case MutationRestoreAvailable:
		*avail += amt
	}

	next.Version++
	next.LastUpdatedAt = now
	if err := next.CheckInvariants(); err != nil {
		return a, err
	}
	return next, nil
}

// LedgerTransaction is an immutable audit record of one applied Mutation.
// Delta is the signed change of the token's total balance.
type LedgerTransaction struct {
	ID              string       `json:"id" db:"id"`
	UserID          UserID       `json:"user_id" db:"user_id"`
	Token           TokenType    `json:"token" db:"token"`
	Kind            MutationKind `json:"kind" db:"kind"`
	Delta           int64        `json:"delta" db:"delta"`
	AvailableDelta  int64        `json:"available_delta" db:"available_delta"`
	LockedDelta     int64        `json:"locked_delta" db:"locked_delta"`
	Reason          Reason       `json:"reason" db:"reason"`
	RelatedEntityID string       `json:"related_entity_id" db:"related_entity_id"`
	CommitKey       string       `json:"commit_key,omitempty" db:"commit_key"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}

// NewTransaction builds the audit record for m.
func NewTransaction(id string, m Mutation, now time.Time) LedgerTransaction {
	av, lk, total := m.Deltas()
	return LedgerTransaction{
		ID:              id,
		UserID:          m.UserID,
		Token:           m.Token,
		Kind:            m.Kind,
		Delta:           total,
		AvailableDelta:  av,
		LockedDelta:     lk,
		Reason:          m.Reason,
		RelatedEntityID: m.RelatedEntityID,
		CommitKey:       m.CommitKey,
		CreatedAt:       now,
	}
}

// Mutation reconstructs the mutation that produced tx.
func (tx LedgerTransaction) Mutation() Mutation {
	amt := tx.Delta
	if amt == 0 {
		amt = tx.LockedDelta
	}
	if amt < 0 {
		amt = -amt
	}
	return Mutation{
		Kind:            tx.Kind,
		UserID:          tx.UserID,
		Token:           tx.Token,
		Amount:          Amount(amt),
		Reason:          tx.Reason,
		RelatedEntityID: tx.RelatedEntityID,
	}
}

// CommitRecord proves that the unit of work or invocation named Key
// committed. Payload carries the kind-specific report as JSON.
type CommitRecord struct {
	Key         string    `json:"key" db:"key"`
	Kind        string    `json:"kind" db:"kind"`
	Payload     []byte    `json:"payload,omitempty" db:"payload"`
	CommittedAt time.Time `json:"committed_at" db:"committed_at"`
}

// ActivityScore is a user's recent-activity weight for Wave 2.
type ActivityScore struct {
	UserID UserID `json:"user_id"`
	Score  int64  `json:"score"`
}
