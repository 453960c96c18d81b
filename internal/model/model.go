// Package model defines the core domain types shared across the economy engine.
// Balances are whole numbers of the smallest token unit. Ratios, percentages and
// weights use shopspring/decimal and are floored back into Amount.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies an account holder.
type UserID string

// GameID identifies a prediction game.
type GameID string

// RequestID identifies a sponsor's custom incentive request.
type RequestID string

// NewUserID validates and returns a UserID.
func NewUserID(s string) (UserID, error) {
	id, err := checkID("user", s)
	return UserID(id), err
}

// NewGameID validates and returns a GameID.
func NewGameID(s string) (GameID, error) {
	id, err := checkID("game", s)
	return GameID(id), err
}

// NewRequestID validates and returns a RequestID.
func NewRequestID(s string) (RequestID, error) {
	id, err := checkID("request", s)
	return RequestID(id), err
}

// IDSeparator joins ids inside invocation keys, so no id may contain it.
const IDSeparator = "/"

func checkID(kind, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: %s id is required", ErrInvalidInput, kind)
	}
	if strings.Contains(s, IDSeparator) {
		return "", fmt.Errorf("%w: %s id %q must not contain %q", ErrInvalidInput, kind, s, IDSeparator)
	}
	return s, nil
}

// TokenType is one of the two economy units.
type TokenType string

const (
	// PMP is the risk-free participation unit.
	PMP TokenType = "PMP"
	// PMC is the risk-bearing unit earned from winnings.
	PMC TokenType = "PMC"
)

// ParseTokenType accepts "PMP" or "PMC" (case-insensitive).
func ParseTokenType(s string) (TokenType, error) {
	switch TokenType(strings.ToUpper(strings.TrimSpace(s))) {
	case PMP:
		return PMP, nil
	case PMC:
		return PMC, nil
	}
	return "", fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, s)
}

// Valid reports whether t is PMP or PMC.
func (t TokenType) Valid() bool {
	return t == PMP || t == PMC
}

// Amount is a non-negative count of smallest token units.
type Amount int64

// NewAmount rejects negative values.
func NewAmount(units int64) (Amount, error) {
	if units < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidAmount, units)
	}
	return Amount(units), nil
}

// NewPositiveAmount rejects zero and negative values. Every ledger mutation
// requires a positive amount.
func NewPositiveAmount(units int64) (Amount, error) {
	if units <= 0 {
		return 0, fmt.Errorf("%w: %d must be positive", ErrInvalidAmount, units)
	}
	return Amount(units), nil
}

// Int64 returns the raw unit count.
func (a Amount) Int64() int64 { return int64(a) }

// Decimal returns the amount as a decimal for ratio math.
func (a Amount) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(a)) }

// FloorAmount converts a non-negative decimal back into whole units.
// Negative inputs clamp to zero.
func FloorAmount(v decimal.Decimal) Amount {
	if v.IsNegative() {
		return 0
	}
	return Amount(v.Floor().IntPart())
}

// PmpAmount is an Amount that can only be PMP.
type PmpAmount struct{ units Amount }

// PmcAmount is an Amount that can only be PMC.
type PmcAmount struct{ units Amount }

// NewPmpAmount validates a PMP quantity.
func NewPmpAmount(units int64) (PmpAmount, error) {
	a, err := NewAmount(units)
	if err != nil {
		return PmpAmount{}, err
	}
	return PmpAmount{units: a}, nil
}

// NewPmcAmount validates a PMC quantity.
func NewPmcAmount(units int64) (PmcAmount, error) {
	a, err := NewAmount(units)
	if err != nil {
		return PmcAmount{}, err
	}
	return PmcAmount{units: a}, nil
}

func (p PmpAmount) Token() TokenType { return PMP }
func (p PmpAmount) Units() Amount    { return p.units }
func (p PmcAmount) Token() TokenType { return PMC }
func (p PmcAmount) Units() Amount    { return p.units }

// TokenAmount is satisfied by PmpAmount and PmcAmount.
type TokenAmount interface {
	Token() TokenType
	Units() Amount
}

// Entry is one user's share of an event or batch.
type Entry struct {
	UserID UserID    `json:"user_id"`
	Token  TokenType `json:"token"`
	Amount Amount    `json:"amount"`
}

// DayKey truncates t to its UTC calendar day.
func DayKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
