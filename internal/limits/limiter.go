// Package limits implements stake limits that account for a user's open
// exposure across every game still holding their funds.
//
// A user spreading stakes over many open games carries correlated risk: all
// of it is locked until those games settle. The limiter caps both a single
// stake and the aggregate locked per token.
package limits

import (
	"errors"

	"github.com/pmx/economy-engine/internal/model"
)

var (
	// ErrPerGameLimitExceeded is returned when a single stake is larger than
	// the per-game maximum.
	ErrPerGameLimitExceeded = errors.New("limits: per-game stake limit exceeded")

	// ErrOpenExposureExceeded is returned when a stake would push the user's
	// locked stakes for the token beyond the open-exposure maximum.
	ErrOpenExposureExceeded = errors.New("limits: open exposure limit exceeded")

	// ErrOpenGamesExceeded is returned when the user already holds stakes in
	// the maximum number of unsettled games.
	ErrOpenGamesExceeded = errors.New("limits: open game count exceeded")
)

// StakeLimiter enforces per-game and aggregate stake limits. A zero limit
// disables that check.
type StakeLimiter struct {
	// MaxPerGame is the largest single stake.
	MaxPerGame model.Amount

	// MaxOpenExposure caps the sum of a user's locked stakes in one token.
	MaxOpenExposure model.Amount

	// MaxOpenGames caps how many unsettled games a user can be staked in.
	MaxOpenGames int
}

// NewStakeLimiter creates a limiter with the given limits.
func NewStakeLimiter(maxPerGame, maxOpenExposure model.Amount, maxOpenGames int) *StakeLimiter {
	if maxOpenGames < 0 {
		maxOpenGames = 0
	}
	return &StakeLimiter{
		MaxPerGame:      maxPerGame,
		MaxOpenExposure: maxOpenExposure,
		MaxOpenGames:    maxOpenGames,
	}
}

// CheckLimit validates whether a new stake respects the limits.
//
// Parameters:
//   - token: the token being staked
//   - amount: the new stake
//   - open: the user's stakes that are still LOCKED
//
// Returns nil if the stake is within limits, or the violated limit's error.
func (l *StakeLimiter) CheckLimit(token model.TokenType, amount model.Amount, open []model.Stake) error {
	if l == nil {
		return nil
	}

	// 1. Per-game limit.
	if l.MaxPerGame > 0 && amount > l.MaxPerGame {
		return ErrPerGameLimitExceeded
	}

	// 2. Open game count, any token.
	if l.MaxOpenGames > 0 && len(open) >= l.MaxOpenGames {
		return ErrOpenGamesExceeded
	}

	// 3. Aggregate exposure in the same token.
	if l.MaxOpenExposure > 0 {
		total := amount
		for _, st := range open {
			if st.Token == token && st.Status == model.StakeLocked {
				total += st.Amount
			}
		}
		if total > l.MaxOpenExposure {
			return ErrOpenExposureExceeded
		}
	}

	return nil
}

// Label names a limit error for metrics.
func Label(err error) string {
	switch {
	case errors.Is(err, ErrPerGameLimitExceeded):
		return "per_game"
	case errors.Is(err, ErrOpenExposureExceeded):
		return "open_exposure"
	case errors.Is(err, ErrOpenGamesExceeded):
		return "open_games"
	}
	return "unknown"
}
