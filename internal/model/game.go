package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResultCategory classifies a participant's outcome.
type ResultCategory string

const (
	ResultPending          ResultCategory = "PENDING"
	ResultCorrect          ResultCategory = "CORRECT"
	ResultPartiallyCorrect ResultCategory = "PARTIALLY_CORRECT"
	ResultIncorrect        ResultCategory = "INCORRECT"
)

// Qualifies reports whether the category shares in prize pools.
func (c ResultCategory) Qualifies() bool {
	return c == ResultCorrect || c == ResultPartiallyCorrect
}

// Grade is the letter grade derived from an accuracy score.
type Grade string

const (
	GradeS Grade = "S"
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// PredictionResult is one participant's graded outcome in one game.
// Values are immutable; regrading builds a new one.
type PredictionResult struct {
	AccuracyScore    float64         `json:"accuracy_score"`
	Category         ResultCategory  `json:"category"`
	Grade            Grade           `json:"grade"`
	RewardMultiplier decimal.Decimal `json:"reward_multiplier"`
}

// GameKind selects how answers are scored against the outcome.
type GameKind string

const (
	// GameBinary scores an exact answer match as 1, anything else as 0.
	GameBinary GameKind = "BINARY"
	// GameConfidence scores confidence when right and 1-confidence when wrong.
	GameConfidence GameKind = "CONFIDENCE"
	// GameNumeric scores closeness of a numeric answer within a tolerance.
	GameNumeric GameKind = "NUMERIC"
)

// GameStatus is the settlement state of a game.
type GameStatus string

const (
	GameOpen      GameStatus = "OPEN"
	GameClosed    GameStatus = "CLOSED"
	GameGrading   GameStatus = "GRADING"
	GameSettled   GameStatus = "SETTLED"
	GameCancelled GameStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s GameStatus) Terminal() bool {
	return s == GameSettled || s == GameCancelled
}

// CanTransition lists the allowed settlement state moves.
func (s GameStatus) CanTransition(to GameStatus) bool {
	switch s {
	case GameOpen:
		return to == GameClosed || to == GameCancelled
	case GameClosed:
		return to == GameGrading || to == GameCancelled
	case GameGrading:
		return to == GameSettled
	}
	return false
}

// PrizeState tracks a game's Wave 1 allocation.
type PrizeState string

const (
	PrizeNone      PrizeState = "NONE"
	PrizeAllocated PrizeState = "ALLOCATED"
	PrizeConsumed  PrizeState = "CONSUMED"
)

// Game is a prediction game participants stake on.
type Game struct {
	ID                    GameID          `json:"id" db:"id"`
	Title                 string          `json:"title" db:"title"`
	Kind                  GameKind        `json:"kind" db:"kind"`
	Status                GameStatus      `json:"status" db:"status"`
	Outcome               string          `json:"outcome,omitempty" db:"outcome"`
	Tolerance             decimal.Decimal `json:"tolerance" db:"tolerance"`
	Importance            decimal.Decimal `json:"importance" db:"importance"`
	DifficultyMultiplier  decimal.Decimal `json:"difficulty_multiplier" db:"difficulty_multiplier"`
	EstimatedParticipants int             `json:"estimated_participants" db:"estimated_participants"`
	PrizeEligible         bool            `json:"prize_eligible" db:"prize_eligible"`
	PrizeState            PrizeState      `json:"prize_state" db:"prize_state"`
	SponsorRequestID      RequestID       `json:"sponsor_request_id,omitempty" db:"sponsor_request_id"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	ClosedAt              *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	SettledAt             *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Summary projects the fields Wave 1 needs.
func (g Game) Summary() GameSummary {
	return GameSummary{
		ID:                    g.ID,
		Status:                g.Status,
		Importance:            g.Importance,
		DifficultyMultiplier:  g.DifficultyMultiplier,
		EstimatedParticipants: g.EstimatedParticipants,
		CreatedAt:             g.CreatedAt,
	}
}

// GameSummary is the projection returned by ListActiveGames.
type GameSummary struct {
	ID                    GameID          `json:"id"`
	Status                GameStatus      `json:"status"`
	Importance            decimal.Decimal `json:"importance"`
	DifficultyMultiplier  decimal.Decimal `json:"difficulty_multiplier"`
	EstimatedParticipants int             `json:"estimated_participants"`
	CreatedAt             time.Time       `json:"created_at"`
}

// StakeStatus tracks a participant's locked funds.
type StakeStatus string

const (
	StakeLocked   StakeStatus = "LOCKED"
	StakeSettled  StakeStatus = "SETTLED"
	StakeRefunded StakeStatus = "REFUNDED"
)

// Stake is one participant's entry in a game.
type Stake struct {
	GameID     GameID            `json:"game_id" db:"game_id"`
	UserID     UserID            `json:"user_id" db:"user_id"`
	Token      TokenType         `json:"token" db:"token"`
	Amount     Amount            `json:"amount" db:"amount"`
	Answer     string            `json:"answer" db:"answer"`
	Confidence *float64          `json:"confidence,omitempty" db:"confidence"`
	Status     StakeStatus       `json:"status" db:"status"`
	Result     *PredictionResult `json:"result,omitempty" db:"result"`
	Payout     Amount            `json:"payout" db:"payout"`
	Prize      Amount            `json:"prize" db:"prize"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}
