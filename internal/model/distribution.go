package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// GamePrizeAllocation is one game's share of a Wave 1 daily pool.
type GamePrizeAllocation struct {
	GameID                GameID          `json:"game_id" db:"game_id"`
	PoolDate              time.Time       `json:"pool_date" db:"pool_date"`
	Token                 TokenType       `json:"token" db:"token"`
	AllocatedAmount       Amount          `json:"allocated_amount" db:"allocated_amount"`
	GameImportance        decimal.Decimal `json:"game_importance" db:"game_importance"`
	DifficultyMultiplier  decimal.Decimal `json:"difficulty_multiplier" db:"difficulty_multiplier"`
	EstimatedParticipants int             `json:"estimated_participants" db:"estimated_participants"`
	Consumed              bool            `json:"consumed" db:"consumed"`
}

// DailyPrizePool records how a Wave 1 pool was formed.
type DailyPrizePool struct {
	Date                 time.Time       `json:"date"`
	Token                TokenType       `json:"token"`
	EbitAmount           Amount          `json:"ebit_amount"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	RolloverIn           Amount          `json:"rollover_in"`
	PoolAmount           Amount          `json:"pool_amount"`
	AllocatedAmount      Amount          `json:"allocated_amount"`
}

// Wave1Commit is everything RunWave1 persists in one repository call.
type Wave1Commit struct {
	Key         string                `json:"key"`
	Pool        DailyPrizePool        `json:"pool"`
	Allocations []GamePrizeAllocation `json:"allocations"`
	// RolloverOut is carried to the next day's pool when nothing was allocated.
	RolloverOut Amount    `json:"rollover_out"`
	CommittedAt time.Time `json:"committed_at"`
}

// Rollover carries undistributed prize units into a later day's pool.
type Rollover struct {
	Key    string    `json:"key" db:"key"`
	Date   time.Time `json:"date" db:"date"`
	Token  TokenType `json:"token" db:"token"`
	Amount Amount    `json:"amount" db:"amount"`
}

// SourceShare is what Wave 2 collected from one idle account.
type SourceShare struct {
	UserID          UserID `json:"user_id"`
	CollectedAmount Amount `json:"collected_amount"`
}

// TargetShare is what Wave 2 distributed to one active account.
type TargetShare struct {
	UserID            UserID `json:"user_id"`
	DistributedAmount Amount `json:"distributed_amount"`
	ActivityScore     int64  `json:"activity_score"`
}

// RedistributionBatch is a closed Wave 2 batch: collected equals distributed.
type RedistributionBatch struct {
	BatchID            string        `json:"batch_id"`
	Key                string        `json:"key"`
	DetectionDate      time.Time     `json:"detection_date"`
	SnapshotAt         time.Time     `json:"snapshot_at"`
	SourceUsers        []SourceShare `json:"source_users"`
	TargetUsers        []TargetShare `json:"target_users"`
	TotalRedistributed Amount        `json:"total_redistributed"`
}

// Collected sums the source shares.
func (b RedistributionBatch) Collected() Amount {
	var sum Amount
	for _, s := range b.SourceUsers {
		sum += s.CollectedAmount
	}
	return sum
}

// Distributed sums the target shares.
func (b RedistributionBatch) Distributed() Amount {
	var sum Amount
	for _, t := range b.TargetUsers {
		sum += t.DistributedAmount
	}
	return sum
}

// Balanced reports whether the batch neither creates nor destroys value.
func (b RedistributionBatch) Balanced() bool {
	c := b.Collected()
	return c == b.Distributed() && c == b.TotalRedistributed
}

// IncentiveState is the lifecycle of a sponsor's custom incentive request.
type IncentiveState string

const (
	IncentiveRequested   IncentiveState = "REQUESTED"
	IncentiveGameCreated IncentiveState = "GAME_CREATED"
	IncentiveDistributed IncentiveState = "DISTRIBUTED"
	IncentiveExpired     IncentiveState = "EXPIRED"
)

// Terminal reports whether the request is finished.
func (s IncentiveState) Terminal() bool {
	return s == IncentiveDistributed || s == IncentiveExpired
}

// IncentiveParticipant is a user who signed up for a sponsored game.
type IncentiveParticipant struct {
	UserID             UserID          `json:"user_id"`
	ContributionWeight decimal.Decimal `json:"contribution_weight"`
	JoinedAt           time.Time       `json:"joined_at"`
}

// CustomIncentiveRequest is a sponsor-funded custom prediction game request.
type CustomIncentiveRequest struct {
	ID                  RequestID              `json:"id"`
	SponsorID           UserID                 `json:"sponsor_id"`
	Title               string                 `json:"title"`
	Token               TokenType              `json:"token"`
	IncentivePool       Amount                 `json:"incentive_pool"`
	MinimumParticipants int                    `json:"minimum_participants"`
	Deadline            time.Time              `json:"deadline"`
	State               IncentiveState         `json:"state"`
	Escrowed            bool                   `json:"escrowed"`
	GameID              GameID                 `json:"game_id,omitempty"`
	Participants        []IncentiveParticipant `json:"participants"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// HasParticipant reports whether userID already signed up.
func (r CustomIncentiveRequest) HasParticipant(userID UserID) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
