// Package store defines the persistence interface for the economy engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (reference implementation used by tests).
package store

import (
	"context"
	"time"

	"github.com/pmx/economy-engine/internal/model"
)

// Store is the repository the ledger, settlement and distribution code
// consume. PostgreSQL is the source of truth; Redis provides a read-through
// cache layer.
type Store interface {
	AccountStore
	GameStore
	DistributionStore
}

// AccountStore persists balances, the transaction log and commit records.
type AccountStore interface {
	// CreateAccount opens an empty account. Returns model.ErrAlreadyExists
	// if the user already has one.
	CreateAccount(ctx context.Context, userID model.UserID) (*model.Account, error)

	// GetAccount returns the current balances or model.ErrNotFound.
	GetAccount(ctx context.Context, userID model.UserID) (*model.Account, error)

	// AppendTransactionAndMutate applies one mutation and appends its
	// transaction atomically: both persist or neither does.
	AppendTransactionAndMutate(ctx context.Context, m model.Mutation) (*model.Account, *model.LedgerTransaction, error)

	// GetTransaction returns one transaction by id.
	GetTransaction(ctx context.Context, id string) (*model.LedgerTransaction, error)

	// GetTransactionsByUser returns a user's transactions oldest first.
	GetTransactionsByUser(ctx context.Context, userID model.UserID) ([]model.LedgerTransaction, error)

	// GetTransactionsByEntity returns every transaction tagged with relatedID.
	GetTransactionsByEntity(ctx context.Context, relatedID string) ([]model.LedgerTransaction, error)

	// ListIdleAccounts returns accounts not modified after snapshot whose
	// whole days of inactivity exceed thresholdDays and whose available PMC is
	// at least minPmc, ordered by user id.
	ListIdleAccounts(ctx context.Context, snapshot time.Time, thresholdDays int, minPmc model.Amount) ([]model.Account, error)

	// ListActivityScores counts activity transactions per user in
	// [since, snapshot] for accounts not modified after snapshot, ordered by
	// user id. Users without activity are omitted.
	ListActivityScores(ctx context.Context, since, snapshot time.Time) ([]model.ActivityScore, error)

	// GetCommit returns the commit record for key or model.ErrNotFound.
	GetCommit(ctx context.Context, key string) (*model.CommitRecord, error)

	// RecordCommit stores rec. Returns model.ErrDuplicateInvocation if the
	// key is already recorded.
	RecordCommit(ctx context.Context, rec model.CommitRecord) error
}

// BatchCommitter is implemented by stores that can apply several mutations
// and a commit record in one transaction.
type BatchCommitter interface {
	// CommitBatch applies every mutation and records rec atomically. When
	// rec.Key is already recorded it returns model.ErrDuplicateInvocation and
	// applies nothing. An empty rec.Key skips the commit record.
	CommitBatch(ctx context.Context, rec model.CommitRecord, muts []model.Mutation) ([]model.LedgerTransaction, error)
}

// GameStore persists prediction games and their stakes.
type GameStore interface {
	// CreateGame persists a new game.
	CreateGame(ctx context.Context, g *model.Game) error

	// GetGame retrieves a game by id.
	GetGame(ctx context.Context, id model.GameID) (*model.Game, error)

	// TransitionGame moves a game from one status to another. Returns
	// model.ErrInvalidState if the game is not in from.
	TransitionGame(ctx context.Context, id model.GameID, from, to model.GameStatus, at time.Time) error

	// SetOutcome records the reference outcome of an OPEN or CLOSED game.
	SetOutcome(ctx context.Context, id model.GameID, outcome string) error

	// ListActiveGames returns prize-eligible OPEN or CLOSED games created on
	// or before date that have not received a prize allocation yet.
	ListActiveGames(ctx context.Context, date time.Time) ([]model.GameSummary, error)

	// ListSettleableGames returns CLOSED games with a recorded outcome and
	// GRADING games whose settlement was interrupted, ordered by id.
	ListSettleableGames(ctx context.Context) ([]model.GameID, error)

	// CreateStake records a participant. Returns model.ErrAlreadyExists for
	// a second stake by the same user in the same game.
	CreateStake(ctx context.Context, s *model.Stake) error

	// ListStakes returns a game's stakes in creation order.
	ListStakes(ctx context.Context, gameID model.GameID) ([]model.Stake, error)

	// ListLockedStakesByUser returns the user's stakes still holding funds.
	ListLockedStakesByUser(ctx context.Context, userID model.UserID) ([]model.Stake, error)

	// SaveResults stores graded results for a game's stakes.
	SaveResults(ctx context.Context, gameID model.GameID, results map[model.UserID]model.PredictionResult) error

	// UpdateStakeSettlement marks a stake settled or refunded.
	UpdateStakeSettlement(ctx context.Context, gameID model.GameID, userID model.UserID, status model.StakeStatus, payout, prize model.Amount) error
}

// DistributionStore persists MoneyWave state.
type DistributionStore interface {
	// CommitWave1 stores the pool, its allocations, marks the allocated games
	// and consumes the listed rollovers in one step. Returns
	// model.ErrDuplicateInvocation if the key is already committed.
	CommitWave1(ctx context.Context, c model.Wave1Commit, consumedRollovers []string) error

	// PendingRollovers returns unconsumed rollovers dated on or before upTo.
	PendingRollovers(ctx context.Context, token model.TokenType, upTo time.Time) ([]model.Rollover, error)

	// AddRollover records a rollover. A repeated key returns
	// model.ErrDuplicateInvocation.
	AddRollover(ctx context.Context, r model.Rollover) error

	// GetAllocation returns a game's allocation or model.ErrAllocationNotFound.
	GetAllocation(ctx context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error)

	// ConsumeAllocation marks a game's allocation consumed and returns it.
	// Consuming an already consumed allocation returns it unchanged.
	ConsumeAllocation(ctx context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error)

	// CreateIncentiveRequest persists a new sponsor request.
	CreateIncentiveRequest(ctx context.Context, r *model.CustomIncentiveRequest) error

	// GetIncentiveRequest retrieves a sponsor request by id.
	GetIncentiveRequest(ctx context.Context, id model.RequestID) (*model.CustomIncentiveRequest, error)

	// AddIncentiveParticipant signs a user up for a REQUESTED request.
	AddIncentiveParticipant(ctx context.Context, id model.RequestID, p model.IncentiveParticipant) error

	// TransitionIncentiveRequest moves a request between states, optionally
	// attaching the created game. Returns model.ErrInvalidState on mismatch.
	TransitionIncentiveRequest(ctx context.Context, id model.RequestID, from, to model.IncentiveState, gameID model.GameID, at time.Time) error

	// ListIncentiveRequests returns requests in any of the given states.
	ListIncentiveRequests(ctx context.Context, states ...model.IncentiveState) ([]model.CustomIncentiveRequest, error)
}
