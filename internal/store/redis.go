package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pmx/economy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and games. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Unwrap returns the primary store.
func (s *CachedStore) Unwrap() Store { return s.primary }

// Batcher returns a BatchCommitter for st when st, or the store it wraps,
// supports atomic batches.
func Batcher(st Store) (BatchCommitter, bool) {
	if c, ok := st.(*CachedStore); ok {
		if _, ok := c.primary.(BatchCommitter); ok {
			return c, true
		}
		return nil, false
	}
	b, ok := st.(BatchCommitter)
	return b, ok
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, userID model.UserID) (*model.Account, error) {
	acct, err := s.primary.CreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), acct)
	return acct, nil
}

func (s *CachedStore) AppendTransactionAndMutate(ctx context.Context, m model.Mutation) (*model.Account, *model.LedgerTransaction, error) {
	acct, tx, err := s.primary.AppendTransactionAndMutate(ctx, m)
	s.rdb.Del(ctx, accountKey(m.UserID))
	return acct, tx, err
}

func (s *CachedStore) CommitBatch(ctx context.Context, rec model.CommitRecord, muts []model.Mutation) ([]model.LedgerTransaction, error) {
	b, ok := s.primary.(BatchCommitter)
	if !ok {
		return nil, errors.New("store: primary does not support batches")
	}
	txs, err := b.CommitBatch(ctx, rec, muts)
	keys := make([]string, 0, len(muts))
	for _, m := range muts {
		keys = append(keys, accountKey(m.UserID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return txs, err
}

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cache(ctx, gameKey(g.ID), g)
	return nil
}

func (s *CachedStore) TransitionGame(ctx context.Context, id model.GameID, from, to model.GameStatus, at time.Time) error {
	err := s.primary.TransitionGame(ctx, id, from, to, at)
	s.rdb.Del(ctx, gameKey(id))
	return err
}

func (s *CachedStore) SetOutcome(ctx context.Context, id model.GameID, outcome string) error {
	err := s.primary.SetOutcome(ctx, id, outcome)
	s.rdb.Del(ctx, gameKey(id))
	return err
}

func (s *CachedStore) CommitWave1(ctx context.Context, c model.Wave1Commit, consumedRollovers []string) error {
	err := s.primary.CommitWave1(ctx, c, consumedRollovers)
	for _, a := range c.Allocations {
		s.rdb.Del(ctx, gameKey(a.GameID))
	}
	return err
}

func (s *CachedStore) ConsumeAllocation(ctx context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error) {
	a, err := s.primary.ConsumeAllocation(ctx, gameID)
	s.rdb.Del(ctx, gameKey(gameID))
	return a, err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID model.UserID) (*model.Account, error) {
	var acct model.Account
	if s.lookup(ctx, accountKey(userID), &acct) {
		return &acct, nil
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) GetGame(ctx context.Context, id model.GameID) (*model.Game, error) {
	var g model.Game
	if s.lookup(ctx, gameKey(id), &g) {
		return &g, nil
	}

	game, err := s.primary.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, gameKey(id), game)
	return game, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.LedgerTransaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) GetTransactionsByUser(ctx context.Context, userID model.UserID) ([]model.LedgerTransaction, error) {
	return s.primary.GetTransactionsByUser(ctx, userID)
}

func (s *CachedStore) GetTransactionsByEntity(ctx context.Context, relatedID string) ([]model.LedgerTransaction, error) {
	return s.primary.GetTransactionsByEntity(ctx, relatedID)
}

func (s *CachedStore) ListIdleAccounts(ctx context.Context, snapshot time.Time, thresholdDays int, minPmc model.Amount) ([]model.Account, error) {
	return s.primary.ListIdleAccounts(ctx, snapshot, thresholdDays, minPmc)
}

func (s *CachedStore) ListActivityScores(ctx context.Context, since, snapshot time.Time) ([]model.ActivityScore, error) {
	return s.primary.ListActivityScores(ctx, since, snapshot)
}

func (s *CachedStore) GetCommit(ctx context.Context, key string) (*model.CommitRecord, error) {
	return s.primary.GetCommit(ctx, key)
}

func (s *CachedStore) RecordCommit(ctx context.Context, rec model.CommitRecord) error {
	return s.primary.RecordCommit(ctx, rec)
}

func (s *CachedStore) ListActiveGames(ctx context.Context, date time.Time) ([]model.GameSummary, error) {
	return s.primary.ListActiveGames(ctx, date)
}

func (s *CachedStore) ListSettleableGames(ctx context.Context) ([]model.GameID, error) {
	return s.primary.ListSettleableGames(ctx)
}

func (s *CachedStore) CreateStake(ctx context.Context, st *model.Stake) error {
	return s.primary.CreateStake(ctx, st)
}

func (s *CachedStore) ListStakes(ctx context.Context, gameID model.GameID) ([]model.Stake, error) {
	return s.primary.ListStakes(ctx, gameID)
}

func (s *CachedStore) ListLockedStakesByUser(ctx context.Context, userID model.UserID) ([]model.Stake, error) {
	return s.primary.ListLockedStakesByUser(ctx, userID)
}

func (s *CachedStore) SaveResults(ctx context.Context, gameID model.GameID, results map[model.UserID]model.PredictionResult) error {
	return s.primary.SaveResults(ctx, gameID, results)
}

func (s *CachedStore) UpdateStakeSettlement(ctx context.Context, gameID model.GameID, userID model.UserID, status model.StakeStatus, payout, prize model.Amount) error {
	return s.primary.UpdateStakeSettlement(ctx, gameID, userID, status, payout, prize)
}

func (s *CachedStore) PendingRollovers(ctx context.Context, token model.TokenType, upTo time.Time) ([]model.Rollover, error) {
	return s.primary.PendingRollovers(ctx, token, upTo)
}

func (s *CachedStore) AddRollover(ctx context.Context, r model.Rollover) error {
	return s.primary.AddRollover(ctx, r)
}

func (s *CachedStore) GetAllocation(ctx context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error) {
	return s.primary.GetAllocation(ctx, gameID)
}

func (s *CachedStore) CreateIncentiveRequest(ctx context.Context, r *model.CustomIncentiveRequest) error {
	return s.primary.CreateIncentiveRequest(ctx, r)
}

func (s *CachedStore) GetIncentiveRequest(ctx context.Context, id model.RequestID) (*model.CustomIncentiveRequest, error) {
	return s.primary.GetIncentiveRequest(ctx, id)
}

func (s *CachedStore) AddIncentiveParticipant(ctx context.Context, id model.RequestID, p model.IncentiveParticipant) error {
	return s.primary.AddIncentiveParticipant(ctx, id, p)
}

func (s *CachedStore) TransitionIncentiveRequest(ctx context.Context, id model.RequestID, from, to model.IncentiveState, gameID model.GameID, at time.Time) error {
	return s.primary.TransitionIncentiveRequest(ctx, id, from, to, gameID, at)
}

func (s *CachedStore) ListIncentiveRequests(ctx context.Context, states ...model.IncentiveState) ([]model.CustomIncentiveRequest, error) {
	return s.primary.ListIncentiveRequests(ctx, states...)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id model.UserID) string { return fmt.Sprintf("pmx:account:%s", id) }
func gameKey(id model.GameID) string    { return fmt.Sprintf("pmx:game:%s", id) }
