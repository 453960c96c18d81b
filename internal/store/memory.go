package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmx/economy-engine/internal/model"
)

// MemoryStore implements Store and BatchCommitter with in-memory maps. Used
// for testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	accounts map[model.UserID]*model.Account
	txs      []model.LedgerTransaction
	txIndex  map[string]int
	commits  map[string]model.CommitRecord

	games      map[model.GameID]*model.Game
	stakes     map[model.GameID][]*model.Stake
	allocs     map[model.GameID]*model.GamePrizeAllocation
	pools      map[string]model.DailyPrizePool
	rollovers  []model.Rollover
	consumed   map[string]bool
	incentives map[model.RequestID]*model.CustomIncentiveRequest
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        func() time.Time { return time.Now().UTC() },
		accounts:   make(map[model.UserID]*model.Account),
		txIndex:    make(map[string]int),
		commits:    make(map[string]model.CommitRecord),
		games:      make(map[model.GameID]*model.Game),
		stakes:     make(map[model.GameID][]*model.Stake),
		allocs:     make(map[model.GameID]*model.GamePrizeAllocation),
		pools:      make(map[string]model.DailyPrizePool),
		consumed:   make(map[string]bool),
		incentives: make(map[model.RequestID]*model.CustomIncentiveRequest),
	}
}

// SetClock replaces the time source used to stamp accounts and transactions.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, userID model.UserID) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrAlreadyExists, userID)
	}
	acct := model.NewAccount(userID, s.now())
	s.accounts[userID] = &acct
	copy := acct
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID model.UserID) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, userID)
	}
	copy := *acct
	return &copy, nil
}

func (s *MemoryStore) AppendTransactionAndMutate(_ context.Context, m model.Mutation) (*model.Account, *model.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[m.UserID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: account %s", model.ErrNotFound, m.UserID)
	}
	now := s.now()
	next, err := acct.Apply(m, now)
	if err != nil {
		return nil, nil, err
	}
	tx := model.NewTransaction(uuid.New().String(), m, now)
	*acct = next
	s.appendTx(tx)

	copy := next
	return &copy, &tx, nil
}

// CommitBatch stages every mutation against copies of the affected accounts
// and only writes them back once all succeed.
func (s *MemoryStore) CommitBatch(_ context.Context, rec model.CommitRecord, muts []model.Mutation) ([]model.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Key != "" {
		if _, ok := s.commits[rec.Key]; ok {
			return nil, fmt.Errorf("%w: %s", model.ErrDuplicateInvocation, rec.Key)
		}
	}

	now := s.now()
	staged := make(map[model.UserID]model.Account)
	txs := make([]model.LedgerTransaction, 0, len(muts))
	for _, m := range muts {
		acct, ok := staged[m.UserID]
		if !ok {
			cur, found := s.accounts[m.UserID]
			if !found {
				return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, m.UserID)
			}
			acct = *cur
		}
		next, err := acct.Apply(m, now)
		if err != nil {
			return nil, err
		}
		staged[m.UserID] = next
		txs = append(txs, model.NewTransaction(uuid.New().String(), m, now))
	}

	for id, acct := range staged {
		a := acct
		s.accounts[id] = &a
	}
	for _, tx := range txs {
		s.appendTx(tx)
	}
	if rec.Key != "" {
		if rec.CommittedAt.IsZero() {
			rec.CommittedAt = now
		}
		s.commits[rec.Key] = rec
	}
	return txs, nil
}

func (s *MemoryStore) appendTx(tx model.LedgerTransaction) {
	s.txIndex[tx.ID] = len(s.txs)
	s.txs = append(s.txs, tx)
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	tx := s.txs[i]
	return &tx, nil
}

func (s *MemoryStore) GetTransactionsByUser(_ context.Context, userID model.UserID) ([]model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerTransaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTransactionsByEntity(_ context.Context, relatedID string) ([]model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerTransaction
	for _, tx := range s.txs {
		if tx.RelatedEntityID == relatedID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListIdleAccounts(_ context.Context, snapshot time.Time, thresholdDays int, minPmc model.Amount) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Account
	for _, acct := range s.accounts {
		if acct.LastUpdatedAt.After(snapshot) {
			continue
		}
		idleDays := int(snapshot.Sub(acct.LastUpdatedAt) / (24 * time.Hour))
		if idleDays > thresholdDays && acct.PmcAvailable >= minPmc {
			result = append(result, *acct)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) ListActivityScores(_ context.Context, since, snapshot time.Time) ([]model.ActivityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.UserID]int64)
	for _, tx := range s.txs {
		if tx.CreatedAt.Before(since) || tx.CreatedAt.After(snapshot) {
			continue
		}
		if !tx.Reason.CountsAsActivity() {
			continue
		}
		acct, ok := s.accounts[tx.UserID]
		if !ok || acct.LastUpdatedAt.After(snapshot) {
			continue
		}
		counts[tx.UserID]++
	}

	result := make([]model.ActivityScore, 0, len(counts))
	for id, n := range counts {
		result = append(result, model.ActivityScore{UserID: id, Score: n})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) GetCommit(_ context.Context, key string) (*model.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.commits[key]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", model.ErrNotFound, key)
	}
	return &rec, nil
}

func (s *MemoryStore) RecordCommit(_ context.Context, rec model.CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commits[rec.Key]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateInvocation, rec.Key)
	}
	if rec.CommittedAt.IsZero() {
		rec.CommittedAt = s.now()
	}
	s.commits[rec.Key] = rec
	return nil
}

// --- Games ---

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("%w: game %s", model.ErrAlreadyExists, g.ID)
	}
	copy := *g
	s.games[g.ID] = &copy
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id model.GameID) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", model.ErrNotFound, id)
	}
	copy := *g
	return &copy, nil
}

func (s *MemoryStore) TransitionGame(_ context.Context, id model.GameID, from, to model.GameStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok {
		return fmt.Errorf("%w: game %s", model.ErrNotFound, id)
	}
	if g.Status != from {
		return fmt.Errorf("%w: game %s is %s, expected %s", model.ErrInvalidState, id, g.Status, from)
	}
	g.Status = to
	switch to {
	case model.GameClosed:
		g.ClosedAt = &at
	case model.GameSettled, model.GameCancelled:
		g.SettledAt = &at
	}
	return nil
}

func (s *MemoryStore) SetOutcome(_ context.Context, id model.GameID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok {
		return fmt.Errorf("%w: game %s", model.ErrNotFound, id)
	}
	if g.Status != model.GameOpen && g.Status != model.GameClosed {
		return fmt.Errorf("%w: game %s is %s", model.ErrInvalidState, id, g.Status)
	}
	g.Outcome = outcome
	return nil
}

func (s *MemoryStore) ListActiveGames(_ context.Context, date time.Time) ([]model.GameSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := model.DayKey(date).AddDate(0, 0, 1)
	var result []model.GameSummary
	for _, g := range s.games {
		if !g.PrizeEligible || g.PrizeState != model.PrizeNone {
			continue
		}
		if g.Status != model.GameOpen && g.Status != model.GameClosed {
			continue
		}
		if !g.CreatedAt.Before(end) {
			continue
		}
		result = append(result, g.Summary())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) ListSettleableGames(_ context.Context) ([]model.GameID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []model.GameID
	for id, g := range s.games {
		if g.Status == model.GameGrading || (g.Status == model.GameClosed && g.Outcome != "") {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) CreateStake(_ context.Context, st *model.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[st.GameID]; !ok {
		return fmt.Errorf("%w: game %s", model.ErrNotFound, st.GameID)
	}
	for _, existing := range s.stakes[st.GameID] {
		if existing.UserID == st.UserID {
			return fmt.Errorf("%w: %s already staked in %s", model.ErrAlreadyExists, st.UserID, st.GameID)
		}
	}
	copy := *st
	s.stakes[st.GameID] = append(s.stakes[st.GameID], &copy)
	return nil
}

func (s *MemoryStore) ListStakes(_ context.Context, gameID model.GameID) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.stakes[gameID]
	result := make([]model.Stake, 0, len(list))
	for _, st := range list {
		result = append(result, *st)
	}
	return result, nil
}

func (s *MemoryStore) ListLockedStakesByUser(_ context.Context, userID model.UserID) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Stake
	for _, list := range s.stakes {
		for _, st := range list {
			if st.UserID == userID && st.Status == model.StakeLocked {
				result = append(result, *st)
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveResults(_ context.Context, gameID model.GameID, results map[model.UserID]model.PredictionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.stakes[gameID] {
		if r, ok := results[st.UserID]; ok {
			res := r
			st.Result = &res
		}
	}
	return nil
}

func (s *MemoryStore) UpdateStakeSettlement(_ context.Context, gameID model.GameID, userID model.UserID, status model.StakeStatus, payout, prize model.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.stakes[gameID] {
		if st.UserID == userID {
			st.Status = status
			st.Payout = payout
			st.Prize = prize
			return nil
		}
	}
	return fmt.Errorf("%w: stake %s/%s", model.ErrNotFound, gameID, userID)
}

// --- Distribution ---

func (s *MemoryStore) CommitWave1(_ context.Context, c model.Wave1Commit, consumedRollovers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commits[c.Key]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateInvocation, c.Key)
	}
	for _, a := range c.Allocations {
		g, ok := s.games[a.GameID]
		if !ok {
			return fmt.Errorf("%w: game %s", model.ErrNotFound, a.GameID)
		}
		if g.PrizeState != model.PrizeNone {
			return fmt.Errorf("%w: game %s already has a prize allocation", model.ErrSnapshotConflict, a.GameID)
		}
		if g.Status != model.GameOpen && g.Status != model.GameClosed {
			return fmt.Errorf("%w: game %s is %s", model.ErrSnapshotConflict, a.GameID, g.Status)
		}
	}

	for _, a := range c.Allocations {
		alloc := a
		s.allocs[a.GameID] = &alloc
		s.games[a.GameID].PrizeState = model.PrizeAllocated
	}
	for _, key := range consumedRollovers {
		s.consumed[key] = true
	}
	if c.RolloverOut > 0 {
		s.rollovers = append(s.rollovers, carryRollover(c))
	}
	s.pools[c.Key] = c.Pool

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode wave1 commit: %w", err)
	}
	s.commits[c.Key] = model.CommitRecord{Key: c.Key, Kind: "wave1", Payload: payload, CommittedAt: c.CommittedAt}
	return nil
}

// carryRollover is the rollover a Wave 1 commit creates for the next day
// when no game received the pool.
func carryRollover(c model.Wave1Commit) model.Rollover {
	return model.Rollover{
		Key:    c.Key + "-CARRY",
		Date:   model.DayKey(c.Pool.Date).AddDate(0, 0, 1),
		Token:  c.Pool.Token,
		Amount: c.RolloverOut,
	}
}

func (s *MemoryStore) PendingRollovers(_ context.Context, token model.TokenType, upTo time.Time) ([]model.Rollover, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := model.DayKey(upTo)
	var result []model.Rollover
	for _, r := range s.rollovers {
		if r.Token != token || s.consumed[r.Key] || r.Date.After(limit) {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *MemoryStore) AddRollover(_ context.Context, r model.Rollover) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rollovers {
		if existing.Key == r.Key {
			return fmt.Errorf("%w: rollover %s", model.ErrDuplicateInvocation, r.Key)
		}
	}
	s.rollovers = append(s.rollovers, r)
	return nil
}

func (s *MemoryStore) GetAllocation(_ context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocs[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", model.ErrAllocationNotFound, gameID)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ConsumeAllocation(_ context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocs[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: game %s", model.ErrAllocationNotFound, gameID)
	}
	a.Consumed = true
	if g, ok := s.games[gameID]; ok {
		g.PrizeState = model.PrizeConsumed
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) CreateIncentiveRequest(_ context.Context, r *model.CustomIncentiveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incentives[r.ID]; ok {
		return fmt.Errorf("%w: incentive request %s", model.ErrAlreadyExists, r.ID)
	}
	s.incentives[r.ID] = cloneRequest(r)
	return nil
}

func (s *MemoryStore) GetIncentiveRequest(_ context.Context, id model.RequestID) (*model.CustomIncentiveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.incentives[id]
	if !ok {
		return nil, fmt.Errorf("%w: incentive request %s", model.ErrNotFound, id)
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) AddIncentiveParticipant(_ context.Context, id model.RequestID, p model.IncentiveParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.incentives[id]
	if !ok {
		return fmt.Errorf("%w: incentive request %s", model.ErrNotFound, id)
	}
	if r.State != model.IncentiveRequested {
		return fmt.Errorf("%w: request %s is %s", model.ErrInvalidState, id, r.State)
	}
	if r.HasParticipant(p.UserID) {
		return fmt.Errorf("%w: %s already joined %s", model.ErrAlreadyExists, p.UserID, id)
	}
	r.Participants = append(r.Participants, p)
	r.UpdatedAt = p.JoinedAt
	return nil
}

func (s *MemoryStore) TransitionIncentiveRequest(_ context.Context, id model.RequestID, from, to model.IncentiveState, gameID model.GameID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.incentives[id]
	if !ok {
		return fmt.Errorf("%w: incentive request %s", model.ErrNotFound, id)
	}
	if r.State != from {
		return fmt.Errorf("%w: request %s is %s, expected %s", model.ErrInvalidState, id, r.State, from)
	}
	r.State = to
	if gameID != "" {
		r.GameID = gameID
	}
	if to.Terminal() {
		r.Escrowed = false
	}
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListIncentiveRequests(_ context.Context, states ...model.IncentiveState) ([]model.CustomIncentiveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.IncentiveState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var result []model.CustomIncentiveRequest
	for _, r := range s.incentives {
		if len(want) == 0 || want[r.State] {
			result = append(result, *cloneRequest(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func cloneRequest(r *model.CustomIncentiveRequest) *model.CustomIncentiveRequest {
	copy := *r
	copy.Participants = append([]model.IncentiveParticipant(nil), r.Participants...)
	return &copy
}
