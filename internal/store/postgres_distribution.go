package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/model"
)

func (s *PostgresStore) CommitWave1(ctx context.Context, c model.Wave1Commit, consumedRollovers []string) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode wave1 commit: %w", err)
	}
	return s.inTx(ctx, "commit wave1", func(tx pgx.Tx) error {
		rec := model.CommitRecord{Key: c.Key, Kind: "wave1", Payload: payload, CommittedAt: c.CommittedAt}
		if err := claimCommit(ctx, tx, rec, s.now()); err != nil {
			return err
		}

		p := c.Pool
		if _, err := tx.Exec(ctx,
			`INSERT INTO daily_prize_pools (key, date, token, ebit_amount, allocation_percentage,
			                                rollover_in, pool_amount, allocated_amount)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
			c.Key, model.DayKey(p.Date), p.Token, p.EbitAmount, p.AllocationPercentage.String(),
			p.RolloverIn, p.PoolAmount, p.AllocatedAmount); err != nil {
			return err
		}

		for _, a := range c.Allocations {
			tag, err := tx.Exec(ctx,
				`UPDATE games SET prize_state = 'ALLOCATED'
				 WHERE id = $1 AND prize_state = 'NONE' AND status IN ('OPEN', 'CLOSED')`, a.GameID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: game %s is no longer allocatable", model.ErrSnapshotConflict, a.GameID)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO prize_allocations (game_id, pool_date, token, allocated_amount, game_importance,
				                                difficulty_multiplier, estimated_participants)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
				a.GameID, model.DayKey(a.PoolDate), a.Token, a.AllocatedAmount,
				a.GameImportance.String(), a.DifficultyMultiplier.String(), a.EstimatedParticipants); err != nil {
				return err
			}
		}

		if len(consumedRollovers) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE rollovers SET consumed_by = $1 WHERE key = ANY($2) AND consumed_by IS NULL`,
				c.Key, consumedRollovers); err != nil {
				return err
			}
		}
		if c.RolloverOut > 0 {
			r := carryRollover(c)
			if _, err := tx.Exec(ctx,
				`INSERT INTO rollovers (key, date, token, amount) VALUES ($1, $2, $3, $4)`,
				r.Key, r.Date, r.Token, r.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) PendingRollovers(ctx context.Context, token model.TokenType, upTo time.Time) ([]model.Rollover, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, date, token, amount FROM rollovers
		 WHERE token = $1 AND date <= $2 AND consumed_by IS NULL
		 ORDER BY date, key`, token, model.DayKey(upTo))
	if err != nil {
		return nil, dbErr("list rollovers", err)
	}
	defer rows.Close()

	var result []model.Rollover
	for rows.Next() {
		var r model.Rollover
		if err := rows.Scan(&r.Key, &r.Date, &r.Token, &r.Amount); err != nil {
			return nil, dbErr("list rollovers", err)
		}
		result = append(result, r)
	}
	return result, dbErr("list rollovers", rows.Err())
}

func (s *PostgresStore) AddRollover(ctx context.Context, r model.Rollover) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO rollovers (key, date, token, amount) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		r.Key, model.DayKey(r.Date), r.Token, r.Amount)
	if err != nil {
		return dbErr("add rollover", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: rollover %s", model.ErrDuplicateInvocation, r.Key)
	}
	return nil
}

const allocationColumns = `game_id, pool_date, token, allocated_amount, game_importance::TEXT,
	difficulty_multiplier::TEXT, estimated_participants, consumed`

func scanAllocation(row pgx.Row) (*model.GamePrizeAllocation, error) {
	var a model.GamePrizeAllocation
	var importance, difficulty string
	if err := row.Scan(&a.GameID, &a.PoolDate, &a.Token, &a.AllocatedAmount,
		&importance, &difficulty, &a.EstimatedParticipants, &a.Consumed); err != nil {
		return nil, err
	}
	a.GameImportance, _ = decimal.NewFromString(importance)
	a.DifficultyMultiplier, _ = decimal.NewFromString(difficulty)
	return &a, nil
}

func (s *PostgresStore) GetAllocation(ctx context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error) {
	a, err := scanAllocation(s.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM prize_allocations WHERE game_id = $1`, gameID))
	if err != nil {
		return nil, dbErr("get allocation", notFound(err, model.ErrAllocationNotFound, "game "+string(gameID)))
	}
	return a, nil
}

func (s *PostgresStore) ConsumeAllocation(ctx context.Context, gameID model.GameID) (*model.GamePrizeAllocation, error) {
	var alloc *model.GamePrizeAllocation
	err := s.inTx(ctx, "consume allocation", func(tx pgx.Tx) error {
		a, err := scanAllocation(tx.QueryRow(ctx,
			`UPDATE prize_allocations SET consumed = TRUE WHERE game_id = $1 RETURNING `+allocationColumns, gameID))
		if err != nil {
			return notFound(err, model.ErrAllocationNotFound, "game "+string(gameID))
		}
		if _, err := tx.Exec(ctx, `UPDATE games SET prize_state = 'CONSUMED' WHERE id = $1`, gameID); err != nil {
			return err
		}
		alloc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

const requestColumns = `id, sponsor_id, title, token, incentive_pool, minimum_participants,
	deadline, state, escrowed, game_id, created_at, updated_at`

func (s *PostgresStore) CreateIncentiveRequest(ctx context.Context, r *model.CustomIncentiveRequest) error {
	return s.inTx(ctx, "create incentive request", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO incentive_requests (`+requestColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.ID, r.SponsorID, r.Title, r.Token, r.IncentivePool, r.MinimumParticipants,
			r.Deadline, r.State, r.Escrowed, r.GameID, r.CreatedAt, r.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: incentive request %s", model.ErrAlreadyExists, r.ID)
		}
		if err != nil {
			return err
		}
		for _, p := range r.Participants {
			if err := insertParticipant(ctx, tx, r.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertParticipant(ctx context.Context, tx pgx.Tx, id model.RequestID, p model.IncentiveParticipant) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO incentive_participants (request_id, user_id, contribution_weight, joined_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		id, p.UserID, p.ContributionWeight.String(), p.JoinedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already joined %s", model.ErrAlreadyExists, p.UserID, id)
	}
	return err
}

func (s *PostgresStore) GetIncentiveRequest(ctx context.Context, id model.RequestID) (*model.CustomIncentiveRequest, error) {
	reqs, err := s.queryRequests(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: incentive request %s", model.ErrNotFound, id)
	}
	return &reqs[0], nil
}

func (s *PostgresStore) AddIncentiveParticipant(ctx context.Context, id model.RequestID, p model.IncentiveParticipant) error {
	return s.inTx(ctx, "add incentive participant", func(tx pgx.Tx) error {
		var state model.IncentiveState
		if err := tx.QueryRow(ctx,
			`SELECT state FROM incentive_requests WHERE id = $1 FOR UPDATE`, id).Scan(&state); err != nil {
			return notFound(err, model.ErrNotFound, "incentive request "+string(id))
		}
		if state != model.IncentiveRequested {
			return fmt.Errorf("%w: request %s is %s", model.ErrInvalidState, id, state)
		}
		if err := insertParticipant(ctx, tx, id, p); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE incentive_requests SET updated_at = $2 WHERE id = $1`, id, p.JoinedAt)
		return err
	})
}

func (s *PostgresStore) TransitionIncentiveRequest(ctx context.Context, id model.RequestID, from, to model.IncentiveState, gameID model.GameID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE incentive_requests
		 SET state = $3,
		     game_id = CASE WHEN $4 = '' THEN game_id ELSE $4 END,
		     escrowed = escrowed AND NOT $5,
		     updated_at = $6
		 WHERE id = $1 AND state = $2`,
		id, from, to, string(gameID), to.Terminal(), at)
	if err != nil {
		return dbErr("transition incentive request", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetIncentiveRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s is not %s", model.ErrInvalidState, id, from)
	}
	return nil
}

func (s *PostgresStore) ListIncentiveRequests(ctx context.Context, states ...model.IncentiveState) ([]model.CustomIncentiveRequest, error) {
	if len(states) == 0 {
		return s.queryRequests(ctx, ``)
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.queryRequests(ctx, `WHERE state = ANY($1)`, names)
}

// queryRequests loads requests matching where and attaches their participants.
func (s *PostgresStore) queryRequests(ctx context.Context, where string, args ...any) ([]model.CustomIncentiveRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM incentive_requests `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, dbErr("list incentive requests", err)
	}
	var reqs []model.CustomIncentiveRequest
	for rows.Next() {
		var r model.CustomIncentiveRequest
		if err := rows.Scan(&r.ID, &r.SponsorID, &r.Title, &r.Token, &r.IncentivePool,
			&r.MinimumParticipants, &r.Deadline, &r.State, &r.Escrowed, &r.GameID,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, dbErr("list incentive requests", err)
		}
		reqs = append(reqs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dbErr("list incentive requests", err)
	}

	for i := range reqs {
		parts, err := s.listParticipants(ctx, reqs[i].ID)
		if err != nil {
			return nil, err
		}
		reqs[i].Participants = parts
	}
	return reqs, nil
}

func (s *PostgresStore) listParticipants(ctx context.Context, id model.RequestID) ([]model.IncentiveParticipant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, contribution_weight::TEXT, joined_at
		 FROM incentive_participants WHERE request_id = $1 ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, dbErr("list participants", err)
	}
	defer rows.Close()

	var parts []model.IncentiveParticipant
	for rows.Next() {
		var p model.IncentiveParticipant
		var weight string
		if err := rows.Scan(&p.UserID, &weight, &p.JoinedAt); err != nil {
			return nil, dbErr("list participants", err)
		}
		p.ContributionWeight, _ = decimal.NewFromString(weight)
		parts = append(parts, p)
	}
	return parts, dbErr("list participants", rows.Err())
}
