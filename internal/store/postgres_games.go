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

const gameColumns = `id, title, kind, status, outcome,
	tolerance::TEXT, importance::TEXT, difficulty_multiplier::TEXT,
	estimated_participants, prize_eligible, prize_state, sponsor_request_id,
	created_at, closed_at, settled_at`

const stakeColumns = `game_id, user_id, token, amount, answer, confidence, status,
	result, payout, prize, created_at`

func scanGame(row pgx.Row) (*model.Game, error) {
	var g model.Game
	var tolerance, importance, difficulty string
	if err := row.Scan(&g.ID, &g.Title, &g.Kind, &g.Status, &g.Outcome,
		&tolerance, &importance, &difficulty,
		&g.EstimatedParticipants, &g.PrizeEligible, &g.PrizeState, &g.SponsorRequestID,
		&g.CreatedAt, &g.ClosedAt, &g.SettledAt); err != nil {
		return nil, err
	}
	g.Tolerance, _ = decimal.NewFromString(tolerance)
	g.Importance, _ = decimal.NewFromString(importance)
	g.DifficultyMultiplier, _ = decimal.NewFromString(difficulty)
	return &g, nil
}

func scanStakes(rows pgxRows) ([]model.Stake, error) {
	var stakes []model.Stake
	for rows.Next() {
		var st model.Stake
		var result []byte
		if err := rows.Scan(&st.GameID, &st.UserID, &st.Token, &st.Amount, &st.Answer,
			&st.Confidence, &st.Status, &result, &st.Payout, &st.Prize, &st.CreatedAt); err != nil {
			return nil, err
		}
		if len(result) > 0 {
			var r model.PredictionResult
			if err := json.Unmarshal(result, &r); err != nil {
				return nil, fmt.Errorf("decode result for %s/%s: %w", st.GameID, st.UserID, err)
			}
			st.Result = &r
		}
		stakes = append(stakes, st)
	}
	return stakes, rows.Err()
}

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO games (id, title, kind, status, outcome, tolerance, importance, difficulty_multiplier,
		                    estimated_participants, prize_eligible, prize_state, sponsor_request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		g.ID, g.Title, g.Kind, g.Status, g.Outcome,
		g.Tolerance.String(), g.Importance.String(), g.DifficultyMultiplier.String(),
		g.EstimatedParticipants, g.PrizeEligible, g.PrizeState, g.SponsorRequestID, g.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: game %s", model.ErrAlreadyExists, g.ID)
	}
	return dbErr("create game", err)
}

func (s *PostgresStore) GetGame(ctx context.Context, id model.GameID) (*model.Game, error) {
	g, err := scanGame(s.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id))
	if err != nil {
		return nil, dbErr("get game", notFound(err, model.ErrNotFound, "game "+string(id)))
	}
	return g, nil
}

func (s *PostgresStore) TransitionGame(ctx context.Context, id model.GameID, from, to model.GameStatus, at time.Time) error {
	var closedAt, settledAt *time.Time
	switch to {
	case model.GameClosed:
		closedAt = &at
	case model.GameSettled, model.GameCancelled:
		settledAt = &at
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE games
		 SET status = $3,
		     closed_at = COALESCE($4, closed_at),
		     settled_at = COALESCE($5, settled_at)
		 WHERE id = $1 AND status = $2`,
		id, from, to, closedAt, settledAt)
	if err != nil {
		return dbErr("transition game", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetGame(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: game %s is not %s", model.ErrInvalidState, id, from)
	}
	return nil
}

func (s *PostgresStore) SetOutcome(ctx context.Context, id model.GameID, outcome string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET outcome = $2 WHERE id = $1 AND status IN ('OPEN', 'CLOSED')`, id, outcome)
	if err != nil {
		return dbErr("set outcome", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetGame(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: game %s no longer accepts an outcome", model.ErrInvalidState, id)
	}
	return nil
}

func (s *PostgresStore) ListActiveGames(ctx context.Context, date time.Time) ([]model.GameSummary, error) {
	end := model.DayKey(date).AddDate(0, 0, 1)
	rows, err := s.pool.Query(ctx,
		`SELECT `+gameColumns+`
		 FROM games
		 WHERE prize_eligible AND prize_state = 'NONE'
		   AND status IN ('OPEN', 'CLOSED')
		   AND created_at < $1
		 ORDER BY created_at, id`, end)
	if err != nil {
		return nil, dbErr("list active games", err)
	}
	defer rows.Close()

	var result []model.GameSummary
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, dbErr("list active games", err)
		}
		result = append(result, g.Summary())
	}
	return result, dbErr("list active games", rows.Err())
}

func (s *PostgresStore) ListSettleableGames(ctx context.Context) ([]model.GameID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM games
		 WHERE status = 'GRADING' OR (status = 'CLOSED' AND outcome <> '')
		 ORDER BY id`)
	if err != nil {
		return nil, dbErr("list settleable games", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[model.GameID])
	return ids, dbErr("list settleable games", err)
}

func (s *PostgresStore) CreateStake(ctx context.Context, st *model.Stake) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stakes (game_id, user_id, token, amount, answer, confidence, status, payout, prize, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.GameID, st.UserID, st.Token, st.Amount, st.Answer, st.Confidence, st.Status,
		st.Payout, st.Prize, st.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already staked in %s", model.ErrAlreadyExists, st.UserID, st.GameID)
	}
	return dbErr("create stake", err)
}

func (s *PostgresStore) ListStakes(ctx context.Context, gameID model.GameID) ([]model.Stake, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE game_id = $1 ORDER BY seq`, gameID)
	if err != nil {
		return nil, dbErr("list stakes", err)
	}
	defer rows.Close()

	stakes, err := scanStakes(rows)
	return stakes, dbErr("list stakes", err)
}

func (s *PostgresStore) ListLockedStakesByUser(ctx context.Context, userID model.UserID) ([]model.Stake, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE user_id = $1 AND status = 'LOCKED' ORDER BY seq`, userID)
	if err != nil {
		return nil, dbErr("list user stakes", err)
	}
	defer rows.Close()

	stakes, err := scanStakes(rows)
	return stakes, dbErr("list user stakes", err)
}

func (s *PostgresStore) SaveResults(ctx context.Context, gameID model.GameID, results map[model.UserID]model.PredictionResult) error {
	return s.inTx(ctx, "save results", func(tx pgx.Tx) error {
		for userID, r := range results {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE stakes SET result = $3 WHERE game_id = $1 AND user_id = $2`,
				gameID, userID, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateStakeSettlement(ctx context.Context, gameID model.GameID, userID model.UserID, status model.StakeStatus, payout, prize model.Amount) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stakes SET status = $3, payout = $4, prize = $5 WHERE game_id = $1 AND user_id = $2`,
		gameID, userID, status, payout, prize)
	if err != nil {
		return dbErr("update stake", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stake %s/%s", model.ErrNotFound, gameID, userID)
	}
	return nil
}
