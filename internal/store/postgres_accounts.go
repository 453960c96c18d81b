package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pmx/economy-engine/internal/model"
)

const accountColumns = `user_id, pmp_available, pmp_locked, pmp_lifetime_earned,
	pmc_available, pmc_locked, pmc_lifetime_earned, version, created_at, last_updated_at`

const transactionColumns = `id, user_id, token, kind, delta, available_delta, locked_delta,
	reason, related_entity_id, commit_key, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.UserID,
		&a.PmpAvailable, &a.PmpLocked, &a.PmpLifetimeEarned,
		&a.PmcAvailable, &a.PmcLocked, &a.PmcLifetimeEarned,
		&a.Version, &a.CreatedAt, &a.LastUpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransactions(rows pgxRows) ([]model.LedgerTransaction, error) {
	var txs []model.LedgerTransaction
	for rows.Next() {
		var t model.LedgerTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Kind,
			&t.Delta, &t.AvailableDelta, &t.LockedDelta,
			&t.Reason, &t.RelatedEntityID, &t.CommitKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, userID model.UserID) (*model.Account, error) {
	acct := model.NewAccount(userID, s.now())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, created_at, last_updated_at) VALUES ($1, $2, $3)`,
		acct.UserID, acct.CreatedAt, acct.LastUpdatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: account %s", model.ErrAlreadyExists, userID)
	}
	if err != nil {
		return nil, dbErr("create account", err)
	}
	return &acct, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID model.UserID) (*model.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, dbErr("get account", notFound(err, model.ErrNotFound, "account "+string(userID)))
	}
	return acct, nil
}

// applyMutation locks the account row, applies m and appends its transaction
// inside tx.
func (s *PostgresStore) applyMutation(ctx context.Context, tx pgx.Tx, m model.Mutation, now time.Time) (*model.Account, *model.LedgerTransaction, error) {
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, m.UserID))
	if err != nil {
		return nil, nil, notFound(err, model.ErrNotFound, "account "+string(m.UserID))
	}
	next, err := acct.Apply(m, now)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET pmp_available = $2, pmp_locked = $3, pmp_lifetime_earned = $4,
		     pmc_available = $5, pmc_locked = $6, pmc_lifetime_earned = $7,
		     version = $8, last_updated_at = $9
		 WHERE user_id = $1`,
		next.UserID,
		next.PmpAvailable, next.PmpLocked, next.PmpLifetimeEarned,
		next.PmcAvailable, next.PmcLocked, next.PmcLifetimeEarned,
		next.Version, next.LastUpdatedAt); err != nil {
		return nil, nil, err
	}

	rec := model.NewTransaction(uuid.New().String(), m, now)
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.UserID, rec.Token, rec.Kind,
		rec.Delta, rec.AvailableDelta, rec.LockedDelta,
		rec.Reason, rec.RelatedEntityID, rec.CommitKey, rec.CreatedAt); err != nil {
		return nil, nil, err
	}
	return &next, &rec, nil
}

func (s *PostgresStore) AppendTransactionAndMutate(ctx context.Context, m model.Mutation) (*model.Account, *model.LedgerTransaction, error) {
	var (
		acct *model.Account
		rec  *model.LedgerTransaction
	)
	err := s.inTx(ctx, "append transaction", func(tx pgx.Tx) error {
		var err error
		acct, rec, err = s.applyMutation(ctx, tx, m, s.now())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return acct, rec, nil
}

func (s *PostgresStore) CommitBatch(ctx context.Context, rec model.CommitRecord, muts []model.Mutation) ([]model.LedgerTransaction, error) {
	var txs []model.LedgerTransaction
	err := s.inTx(ctx, "commit batch", func(tx pgx.Tx) error {
		txs = txs[:0]
		now := s.now()
		if rec.Key != "" {
			if err := claimCommit(ctx, tx, rec, now); err != nil {
				return err
			}
		}
		for _, m := range muts {
			_, t, err := s.applyMutation(ctx, tx, m, now)
			if err != nil {
				return err
			}
			txs = append(txs, *t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// claimCommit inserts the commit record and reports a duplicate when the key
// is already taken.
func claimCommit(ctx context.Context, tx pgx.Tx, rec model.CommitRecord, now time.Time) error {
	if rec.CommittedAt.IsZero() {
		rec.CommittedAt = now
	}
	var payload any
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO commit_records (key, kind, payload, committed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.Kind, payload, rec.CommittedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrDuplicateInvocation, rec.Key)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id)
	if err != nil {
		return nil, dbErr("get transaction", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, dbErr("get transaction", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	return &txs[0], nil
}

func (s *PostgresStore) GetTransactionsByUser(ctx context.Context, userID model.UserID) ([]model.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, dbErr("list user transactions", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	return txs, dbErr("list user transactions", err)
}

func (s *PostgresStore) GetTransactionsByEntity(ctx context.Context, relatedID string) ([]model.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE related_entity_id = $1 ORDER BY seq`, relatedID)
	if err != nil {
		return nil, dbErr("list entity transactions", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	return txs, dbErr("list entity transactions", err)
}

func (s *PostgresStore) ListIdleAccounts(ctx context.Context, snapshot time.Time, thresholdDays int, minPmc model.Amount) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE last_updated_at <= $1
		   AND FLOOR(EXTRACT(EPOCH FROM ($1 - last_updated_at)) / 86400) > $2
		   AND pmc_available >= $3
		 ORDER BY user_id`,
		snapshot, thresholdDays, minPmc)
	if err != nil {
		return nil, dbErr("list idle accounts", err)
	}
	defer rows.Close()

	var result []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, dbErr("list idle accounts", err)
		}
		result = append(result, *acct)
	}
	return result, dbErr("list idle accounts", rows.Err())
}

func (s *PostgresStore) ListActivityScores(ctx context.Context, since, snapshot time.Time) ([]model.ActivityScore, error) {
	var reasons []string
	for _, r := range model.AllReasons {
		if r.CountsAsActivity() {
			reasons = append(reasons, string(r))
		}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT t.user_id, COUNT(*)
		 FROM ledger_transactions t
		 JOIN accounts a ON a.user_id = t.user_id
		 WHERE t.created_at BETWEEN $1 AND $2
		   AND a.last_updated_at <= $2
		   AND t.reason = ANY($3)
		 GROUP BY t.user_id
		 ORDER BY t.user_id`,
		since, snapshot, reasons)
	if err != nil {
		return nil, dbErr("list activity scores", err)
	}
	defer rows.Close()

	var result []model.ActivityScore
	for rows.Next() {
		var sc model.ActivityScore
		if err := rows.Scan(&sc.UserID, &sc.Score); err != nil {
			return nil, dbErr("list activity scores", err)
		}
		result = append(result, sc)
	}
	return result, dbErr("list activity scores", rows.Err())
}

func (s *PostgresStore) GetCommit(ctx context.Context, key string) (*model.CommitRecord, error) {
	var rec model.CommitRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, kind, COALESCE(payload::TEXT, ''), committed_at FROM commit_records WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Kind, &rec.Payload, &rec.CommittedAt)
	if err != nil {
		return nil, dbErr("get commit", notFound(err, model.ErrNotFound, "commit "+key))
	}
	return &rec, nil
}

func (s *PostgresStore) RecordCommit(ctx context.Context, rec model.CommitRecord) error {
	return s.inTx(ctx, "record commit", func(tx pgx.Tx) error {
		return claimCommit(ctx, tx, rec, s.now())
	})
}
