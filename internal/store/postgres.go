package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmx/economy-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store and BatchCommitter using PostgreSQL as the
// source of truth. Balances are BIGINT smallest units; ratios are NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Connect opens a pool against databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect db: %v", model.ErrRepositoryUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping db: %v", model.ErrRepositoryUnavailable, err)
	}
	return pool, nil
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// tracks them in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return dbErr("create schema_migrations", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", entry.Name(),
		).Scan(&exists); err != nil {
			return dbErr("check migration "+entry.Name(), err)
		}
		if exists {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return dbErr("apply migration "+entry.Name(), err)
		}
	}
	return nil
}

// inTx runs fn in a serializable transaction, retrying serialization
// failures with a doubling backoff.
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return dbErr(op, err)
		}
		lastErr = err
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		retryDelay *= 2
	}
	return fmt.Errorf("%w: %s: retries exhausted: %v", model.ErrRepositoryUnavailable, op, lastErr)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var domainErrors = []error{
	model.ErrInvalidAmount,
	model.ErrInsufficientAvailableBalance,
	model.ErrInsufficientLockedBalance,
	model.ErrDuplicateInvocation,
	model.ErrAllocationNotFound,
	model.ErrBatchInvariantViolation,
	model.ErrRepositoryUnavailable,
	model.ErrNotFound,
	model.ErrAlreadyExists,
	model.ErrInvalidState,
	model.ErrInvalidInput,
	model.ErrSnapshotConflict,
}

// dbErr passes domain errors through and maps everything that is not a
// statement-level rejection to ErrRepositoryUnavailable.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrRepositoryUnavailable, op, err)
}

// notFound converts pgx.ErrNoRows into sentinel, leaving other errors alone.
func notFound(err error, sentinel error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", sentinel, what)
	}
	return err
}

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}
