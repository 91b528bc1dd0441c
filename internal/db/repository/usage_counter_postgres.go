package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"querydesk/internal/domain"
)

var _ domain.UsageCounterStore = (*PostgresUsageCounterRepo)(nil)

const (
	pgCreateUsageCounters = `
CREATE TABLE IF NOT EXISTS usage_counters (
    user_id      TEXT        NOT NULL,
    window_kind  TEXT        NOT NULL,
    window_start TIMESTAMPTZ NOT NULL,
    count        BIGINT      NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, window_kind, window_start)
)`

	pgIncrementIfBelow = `
INSERT INTO usage_counters (user_id, window_kind, window_start, count)
VALUES ($1, $2, $3, 1)
ON CONFLICT (user_id, window_kind, window_start)
DO UPDATE SET count = usage_counters.count + 1
WHERE usage_counters.count < $4
RETURNING count`

	pgDecrement = `
UPDATE usage_counters SET count = count - 1
WHERE user_id = $1 AND window_kind = $2 AND window_start = $3 AND count > 0`

	pgCount = `
SELECT count FROM usage_counters
WHERE user_id = $1 AND window_kind = $2 AND window_start = $3`

	pgDeleteBefore = `
DELETE FROM usage_counters WHERE window_start < $1`
)

// PostgresUsageCounterRepo is a UsageCounterStore shared by several service
// replicas. The conditional upsert takes a row lock, so concurrent
// increments for the same key serialize in the database.
type PostgresUsageCounterRepo struct {
	db *sql.DB
}

// NewPostgresUsageCounterRepo creates a PostgresUsageCounterRepo on a pgx-backed pool.
func NewPostgresUsageCounterRepo(db *sql.DB) *PostgresUsageCounterRepo {
	return &PostgresUsageCounterRepo{db: db}
}

// EnsureSchema creates the usage_counters table when it does not exist.
func (r *PostgresUsageCounterRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, pgCreateUsageCounters); err != nil {
		return fmt.Errorf("create usage_counters: %w", err)
	}
	return nil
}

// IncrementIfBelow implements domain.UsageCounterStore.
func (r *PostgresUsageCounterRepo) IncrementIfBelow(ctx context.Context, key domain.UsageKey, limit int64) (int64, bool, error) {
	if limit <= 0 {
		n, err := r.Count(ctx, key)
		return n, false, err
	}

	var count int64
	err := r.db.QueryRowContext(ctx, pgIncrementIfBelow,
		key.UserID, string(key.Window), key.Start.UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		n, err := r.Count(ctx, key)
		return n, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment usage: %w", err)
	}
	return count, true, nil
}

// Decrement implements domain.UsageCounterStore.
func (r *PostgresUsageCounterRepo) Decrement(ctx context.Context, key domain.UsageKey) error {
	if _, err := r.db.ExecContext(ctx, pgDecrement, key.UserID, string(key.Window), key.Start.UTC()); err != nil {
		return fmt.Errorf("decrement usage: %w", err)
	}
	return nil
}

// Count implements domain.UsageCounterStore.
func (r *PostgresUsageCounterRepo) Count(ctx context.Context, key domain.UsageKey) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, pgCount, key.UserID, string(key.Window), key.Start.UTC()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return count, nil
}

// DeleteBefore implements domain.UsageCounterStore.
func (r *PostgresUsageCounterRepo) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, pgDeleteBefore, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}
