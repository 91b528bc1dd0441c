package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"querydesk/internal/domain"
)

var _ domain.UsageCounterStore = (*UsageCounterRepo)(nil)

// UsageCounterRepo is the SQLite UsageCounterStore. Writes go through the
// single-connection write pool, so the conditional upsert is atomic.
type UsageCounterRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewUsageCounterRepo creates a UsageCounterRepo. readDB may be nil, in
// which case reads use writeDB.
func NewUsageCounterRepo(writeDB, readDB *sql.DB) *UsageCounterRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &UsageCounterRepo{writeDB: writeDB, readDB: readDB}
}

// IncrementIfBelow implements domain.UsageCounterStore.
func (r *UsageCounterRepo) IncrementIfBelow(ctx context.Context, key domain.UsageKey, limit int64) (int64, bool, error) {
	if limit <= 0 {
		n, err := r.Count(ctx, key)
		return n, false, err
	}

	var count int64
	err := r.writeDB.QueryRowContext(ctx, `
		INSERT INTO usage_counters (user_id, window_kind, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (user_id, window_kind, window_start)
		DO UPDATE SET count = usage_counters.count + 1
		WHERE usage_counters.count < ?
		RETURNING count
	`, key.UserID, string(key.Window), key.Start.Unix(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		n, err := r.countOn(ctx, r.writeDB, key)
		return n, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment usage: %w", err)
	}
	return count, true, nil
}

// Decrement implements domain.UsageCounterStore.
func (r *UsageCounterRepo) Decrement(ctx context.Context, key domain.UsageKey) error {
	_, err := r.writeDB.ExecContext(ctx, `
		UPDATE usage_counters SET count = count - 1
		WHERE user_id = ? AND window_kind = ? AND window_start = ? AND count > 0
	`, key.UserID, string(key.Window), key.Start.Unix())
	if err != nil {
		return fmt.Errorf("decrement usage: %w", err)
	}
	return nil
}

// Count implements domain.UsageCounterStore.
func (r *UsageCounterRepo) Count(ctx context.Context, key domain.UsageKey) (int64, error) {
	return r.countOn(ctx, r.readDB, key)
}

func (r *UsageCounterRepo) countOn(ctx context.Context, db *sql.DB, key domain.UsageKey) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters
		WHERE user_id = ? AND window_kind = ? AND window_start = ?
	`, key.UserID, string(key.Window), key.Start.Unix()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return count, nil
}

// DeleteBefore implements domain.UsageCounterStore.
func (r *UsageCounterRepo) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.writeDB.ExecContext(ctx, `DELETE FROM usage_counters WHERE window_start < ?`, t.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}
