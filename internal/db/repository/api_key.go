package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"querydesk/internal/domain"
)

// APIKeyRepo stores hashed API keys and implements middleware.APIKeyLookup.
type APIKeyRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
	now     func() time.Time
}

// NewAPIKeyRepo creates an APIKeyRepo. readDB may be nil.
func NewAPIKeyRepo(writeDB, readDB *sql.DB) *APIKeyRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &APIKeyRepo{writeDB: writeDB, readDB: readDB, now: time.Now}
}

// Create inserts key. KeyHash must be unique.
func (r *APIKeyRepo) Create(ctx context.Context, key *domain.APIKey) error {
	var expires sql.NullInt64
	if key.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toMillis(*key.ExpiresAt), Valid: true}
	}
	_, err := r.writeDB.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_prefix, key_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, key.ID, key.UserID, key.Name, key.KeyPrefix, key.KeyHash, toMillis(key.CreatedAt), expires)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// LookupPrincipalByAPIKeyHash returns the user owning an unexpired key.
func (r *APIKeyRepo) LookupPrincipalByAPIKeyHash(ctx context.Context, keyHash string) (string, error) {
	var user string
	err := r.readDB.QueryRowContext(ctx, `
		SELECT user_id FROM api_keys
		WHERE key_hash = ? AND (expires_at IS NULL OR expires_at > ?)
	`, keyHash, toMillis(r.now())).Scan(&user)
	if err != nil {
		return "", mapDBError(err)
	}
	return user, nil
}

// ListForUser returns the keys of userID, newest first.
func (r *APIKeyRepo) ListForUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT id, user_id, name, key_prefix, key_hash, created_at, expires_at
		FROM api_keys WHERE user_id = ?
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.APIKey
	for rows.Next() {
		var (
			k       domain.APIKey
			created int64
			expires sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.KeyHash, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.CreatedAt = fromMillis(created)
		if expires.Valid {
			t := fromMillis(expires.Int64)
			k.ExpiresAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Delete removes the key with id.
func (r *APIKeyRepo) Delete(ctx context.Context, id string) error {
	res, err := r.writeDB.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("api key %q not found", id)
	}
	return nil
}
