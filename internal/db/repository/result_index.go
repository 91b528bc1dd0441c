package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"querydesk/internal/domain"
)

var _ domain.ResultIndex = (*ResultIndexRepo)(nil)

// ResultIndexRepo stores result metadata and download tokens in SQLite.
type ResultIndexRepo struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

// NewResultIndexRepo creates a ResultIndexRepo. readDB may be nil.
func NewResultIndexRepo(writeDB, readDB *sql.DB) *ResultIndexRepo {
	if readDB == nil {
		readDB = writeDB
	}
	return &ResultIndexRepo{writeDB: writeDB, readDB: readDB}
}

// Save implements domain.ResultIndex.
func (r *ResultIndexRepo) Save(ctx context.Context, res *domain.StoredResult, tokens []domain.DownloadToken) error {
	if res == nil || res.ExecutionID == "" {
		return domain.ErrValidation("stored result requires an execution id")
	}
	columnsJSON, err := json.Marshal(res.Columns)
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}

	tx, err := r.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stored_results (execution_id, owner_id, columns_json, row_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, res.ExecutionID, res.OwnerID, string(columnsJSON), res.RowCount, toMillis(res.CreatedAt), toMillis(res.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert stored result: %w", err)
	}

	for _, a := range res.Artifacts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO result_artifacts (execution_id, format, blob_key, content_type, size_bytes)
			VALUES (?, ?, ?, ?, ?)
		`, res.ExecutionID, a.Format, a.BlobKey, a.ContentType, a.SizeBytes)
		if err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.Format, err)
		}
	}

	for _, t := range tokens {
		if err := insertToken(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stored result: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t domain.DownloadToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO download_tokens (token, execution_id, format, issued_at, expires_at, max_uses, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Token, t.ExecutionID, t.Format, toMillis(t.IssuedAt), toMillis(t.ExpiresAt), t.MaxUses, t.UseCount)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return domain.ErrNotFound("stored result %q not found", t.ExecutionID)
		}
		return fmt.Errorf("insert download token: %w", err)
	}
	return nil
}

// Get implements domain.ResultIndex.
func (r *ResultIndexRepo) Get(ctx context.Context, executionID string) (*domain.StoredResult, error) {
	var (
		res         domain.StoredResult
		columnsJSON string
		createdAt   int64
		expiresAt   int64
	)
	err := r.readDB.QueryRowContext(ctx, `
		SELECT execution_id, owner_id, columns_json, row_count, created_at, expires_at
		FROM stored_results WHERE execution_id = ?
	`, executionID).Scan(&res.ExecutionID, &res.OwnerID, &columnsJSON, &res.RowCount, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("stored result %q not found", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get stored result: %w", err)
	}
	if err := json.Unmarshal([]byte(columnsJSON), &res.Columns); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	res.CreatedAt = fromMillis(createdAt)
	res.ExpiresAt = fromMillis(expiresAt)

	rows, err := r.readDB.QueryContext(ctx, `
		SELECT format, blob_key, content_type, size_bytes
		FROM result_artifacts WHERE execution_id = ?
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	res.Artifacts = make(map[string]domain.Artifact)
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.Format, &a.BlobKey, &a.ContentType, &a.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		res.Artifacts[a.Format] = a
	}
	return &res, rows.Err()
}

// AddToken implements domain.ResultIndex.
func (r *ResultIndexRepo) AddToken(ctx context.Context, t domain.DownloadToken) error {
	return insertToken(ctx, r.writeDB, t)
}

// ConsumeToken implements domain.ResultIndex. The check and the use-count
// increment are a single UPDATE on the write pool.
func (r *ResultIndexRepo) ConsumeToken(ctx context.Context, token, executionID, format string, now time.Time) (*domain.DownloadToken, error) {
	var (
		t         domain.DownloadToken
		issuedAt  int64
		expiresAt int64
	)
	err := r.writeDB.QueryRowContext(ctx, `
		UPDATE download_tokens SET use_count = use_count + 1
		WHERE token = ? AND execution_id = ? AND format = ?
		  AND use_count < max_uses AND expires_at > ?
		RETURNING token, execution_id, format, issued_at, expires_at, max_uses, use_count
	`, token, executionID, format, toMillis(now)).Scan(
		&t.Token, &t.ExecutionID, &t.Format, &issuedAt, &expiresAt, &t.MaxUses, &t.UseCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.InvalidDownloadTokenError{ExecutionID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("consume download token: %w", err)
	}
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	return &t, nil
}

// ReleaseToken implements domain.ResultIndex.
func (r *ResultIndexRepo) ReleaseToken(ctx context.Context, token string) error {
	_, err := r.writeDB.ExecContext(ctx,
		`UPDATE download_tokens SET use_count = use_count - 1 WHERE token = ? AND use_count > 0`, token)
	if err != nil {
		return fmt.Errorf("release download token: %w", err)
	}
	return nil
}

// ListExpired implements domain.ResultIndex.
func (r *ResultIndexRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.StoredResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT execution_id FROM stored_results
		WHERE expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired results: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired result: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.StoredResult, 0, len(ids))
	for _, id := range ids {
		res, err := r.Get(ctx, id)
		if err != nil {
			var nf *domain.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Delete implements domain.ResultIndex. Artifacts and tokens cascade.
func (r *ResultIndexRepo) Delete(ctx context.Context, executionID string) error {
	_, err := r.writeDB.ExecContext(ctx, `DELETE FROM stored_results WHERE execution_id = ?`, executionID)
	return mapDBError(err)
}
