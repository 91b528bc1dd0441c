package domain

import (
	"context"
	"errors"
	"time"
)

// UsageCounterStore is the shared, concurrency-safe store behind per-user
// rate limits. IncrementIfBelow must be atomic: two concurrent callers can
// never both observe count < limit for the last free slot.
type UsageCounterStore interface {
	// IncrementIfBelow increments the counter when it is below limit and
	// returns the resulting count. When the counter is already at or above
	// limit it returns the current count and ok=false.
	IncrementIfBelow(ctx context.Context, key UsageKey, limit int64) (count int64, ok bool, err error)
	// Decrement undoes one increment (used to roll back a multi-window check).
	Decrement(ctx context.Context, key UsageKey) error
	// Count returns the current value of the counter (zero if absent).
	Count(ctx context.Context, key UsageKey) (int64, error)
	// DeleteBefore removes counters whose window started before t.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// EngineAdapter executes rendered SQL against one external query engine.
type EngineAdapter interface {
	Name() string
	// Query runs sql and returns at most limit rows. Implementations must
	// honour ctx cancellation and release engine-side resources on return.
	Query(ctx context.Context, sql string, limit int) (columns []string, rows []Row, err error)
	// Close releases connections held by the adapter.
	Close() error
}

// ErrBlobNotFound is returned by BlobStore.Get for a missing key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore holds serialized result artifacts.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ResultIndex stores result metadata and download tokens. ConsumeToken must
// be an atomic check-and-mark.
type ResultIndex interface {
	// Save records a stored result together with its initial tokens.
	Save(ctx context.Context, result *StoredResult, tokens []DownloadToken) error
	// Get returns the stored result or a *NotFoundError.
	Get(ctx context.Context, executionID string) (*StoredResult, error)
	AddToken(ctx context.Context, token DownloadToken) error
	// ConsumeToken atomically validates and uses the token. It returns
	// *InvalidDownloadTokenError when the token is unknown, bound to another
	// (execution, format), expired, or exhausted.
	ConsumeToken(ctx context.Context, token, executionID, format string, now time.Time) (*DownloadToken, error)
	// ReleaseToken undoes one ConsumeToken. Unknown tokens are ignored.
	ReleaseToken(ctx context.Context, token string) error
	// ListExpired returns up to limit results that expired before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*StoredResult, error)
	// Delete removes a result and all of its tokens.
	Delete(ctx context.Context, executionID string) error
}

// SQLRenderer substitutes named parameters into templated SQL.
type SQLRenderer interface {
	Render(template string, params map[string]interface{}) (string, error)
}
