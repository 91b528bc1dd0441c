// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase.
package testutil

import (
	"context"
	"sync"
	"time"

	"querydesk/internal/domain"
)

// === Usage Counter Store Mock ===

// MockUsageStore implements domain.UsageCounterStore for testing.
type MockUsageStore struct {
	IncrementIfBelowFn func(ctx context.Context, key domain.UsageKey, limit int64) (int64, bool, error)
	DecrementFn        func(ctx context.Context, key domain.UsageKey) error
	CountFn            func(ctx context.Context, key domain.UsageKey) (int64, error)
	DeleteBeforeFn     func(ctx context.Context, t time.Time) (int64, error)
}

// IncrementIfBelow implements the interface method for testing.
func (m *MockUsageStore) IncrementIfBelow(ctx context.Context, key domain.UsageKey, limit int64) (int64, bool, error) {
	if m.IncrementIfBelowFn != nil {
		return m.IncrementIfBelowFn(ctx, key, limit)
	}
	panic("unexpected call to MockUsageStore.IncrementIfBelow")
}

// Decrement implements the interface method for testing.
func (m *MockUsageStore) Decrement(ctx context.Context, key domain.UsageKey) error {
	if m.DecrementFn != nil {
		return m.DecrementFn(ctx, key)
	}
	return nil
}

// Count implements the interface method for testing.
func (m *MockUsageStore) Count(ctx context.Context, key domain.UsageKey) (int64, error) {
	if m.CountFn != nil {
		return m.CountFn(ctx, key)
	}
	return 0, nil
}

// DeleteBefore implements the interface method for testing.
func (m *MockUsageStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	if m.DeleteBeforeFn != nil {
		return m.DeleteBeforeFn(ctx, t)
	}
	return 0, nil
}

var _ domain.UsageCounterStore = (*MockUsageStore)(nil)

// === Engine Adapter Spy ===

// EngineCall records one Query invocation.
type EngineCall struct {
	SQL   string
	Limit int
}

// MockEngineAdapter implements domain.EngineAdapter and records every call.
type MockEngineAdapter struct {
	EngineName string
	QueryFn    func(ctx context.Context, sql string, limit int) ([]string, []domain.Row, error)

	mu     sync.Mutex
	calls  []EngineCall
	closed bool
}

// Name implements the interface method for testing.
func (m *MockEngineAdapter) Name() string { return m.EngineName }

// Query implements the interface method for testing.
func (m *MockEngineAdapter) Query(ctx context.Context, sql string, limit int) ([]string, []domain.Row, error) {
	m.mu.Lock()
	m.calls = append(m.calls, EngineCall{SQL: sql, Limit: limit})
	m.mu.Unlock()
	if m.QueryFn != nil {
		return m.QueryFn(ctx, sql, limit)
	}
	return []string{}, []domain.Row{}, nil
}

// Close implements the interface method for testing.
func (m *MockEngineAdapter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns a copy of the recorded Query calls.
func (m *MockEngineAdapter) Calls() []EngineCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EngineCall(nil), m.calls...)
}

// Closed reports whether Close was called.
func (m *MockEngineAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ domain.EngineAdapter = (*MockEngineAdapter)(nil)

// Rows builds domain rows from column names and positional values.
func Rows(columns []string, values ...[]interface{}) []domain.Row {
	out := make([]domain.Row, 0, len(values))
	for _, v := range values {
		out = append(out, domain.NewRow(columns, v))
	}
	return out
}

// === Blob Store Mock ===

// MockBlobStore implements domain.BlobStore for testing.
type MockBlobStore struct {
	PutFn    func(ctx context.Context, key string, data []byte, contentType string) error
	GetFn    func(ctx context.Context, key string) ([]byte, error)
	DeleteFn func(ctx context.Context, key string) error
}

// Put implements the interface method for testing.
func (m *MockBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if m.PutFn != nil {
		return m.PutFn(ctx, key, data, contentType)
	}
	panic("unexpected call to MockBlobStore.Put")
}

// Get implements the interface method for testing.
func (m *MockBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	panic("unexpected call to MockBlobStore.Get")
}

// Delete implements the interface method for testing.
func (m *MockBlobStore) Delete(ctx context.Context, key string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, key)
	}
	return nil
}

var _ domain.BlobStore = (*MockBlobStore)(nil)
