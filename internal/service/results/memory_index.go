package results

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"querydesk/internal/domain"
)

var _ domain.ResultIndex = (*MemoryIndex)(nil)

// MemoryIndex is an in-process ResultIndex.
type MemoryIndex struct {
	mu      sync.Mutex
	results map[string]*domain.StoredResult
	tokens  map[string]*domain.DownloadToken
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		results: make(map[string]*domain.StoredResult),
		tokens:  make(map[string]*domain.DownloadToken),
	}
}

// Save implements domain.ResultIndex.
func (m *MemoryIndex) Save(_ context.Context, res *domain.StoredResult, tokens []domain.DownloadToken) error {
	if res == nil || res.ExecutionID == "" {
		return domain.ErrValidation("stored result requires an execution id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.ExecutionID] = cloneResult(res)
	for _, t := range tokens {
		m.tokens[t.Token] = &t
	}
	return nil
}

// Get implements domain.ResultIndex.
func (m *MemoryIndex) Get(_ context.Context, executionID string) (*domain.StoredResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[executionID]
	if !ok {
		return nil, domain.ErrNotFound("stored result %q not found", executionID)
	}
	return cloneResult(res), nil
}

// AddToken implements domain.ResultIndex.
func (m *MemoryIndex) AddToken(_ context.Context, t domain.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[t.ExecutionID]; !ok {
		return domain.ErrNotFound("stored result %q not found", t.ExecutionID)
	}
	m.tokens[t.Token] = &t
	return nil
}

// ConsumeToken implements domain.ResultIndex.
func (m *MemoryIndex) ConsumeToken(_ context.Context, token, executionID, format string, now time.Time) (*domain.DownloadToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.ExecutionID != executionID || t.Format != format || !t.Usable(now) {
		return nil, &domain.InvalidDownloadTokenError{ExecutionID: executionID}
	}
	t.UseCount++
	out := *t
	return &out, nil
}

// ReleaseToken implements domain.ResultIndex.
func (m *MemoryIndex) ReleaseToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok && t.UseCount > 0 {
		t.UseCount--
	}
	return nil
}

// ListExpired implements domain.ResultIndex.
func (m *MemoryIndex) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.StoredResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.StoredResult
	for _, res := range m.results {
		if res.Expired(now) {
			out = append(out, cloneResult(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements domain.ResultIndex.
func (m *MemoryIndex) Delete(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, executionID)
	for k, t := range m.tokens {
		if t.ExecutionID == executionID {
			delete(m.tokens, k)
		}
	}
	return nil
}

func cloneResult(res *domain.StoredResult) *domain.StoredResult {
	out := *res
	out.Columns = slices.Clone(res.Columns)
	out.Artifacts = maps.Clone(res.Artifacts)
	return &out
}
