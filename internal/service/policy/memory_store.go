package policy

import (
	"context"
	"sync"
	"time"

	"querydesk/internal/domain"
)

var _ domain.UsageCounterStore = (*MemoryStore)(nil)

// MemoryStore is an in-process UsageCounterStore guarded by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[domain.UsageKey]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[domain.UsageKey]int64)}
}

// IncrementIfBelow implements domain.UsageCounterStore.
func (m *MemoryStore) IncrementIfBelow(_ context.Context, key domain.UsageKey, limit int64) (int64, bool, error) {
	key.Start = key.Start.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.counters[key]
	if cur >= limit {
		return cur, false, nil
	}
	cur++
	m.counters[key] = cur
	return cur, true, nil
}

// Decrement implements domain.UsageCounterStore.
func (m *MemoryStore) Decrement(_ context.Context, key domain.UsageKey) error {
	key.Start = key.Start.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.counters[key]; cur > 1 {
		m.counters[key] = cur - 1
	} else {
		delete(m.counters, key)
	}
	return nil
}

// Count implements domain.UsageCounterStore.
func (m *MemoryStore) Count(_ context.Context, key domain.UsageKey) (int64, error) {
	key.Start = key.Start.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}

// DeleteBefore implements domain.UsageCounterStore.
func (m *MemoryStore) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k := range m.counters {
		if k.Start.Before(t) {
			delete(m.counters, k)
			n++
		}
	}
	return n, nil
}
