package storage

import (
	"context"
	"fmt"
	"sync"

	"querydesk/internal/domain"
)

var _ domain.BlobStore = (*Memory)(nil)

// Memory keeps blobs in process memory.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put implements domain.BlobStore.
func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	if key == "" {
		return fmt.Errorf("object key is required")
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.blobs[key] = buf
	m.mu.Unlock()
	return nil
}

// Get implements domain.BlobStore.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, domain.ErrBlobNotFound
	}
	return b, nil
}

// Delete implements domain.BlobStore. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
