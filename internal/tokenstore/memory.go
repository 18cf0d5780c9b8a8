package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Contents are lost on restart,
// making it suitable for tests and single-run tooling only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Compile-time check to ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the value stored under key, or ErrNotFound if absent or expired.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set stores value under key for the given time-to-live.
func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
