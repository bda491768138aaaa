package memory

import (
	"context"
	"sync"
	"time"

	"github.com/onceguard/onceguard/domain/idempotency"
	"github.com/onceguard/onceguard/ports"
)

type recordEntry struct {
	rec       idempotency.Record
	expiresAt time.Time
}

// RecordStore is an in-memory implementation of ports.RecordStore.
// Expiry is checked lazily on access against the injected clock, so a
// fake clock drives TTL behavior in tests. Suitable for single-node
// deployments and tests; use the Redis store for shared state.
type RecordStore struct {
	mu      sync.Mutex
	clock   ports.Clock
	entries map[string]recordEntry
}

// NewRecordStore creates a new in-memory record store.
func NewRecordStore(clock ports.Clock) *RecordStore {
	return &RecordStore{
		clock:   clock,
		entries: make(map[string]recordEntry),
	}
}

// SetIfAbsent stores rec under key unless a live entry exists.
func (s *RecordStore) SetIfAbsent(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = recordEntry{rec: rec, expiresAt: now.Add(ttl)}
	return true, nil
}

// Get retrieves the live record under key.
func (s *RecordStore) Get(ctx context.Context, key string) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return idempotency.Record{}, false, nil
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return idempotency.Record{}, false, nil
	}
	return e.rec, true, nil
}

// Set unconditionally stores rec under key with a fresh TTL.
func (s *RecordStore) Set(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = recordEntry{rec: rec, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// Clear removes all entries (for testing).
func (s *RecordStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]recordEntry)
}

// Ensure interface compliance.
var _ ports.RecordStore = (*RecordStore)(nil)
