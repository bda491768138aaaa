package memory

import (
	"context"
	"sync"
	"time"

	"github.com/onceguard/onceguard/domain/ratelimit"
	"github.com/onceguard/onceguard/ports"
)

type bucketEntry struct {
	state     ratelimit.BucketState
	expiresAt time.Time
}

// BucketStore is an in-memory implementation of ports.BucketStore.
// The mutex makes refill-and-consume atomic the way the Redis script
// does server-side. Entries past their expiry are treated as absent.
type BucketStore struct {
	mu      sync.Mutex
	clock   ports.Clock
	buckets map[string]bucketEntry
}

// NewBucketStore creates a new in-memory bucket store.
func NewBucketStore(clock ports.Clock) *BucketStore {
	return &BucketStore{
		clock:   clock,
		buckets: make(map[string]bucketEntry),
	}
}

// TryConsume refills the bucket under key and consumes tokens when
// every bandwidth has capacity.
func (s *BucketStore) TryConsume(ctx context.Context, key string, cfg ratelimit.BucketConfig, tokens int64) (ratelimit.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	state := ratelimit.NewBucketState(cfg, now.UnixNano())
	if e, ok := s.buckets[key]; ok && now.Before(e.expiresAt) {
		state = e.state
	}

	res, next := ratelimit.Consume(state, cfg, tokens, now.UnixNano())
	s.buckets[key] = bucketEntry{state: next, expiresAt: now.Add(cfg.ExpireAfter())}
	return res, nil
}

// Len reports the number of live buckets (for testing).
func (s *BucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for _, e := range s.buckets {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Clear removes all buckets (for testing).
func (s *BucketStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]bucketEntry)
}

// Ensure interface compliance.
var _ ports.BucketStore = (*BucketStore)(nil)
