// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/onceguard/onceguard/domain/audit"
	"github.com/onceguard/onceguard/domain/idempotency"
	"github.com/onceguard/onceguard/domain/ratelimit"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// RecordStore persists idempotency records under TTL-bound keys.
type RecordStore interface {
	// SetIfAbsent stores a record only when no value exists for key.
	// Returns true when this call created the entry.
	SetIfAbsent(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) (bool, error)

	// Get retrieves the record stored under key. Returns found=false
	// when the key is absent or expired.
	Get(ctx context.Context, key string) (rec idempotency.Record, found bool, err error)

	// Set unconditionally stores a record, replacing any existing value
	// and resetting its TTL.
	Set(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) error
}

// BucketStore holds token bucket state and performs atomic consumption.
type BucketStore interface {
	// TryConsume atomically refills the bucket under key and consumes
	// tokens from it when every bandwidth has capacity. Missing or
	// stale state initializes to a full bucket.
	TryConsume(ctx context.Context, key string, cfg ratelimit.BucketConfig, tokens int64) (ratelimit.ConsumeResult, error)
}

// AuditStore persists middleware decision events.
type AuditStore interface {
	// RecordBatch appends a batch of events.
	RecordBatch(ctx context.Context, events []audit.Event) error

	// Query returns up to limit most recent events, newest first.
	// An empty Kind matches all kinds.
	Query(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error)
}

// -----------------------------------------------------------------------------
// Service Ports
// -----------------------------------------------------------------------------

// AuditRecorder accepts decision events for asynchronous persistence.
type AuditRecorder interface {
	// Record enqueues a single event. Must not block the request path.
	Record(e audit.Event)

	// Flush forces buffered events to storage.
	Flush(ctx context.Context) error

	// Close flushes and stops the recorder.
	Close() error
}

// Metrics records operational counters for middleware decisions.
type Metrics interface {
	RecordIdempotencyDecision(decision string)
	RecordRateLimitDecision(policy, decision string)
	RecordStoreError(store, op string)
	RecordRequest(method, path string, status int, duration time.Duration)
}
