package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/onceguard/onceguard/domain/idempotency"
)

// RecordStore keeps idempotency records as JSON strings with a TTL.
// The claim operation relies on SET NX being atomic on the server.
type RecordStore struct {
	client *goredis.Client
}

// NewRecordStore creates a Redis-backed record store.
func NewRecordStore(client *goredis.Client) *RecordStore {
	return &RecordStore{client: client}
}

// SetIfAbsent stores rec under key only if the key does not exist.
func (s *RecordStore) SetIfAbsent(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) (bool, error) {
	raw, err := rec.Marshal()
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	created, err := s.client.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return created, nil
}

// Get retrieves the record under key.
func (s *RecordStore) Get(ctx context.Context, key string) (idempotency.Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	rec, err := idempotency.Unmarshal(raw)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}

// Set unconditionally stores rec under key, resetting the TTL.
func (s *RecordStore) Set(ctx context.Context, key string, rec idempotency.Record, ttl time.Duration) error {
	raw, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
