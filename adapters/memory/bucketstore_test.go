package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/onceguard/onceguard/adapters/clock"
	"github.com/onceguard/onceguard/adapters/memory"
	"github.com/onceguard/onceguard/domain/ratelimit"
)

func TestBucketStore_TryConsume(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	store := memory.NewBucketStore(fake)
	ctx := context.Background()
	cfg := ratelimit.BucketConfig{Limits: []ratelimit.Bandwidth{
		{Capacity: 3, RefillPeriod: 30 * time.Second},
	}}

	for i := 0; i < 3; i++ {
		res, err := store.TryConsume(ctx, "RATELIM:USR:1:p", cfg, 1)
		if err != nil {
			t.Fatalf("TryConsume: %v", err)
		}
		if !res.Consumed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
	}

	res, err := store.TryConsume(ctx, "RATELIM:USR:1:p", cfg, 1)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if res.Consumed {
		t.Fatal("drained bucket should reject")
	}
	if res.NanosToRefill <= 0 {
		t.Error("rejection should report a wait")
	}

	// One token accrues every 10 seconds.
	fake.Advance(10 * time.Second)
	res, err = store.TryConsume(ctx, "RATELIM:USR:1:p", cfg, 1)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if !res.Consumed {
		t.Error("refilled token should be consumable")
	}
}

func TestBucketStore_KeysAreIndependent(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	store := memory.NewBucketStore(fake)
	ctx := context.Background()
	cfg := ratelimit.BucketConfig{Limits: []ratelimit.Bandwidth{
		{Capacity: 1, RefillPeriod: time.Minute},
	}}

	if res, _ := store.TryConsume(ctx, "RATELIM:USR:1:p", cfg, 1); !res.Consumed {
		t.Fatal("first caller should consume")
	}
	if res, _ := store.TryConsume(ctx, "RATELIM:USR:1:p", cfg, 1); res.Consumed {
		t.Fatal("first caller should now be drained")
	}
	if res, _ := store.TryConsume(ctx, "RATELIM:USR:2:p", cfg, 1); !res.Consumed {
		t.Error("second caller should have its own bucket")
	}
}

func TestBucketStore_EntryExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	store := memory.NewBucketStore(fake)
	ctx := context.Background()
	cfg := ratelimit.BucketConfig{Limits: []ratelimit.Bandwidth{
		{Capacity: 1, RefillPeriod: time.Minute},
	}}

	if _, err := store.TryConsume(ctx, "k", cfg, 1); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}

	// ExpireAfter is twice the longest refill period.
	fake.Advance(2 * time.Minute)
	if store.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expiry", store.Len())
	}
}
