package ratelimit_test

import (
	"testing"
	"time"

	"github.com/onceguard/onceguard/domain/ratelimit"
)

var baseNanos = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC).UnixNano()

func singleLimit(capacity int64, refill time.Duration) ratelimit.BucketConfig {
	return ratelimit.BucketConfig{Limits: []ratelimit.Bandwidth{
		{Capacity: capacity, RefillPeriod: refill},
	}}
}

func TestConsume_DrainsThenRejects(t *testing.T) {
	cfg := singleLimit(5, 10*time.Second)
	state := ratelimit.NewBucketState(cfg, baseNanos)

	for i := 0; i < 5; i++ {
		var res ratelimit.ConsumeResult
		res, state = ratelimit.Consume(state, cfg, 1, baseNanos)
		if !res.Consumed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
		if want := int64(4 - i); res.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, _ := ratelimit.Consume(state, cfg, 1, baseNanos)
	if res.Consumed {
		t.Fatal("6th request should be rejected")
	}
	if res.NanosToRefill <= 0 {
		t.Error("rejection must report a positive wait")
	}
	// 5 tokens per 10s: one token takes 2s to accrue.
	if got := ratelimit.RetryAfterSeconds(res.NanosToRefill); got != 2 {
		t.Errorf("retry after = %d, want 2", got)
	}
}

func TestConsume_GreedyRefill(t *testing.T) {
	cfg := singleLimit(5, 10*time.Second)
	state := ratelimit.NewBucketState(cfg, baseNanos)

	// Drain completely.
	for i := 0; i < 5; i++ {
		_, state = ratelimit.Consume(state, cfg, 1, baseNanos)
	}

	// 2 seconds later exactly one token has accrued.
	later := baseNanos + (2 * time.Second).Nanoseconds()
	res, state := ratelimit.Consume(state, cfg, 1, later)
	if !res.Consumed {
		t.Fatal("one token should be available after 2s")
	}

	res, _ = ratelimit.Consume(state, cfg, 1, later)
	if res.Consumed {
		t.Fatal("second token should not be available yet")
	}
}

func TestConsume_FullWindowRestores(t *testing.T) {
	cfg := singleLimit(5, 10*time.Second)
	state := ratelimit.NewBucketState(cfg, baseNanos)

	for i := 0; i < 5; i++ {
		_, state = ratelimit.Consume(state, cfg, 1, baseNanos)
	}

	later := baseNanos + (10 * time.Second).Nanoseconds()
	res, _ := ratelimit.Consume(state, cfg, 1, later)
	if !res.Consumed {
		t.Fatal("full refill window should restore capacity")
	}
	if res.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", res.Remaining)
	}
}

func TestConsume_CapsAtCapacity(t *testing.T) {
	cfg := singleLimit(5, 10*time.Second)
	state := ratelimit.NewBucketState(cfg, baseNanos)

	// Idle far longer than the refill period: tokens must not exceed capacity.
	later := baseNanos + time.Hour.Nanoseconds()
	res, _ := ratelimit.Consume(state, cfg, 1, later)
	if res.Remaining != 4 {
		t.Errorf("remaining = %d, want 4 (capacity cap)", res.Remaining)
	}
}

func TestConsume_MultiBandwidth(t *testing.T) {
	// Burst of 2 per second plus a sustained 3 per minute.
	cfg := ratelimit.BucketConfig{Limits: []ratelimit.Bandwidth{
		{Capacity: 2, RefillPeriod: time.Second},
		{Capacity: 3, RefillPeriod: time.Minute},
	}}
	state := ratelimit.NewBucketState(cfg, baseNanos)

	var res ratelimit.ConsumeResult
	for i := 0; i < 2; i++ {
		res, state = ratelimit.Consume(state, cfg, 1, baseNanos)
		if !res.Consumed {
			t.Fatalf("request %d rejected within burst", i+1)
		}
	}

	// Burst exhausted even though sustained still has a token.
	res, state = ratelimit.Consume(state, cfg, 1, baseNanos)
	if res.Consumed {
		t.Fatal("burst dimension should reject the 3rd immediate request")
	}

	// After the burst refills, the sustained dimension becomes the limit.
	later := baseNanos + (2 * time.Second).Nanoseconds()
	res, state = ratelimit.Consume(state, cfg, 1, later)
	if !res.Consumed {
		t.Fatal("3rd request should pass after burst refill")
	}
	res, _ = ratelimit.Consume(state, cfg, 1, later+time.Second.Nanoseconds())
	if res.Consumed {
		t.Fatal("sustained dimension should reject the 4th request")
	}
	// Sustained refills 3/min: next token in 20s.
	if got := ratelimit.RetryAfterSeconds(res.NanosToRefill); got < 15 || got > 20 {
		t.Errorf("retry after = %d, want close to 20", got)
	}
}

func TestConsume_StateShapeMismatchResets(t *testing.T) {
	cfg := singleLimit(5, 10*time.Second)

	// Stale state compiled from an older two-bandwidth config.
	stale := ratelimit.BucketState{Limits: []ratelimit.BandwidthState{
		{Tokens: 0, RefillNanos: baseNanos},
		{Tokens: 0, RefillNanos: baseNanos},
	}}

	res, _ := ratelimit.Consume(stale, cfg, 1, baseNanos)
	if !res.Consumed {
		t.Fatal("shape mismatch should reset to a full bucket")
	}
}

func TestRetryAfterSeconds_FlooredAtOne(t *testing.T) {
	if got := ratelimit.RetryAfterSeconds(1); got != 1 {
		t.Errorf("RetryAfterSeconds(1ns) = %d, want 1", got)
	}
	if got := ratelimit.RetryAfterSeconds(0); got != 1 {
		t.Errorf("RetryAfterSeconds(0) = %d, want 1", got)
	}
	if got := ratelimit.RetryAfterSeconds((2500 * time.Millisecond).Nanoseconds()); got != 3 {
		t.Errorf("RetryAfterSeconds(2.5s) = %d, want 3 (round up)", got)
	}
}
