// Package ratelimit provides pure rate limiting primitives: greedy
// token-bucket math, policy compilation and matching, and bucket key
// derivation. All functions are deterministic - same input always produces
// same output. Shared-store coordination lives in adapters.
package ratelimit

import "time"

// Bandwidth is one refill dimension of a bucket: Capacity tokens refilled
// greedily (continuously) over RefillPeriod.
type Bandwidth struct {
	Capacity     int64
	RefillPeriod time.Duration
}

// BucketConfig describes a bucket as an ordered list of bandwidths. A
// request is admitted only when every bandwidth has a token (e.g. burst +
// sustained limits in one bucket).
type BucketConfig struct {
	Limits []Bandwidth
}

// ExpireAfter returns how long an idle bucket's state stays meaningful:
// twice the slowest full refill. Stores use it as the state TTL so idle
// callers do not leak.
func (c BucketConfig) ExpireAfter() time.Duration {
	var max time.Duration
	for _, bw := range c.Limits {
		if bw.RefillPeriod > max {
			max = bw.RefillPeriod
		}
	}
	if max == 0 {
		max = time.Minute
	}
	return 2 * max
}

// BandwidthState is the persisted state of one bandwidth: available tokens
// and the nano timestamp up to which refill has been accounted.
type BandwidthState struct {
	Tokens      int64 `json:"tokens"`
	RefillNanos int64 `json:"refillNanos"`
}

// BucketState holds one BandwidthState per configured bandwidth, in
// declaration order.
type BucketState struct {
	Limits []BandwidthState `json:"limits"`
}

// NewBucketState returns a full bucket at the given time.
func NewBucketState(cfg BucketConfig, nowNanos int64) BucketState {
	limits := make([]BandwidthState, len(cfg.Limits))
	for i, bw := range cfg.Limits {
		limits[i] = BandwidthState{Tokens: bw.Capacity, RefillNanos: nowNanos}
	}
	return BucketState{Limits: limits}
}

// ConsumeResult is the outcome of a consumption attempt.
type ConsumeResult struct {
	Consumed      bool
	Remaining     int64 // min available tokens across bandwidths after the attempt
	NanosToRefill int64 // wait until the requested tokens become available (0 if consumed)
}

// Consume attempts to take tokens from every bandwidth of the bucket.
// This is a PURE function: it returns the new state, the caller persists it.
// On rejection the refilled state is still returned so accounting advances.
//
// Refill is greedy: elapsed * capacity / period tokens become available
// continuously, with sub-token remainders carried in RefillNanos.
func Consume(state BucketState, cfg BucketConfig, tokens int64, nowNanos int64) (ConsumeResult, BucketState) {
	if len(state.Limits) != len(cfg.Limits) {
		// Config changed shape (or first sighting): start from a full bucket.
		state = NewBucketState(cfg, nowNanos)
	}

	next := BucketState{Limits: make([]BandwidthState, len(cfg.Limits))}
	for i, bw := range cfg.Limits {
		next.Limits[i] = refill(state.Limits[i], bw, nowNanos)
	}

	admit := true
	for i := range cfg.Limits {
		if next.Limits[i].Tokens < tokens {
			admit = false
			break
		}
	}

	if admit {
		remaining := int64(-1)
		for i := range next.Limits {
			next.Limits[i].Tokens -= tokens
			if remaining < 0 || next.Limits[i].Tokens < remaining {
				remaining = next.Limits[i].Tokens
			}
		}
		return ConsumeResult{Consumed: true, Remaining: remaining}, next
	}

	var wait int64
	remaining := int64(-1)
	for i, bw := range cfg.Limits {
		st := next.Limits[i]
		if remaining < 0 || st.Tokens < remaining {
			remaining = st.Tokens
		}
		if st.Tokens >= tokens {
			continue
		}
		if w := nanosUntil(st, bw, tokens, nowNanos); w > wait {
			wait = w
		}
	}
	return ConsumeResult{Consumed: false, Remaining: remaining, NanosToRefill: wait}, next
}

// refill advances one bandwidth's accounting to now.
func refill(st BandwidthState, bw Bandwidth, nowNanos int64) BandwidthState {
	if bw.Capacity <= 0 || bw.RefillPeriod <= 0 {
		return st
	}
	if st.RefillNanos == 0 {
		// Unseen bandwidth: full bucket.
		return BandwidthState{Tokens: bw.Capacity, RefillNanos: nowNanos}
	}
	elapsed := nowNanos - st.RefillNanos
	if elapsed <= 0 {
		return st
	}

	periodNanos := bw.RefillPeriod.Nanoseconds()
	add := elapsed * bw.Capacity / periodNanos
	if add <= 0 {
		return st
	}

	tokens := st.Tokens + add
	if tokens >= bw.Capacity {
		return BandwidthState{Tokens: bw.Capacity, RefillNanos: nowNanos}
	}
	// Carry the sub-token remainder: only advance by the time the added
	// tokens actually took to accrue.
	accounted := add * periodNanos / bw.Capacity
	return BandwidthState{Tokens: tokens, RefillNanos: st.RefillNanos + accounted}
}

// nanosUntil returns how long until the bandwidth holds the requested
// number of tokens, rounded up.
func nanosUntil(st BandwidthState, bw Bandwidth, tokens, nowNanos int64) int64 {
	deficit := tokens - st.Tokens
	if deficit <= 0 {
		return 0
	}
	periodNanos := bw.RefillPeriod.Nanoseconds()
	need := (deficit*periodNanos + bw.Capacity - 1) / bw.Capacity

	// Credit refill time already elapsed since the last accounted instant.
	elapsed := nowNanos - st.RefillNanos
	if elapsed > 0 {
		need -= elapsed
	}
	if need < 1 {
		need = 1
	}
	return need
}

// RetryAfterSeconds converts a nanos-to-refill value into a Retry-After
// header value: rounded up to whole seconds, floored at 1.
func RetryAfterSeconds(nanosToRefill int64) int64 {
	secs := (nanosToRefill + int64(time.Second) - 1) / int64(time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
