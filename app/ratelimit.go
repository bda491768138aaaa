package app

import (
	"context"
	"sync/atomic"

	"github.com/onceguard/onceguard/domain/ratelimit"
	"github.com/onceguard/onceguard/ports"
)

// Caller identifies who is asking, for bucket key derivation.
type Caller struct {
	// UserID is the authenticated identity, empty for anonymous callers.
	UserID    string
	IP        string
	UserAgent string
}

// CheckResult is the outcome of one rate limit evaluation.
type CheckResult struct {
	// Allowed is true when the request may proceed. Unmatched and
	// whitelisted requests are always allowed.
	Allowed bool
	// Matched is true when a policy applied to the request.
	Matched bool
	Policy  string
	Key     string
	// Remaining is the lowest token count across the policy's
	// bandwidths after this evaluation.
	Remaining int64
	// RetryAfterSeconds is set when the request was throttled.
	RetryAfterSeconds int64
	// AddHeaders mirrors the registry setting so the transport layer
	// knows whether to emit RateLimit headers.
	AddHeaders bool
	// FailOpen is true when the bucket store was unreachable.
	FailOpen bool
}

// RateLimitService evaluates requests against the compiled policy
// registry and consumes from the matching bucket.
type RateLimitService struct {
	buckets  ports.BucketStore
	metrics  ports.Metrics
	registry atomic.Pointer[ratelimit.Registry]
}

// NewRateLimitService creates the service with its initial registry.
func NewRateLimitService(buckets ports.BucketStore, metrics ports.Metrics, reg *ratelimit.Registry) *RateLimitService {
	s := &RateLimitService{buckets: buckets, metrics: metrics}
	s.registry.Store(reg)
	return s
}

// UpdateRegistry swaps the policy registry. Thread-safe; callable while
// handling requests.
func (s *RateLimitService) UpdateRegistry(reg *ratelimit.Registry) {
	s.registry.Store(reg)
}

// Check evaluates one request. A caller is bucketed by identity for USER
// policies when authenticated, otherwise by hashed IP and user agent.
// Store failures fail open: an unreachable bucket store must not turn
// into an outage.
func (s *RateLimitService) Check(ctx context.Context, caller Caller, method, path string) CheckResult {
	reg := s.registry.Load()

	if !reg.Enabled() || reg.IsWhitelisted(path) {
		return CheckResult{Allowed: true}
	}

	matched, ok := reg.Match(path, method)
	if !ok {
		return CheckResult{Allowed: true}
	}

	key := bucketKey(caller, matched)
	res, err := s.buckets.TryConsume(ctx, key, matched.Bucket, 1)
	if err != nil {
		s.metrics.RecordStoreError("bucket", "try_consume")
		s.metrics.RecordRateLimitDecision(matched.Name, "fail_open")
		return CheckResult{
			Allowed:    true,
			Matched:    true,
			Policy:     matched.Name,
			Key:        key,
			AddHeaders: false,
			FailOpen:   true,
		}
	}

	out := CheckResult{
		Allowed:    res.Consumed,
		Matched:    true,
		Policy:     matched.Name,
		Key:        key,
		Remaining:  res.Remaining,
		AddHeaders: reg.AddHeaders(),
	}
	if res.Consumed {
		s.metrics.RecordRateLimitDecision(matched.Name, "allowed")
	} else {
		out.RetryAfterSeconds = ratelimit.RetryAfterSeconds(res.NanosToRefill)
		s.metrics.RecordRateLimitDecision(matched.Name, "throttled")
	}
	return out
}

func bucketKey(caller Caller, matched ratelimit.MatchedPolicy) string {
	if matched.Strategy == ratelimit.KeyUser && caller.UserID != "" {
		return ratelimit.UserBucketKey(caller.UserID, matched.Name)
	}
	return ratelimit.IPUABucketKey(caller.IP, caller.UserAgent, matched.Name)
}
