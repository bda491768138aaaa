// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onceguard/onceguard/domain/idempotency"
	"github.com/onceguard/onceguard/domain/pathmatch"
	"github.com/onceguard/onceguard/ports"
)

// IdempotencyOutcome is the decision for one guarded request.
type IdempotencyOutcome string

const (
	// OutcomeProceed means this request holds the claim and must execute.
	OutcomeProceed IdempotencyOutcome = "proceed"
	// OutcomeReplay means a completed snapshot exists and must be returned.
	OutcomeReplay IdempotencyOutcome = "replay"
	// OutcomeConflict means the token was reused with a different payload.
	OutcomeConflict IdempotencyOutcome = "conflict"
	// OutcomeInProgress means another request with the same token is
	// still executing (or recently failed).
	OutcomeInProgress IdempotencyOutcome = "in_progress"
)

// BeginResult is the outcome of attempting to claim an idempotency key.
type BeginResult struct {
	Outcome IdempotencyOutcome
	// Record is the stored record for replay outcomes and the claim
	// record for proceed outcomes.
	Record idempotency.Record
	// RetryAfterSeconds is set for in-progress outcomes.
	RetryAfterSeconds int
	// FailOpen is true when the store was unreachable and the request
	// proceeds unguarded.
	FailOpen bool
}

// IdempotencySettings is the declarative configuration for the service.
type IdempotencySettings struct {
	// IncludePaths limits guarding to matching paths. Entries without
	// wildcards guard their whole subtree as prefixes; entries with
	// wildcards are ant-ish patterns. Empty disables guarding entirely.
	IncludePaths      []string
	InProgressTTL     time.Duration
	CompletedTTL      time.Duration
	FailedTTL         time.Duration
	RetryAfterSeconds int
}

type idemConfig struct {
	includePrefixes   []string
	includePatterns   *pathmatch.Matcher
	inProgressTTL     time.Duration
	completedTTL      time.Duration
	failedTTL         time.Duration
	retryAfterSeconds int
}

func compileIdemConfig(s IdempotencySettings) (*idemConfig, error) {
	var prefixes []string
	var patterns []string
	for _, p := range s.IncludePaths {
		if strings.ContainsAny(p, "*?") {
			patterns = append(patterns, p)
		} else {
			prefixes = append(prefixes, p)
		}
	}
	include, err := pathmatch.NewMatcher(patterns)
	if err != nil {
		return nil, fmt.Errorf("include paths: %w", err)
	}
	cfg := &idemConfig{
		includePrefixes:   prefixes,
		includePatterns:   include,
		inProgressTTL:     s.InProgressTTL,
		completedTTL:      s.CompletedTTL,
		failedTTL:         s.FailedTTL,
		retryAfterSeconds: s.RetryAfterSeconds,
	}
	if cfg.inProgressTTL <= 0 {
		cfg.inProgressTTL = 30 * time.Second
	}
	if cfg.completedTTL <= 0 {
		cfg.completedTTL = 24 * time.Hour
	}
	if cfg.failedTTL <= 0 {
		cfg.failedTTL = 5 * time.Second
	}
	if cfg.retryAfterSeconds <= 0 {
		cfg.retryAfterSeconds = 2
	}
	return cfg, nil
}

// IdempotencyService coordinates claim, replay, and snapshot storage for
// retried mutating requests.
type IdempotencyService struct {
	store   ports.RecordStore
	clock   ports.Clock
	metrics ports.Metrics

	cfg atomic.Pointer[idemConfig]
}

// NewIdempotencyService creates the service with its initial settings.
func NewIdempotencyService(store ports.RecordStore, clock ports.Clock, metrics ports.Metrics, settings IdempotencySettings) (*IdempotencyService, error) {
	s := &IdempotencyService{
		store:   store,
		clock:   clock,
		metrics: metrics,
	}
	if err := s.UpdateSettings(settings); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSettings swaps the configuration. Thread-safe; callable while
// handling requests.
func (s *IdempotencyService) UpdateSettings(settings IdempotencySettings) error {
	cfg, err := compileIdemConfig(settings)
	if err != nil {
		return err
	}
	s.cfg.Store(cfg)
	return nil
}

// Applies reports whether a request at path is subject to guarding.
// Method filtering and token presence are the caller's concern. With no
// include paths configured nothing is guarded.
func (s *IdempotencyService) Applies(path string) bool {
	cfg := s.cfg.Load()
	for _, p := range cfg.includePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return cfg.includePatterns.Matches(path)
}

// RetryAfterSeconds returns the advisory retry delay for in-progress
// responses.
func (s *IdempotencyService) RetryAfterSeconds() int {
	return s.cfg.Load().retryAfterSeconds
}

// Begin attempts to claim key for a request whose canonical payload hash
// is requestHash. Exactly one concurrent caller gets OutcomeProceed; the
// rest observe the stored record. Store failures fail open so the guard
// never blocks traffic it cannot arbitrate.
func (s *IdempotencyService) Begin(ctx context.Context, key, requestHash string) BeginResult {
	cfg := s.cfg.Load()
	claim := idempotency.InProgress(requestHash, s.clock.Now().UnixMilli())

	created, err := s.store.SetIfAbsent(ctx, key, claim, cfg.inProgressTTL)
	if err != nil {
		s.metrics.RecordStoreError("record", "set_if_absent")
		s.metrics.RecordIdempotencyDecision("fail_open")
		return BeginResult{Outcome: OutcomeProceed, Record: claim, FailOpen: true}
	}
	if created {
		s.metrics.RecordIdempotencyDecision("claimed")
		return BeginResult{Outcome: OutcomeProceed, Record: claim}
	}

	existing, found, err := s.store.Get(ctx, key)
	if err != nil {
		s.metrics.RecordStoreError("record", "get")
		s.metrics.RecordIdempotencyDecision("fail_open")
		return BeginResult{Outcome: OutcomeProceed, Record: claim, FailOpen: true}
	}
	if !found {
		// Lost a race with expiry between claim and read.
		s.metrics.RecordIdempotencyDecision("fail_open")
		return BeginResult{Outcome: OutcomeProceed, Record: claim, FailOpen: true}
	}

	if !existing.MatchesHash(requestHash) {
		s.metrics.RecordIdempotencyDecision("conflict")
		return BeginResult{Outcome: OutcomeConflict, Record: existing}
	}

	if existing.State == idempotency.StateCompleted {
		s.metrics.RecordIdempotencyDecision("replayed")
		return BeginResult{Outcome: OutcomeReplay, Record: existing}
	}

	// IN_PROGRESS, or FAILED within its short retention window.
	s.metrics.RecordIdempotencyDecision("in_progress")
	return BeginResult{
		Outcome:           OutcomeInProgress,
		Record:            existing,
		RetryAfterSeconds: cfg.retryAfterSeconds,
	}
}

// Finish records the outcome of an executed request under key. Upstream
// 5xx responses are stored as FAILED with a short TTL so an immediate
// retry does not duplicate the side effect while a later one may run;
// everything else is snapshotted as COMPLETED for replay.
func (s *IdempotencyService) Finish(ctx context.Context, key string, claim idempotency.Record, status int, body []byte, contentType string, headers []idempotency.Header) error {
	cfg := s.cfg.Load()

	if status >= 500 {
		if err := s.store.Set(ctx, key, claim.ToFailed(), cfg.failedTTL); err != nil {
			s.metrics.RecordStoreError("record", "set")
			return fmt.Errorf("store failed record: %w", err)
		}
		return nil
	}

	done := claim.ToCompleted(status, body, contentType, headers)
	if err := s.store.Set(ctx, key, done, cfg.completedTTL); err != nil {
		s.metrics.RecordStoreError("record", "set")
		return fmt.Errorf("store completed record: %w", err)
	}
	return nil
}
