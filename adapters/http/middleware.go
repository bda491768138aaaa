package http

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/onceguard/onceguard/app"
	"github.com/onceguard/onceguard/domain/audit"
	"github.com/onceguard/onceguard/domain/idempotency"
	"github.com/onceguard/onceguard/domain/ratelimit"
	"github.com/onceguard/onceguard/ports"
)

const (
	// HeaderIdentity carries the caller identity resolved by the auth
	// layer in front of this service. Trusted as-is.
	HeaderIdentity = "X-User-Id"
	// HeaderIdempotencyKey carries the client-chosen retry token.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxGuardedBodyBytes = 10 << 20
)

// NewRateLimitMiddleware enforces the policy registry on every request.
func NewRateLimitMiddleware(svc *app.RateLimitService, recorder ports.AuditRecorder, clock ports.Clock, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := app.Caller{
				UserID:    r.Header.Get(HeaderIdentity),
				IP:        ratelimit.ClientIP(r.Header.Get("X-Forwarded-For"), remoteHost(r.RemoteAddr)),
				UserAgent: r.UserAgent(),
			}

			res := svc.Check(r.Context(), caller, r.Method, r.URL.Path)

			if res.FailOpen {
				logger.Warn().
					Str("policy", res.Policy).
					Str("key", res.Key).
					Str("path", r.URL.Path).
					Msg("bucket store unreachable, letting request through")
				recordEvent(recorder, clock, r, audit.KindRateLimit, audit.DecisionFailOpen, res.Key, res.Policy, 0)
			}

			if res.Allowed {
				if res.Matched && res.AddHeaders {
					w.Header().Set("RateLimit", rateLimitHeader(res.Remaining, 0))
				}
				if res.Matched && !res.FailOpen {
					recordEvent(recorder, clock, r, audit.KindRateLimit, audit.DecisionAllowed, res.Key, res.Policy, 0)
				}
				next.ServeHTTP(w, r)
				return
			}

			logger.Debug().
				Str("policy", res.Policy).
				Str("key", res.Key).
				Int64("retry_after", res.RetryAfterSeconds).
				Msg("request throttled")
			recordEvent(recorder, clock, r, audit.KindRateLimit, audit.DecisionThrottled, res.Key, res.Policy, http.StatusTooManyRequests)

			setNoStoreHeaders(w.Header())
			w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfterSeconds, 10))
			if res.AddHeaders {
				w.Header().Set("RateLimit", rateLimitHeader(res.Remaining, res.RetryAfterSeconds))
			}
			writeEnvelope(w, http.StatusTooManyRequests,
				"Too many requests. Please try again later.",
				CodeRateLimited,
				throttleData{
					WaitSeconds: res.RetryAfterSeconds,
					Remaining:   res.Remaining,
					Policy:      res.Policy,
				})
		})
	}
}

// NewIdempotencyMiddleware guards mutating requests carrying an
// idempotency token: the first attempt executes, retries replay the
// stored response, and payload mismatches are rejected.
func NewIdempotencyMiddleware(svc *app.IdempotencyService, recorder ports.AuditRecorder, clock ports.Clock, logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !svc.Applies(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID := r.Header.Get(HeaderIdentity)
			if userID == "" {
				writeEnvelope(w, http.StatusUnauthorized,
					"Identity is required for idempotent requests.",
					CodeIdentityRequired, nil)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxGuardedBodyBytes))
			if err != nil {
				logger.Error().Err(err).Msg("failed to read request body")
				writeEnvelope(w, http.StatusBadRequest, "Failed to read request body.", "", nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := idempotency.HashBody(body, r.Header.Get("Content-Type"))
			key := idempotency.BuildKey(userID, r.Method, r.URL.Path, token)

			result := svc.Begin(r.Context(), key, hash)
			switch result.Outcome {
			case app.OutcomeConflict:
				logger.Debug().Str("key", key).Msg("idempotency token reused with different payload")
				recordEvent(recorder, clock, r, audit.KindIdempotency, audit.DecisionConflict, key, "", http.StatusConflict)
				writeEnvelope(w, http.StatusConflict,
					"Idempotency token was already used with a different request payload.",
					CodeIdempotencyConflict, nil)
				return

			case app.OutcomeReplay:
				logger.Debug().Str("key", key).Int("status", result.Record.ResponseStatus).Msg("replaying stored response")
				recordEvent(recorder, clock, r, audit.KindIdempotency, audit.DecisionReplayed, key, "", result.Record.ResponseStatus)
				replaySnapshot(w, result.Record)
				return

			case app.OutcomeInProgress:
				recordEvent(recorder, clock, r, audit.KindIdempotency, audit.DecisionInProgress, key, "", http.StatusAccepted)
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
				writeEnvelope(w, http.StatusAccepted,
					"A request with this idempotency token is still being processed.",
					CodeIdempotencyInProgress, nil)
				return
			}

			if result.FailOpen {
				logger.Warn().Str("key", key).Msg("record store unreachable, executing unguarded")
				recordEvent(recorder, clock, r, audit.KindIdempotency, audit.DecisionFailOpen, key, "", 0)
				next.ServeHTTP(w, r)
				return
			}

			rr := newResponseRecorder(w)
			defer func() {
				if p := recover(); p != nil {
					// Best effort: hold the token briefly so an instant
					// retry does not duplicate a half-applied effect.
					_ = svc.Finish(r.Context(), key, result.Record, http.StatusInternalServerError, nil, "", nil)
					panic(p)
				}
			}()
			next.ServeHTTP(rr, r)

			if err := svc.Finish(r.Context(), key, result.Record, rr.Status(), rr.Body(), rr.ContentType(), rr.CapturedHeaders()); err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("failed to store response snapshot")
			}
			recordEvent(recorder, clock, r, audit.KindIdempotency, audit.DecisionClaimed, key, "", rr.Status())
		})
	}
}

func recordEvent(recorder ports.AuditRecorder, clock ports.Clock, r *http.Request, kind audit.Kind, decision audit.Decision, key, policy string, status int) {
	if recorder == nil {
		return
	}
	recorder.Record(audit.Event{
		RequestID: middleware.GetReqID(r.Context()),
		Kind:      kind,
		Decision:  decision,
		Method:    r.Method,
		Path:      r.URL.Path,
		Key:       key,
		Policy:    policy,
		Status:    status,
		At:        clock.Now().UnixMilli(),
	})
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
