package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/onceguard/onceguard/adapters/metrics"
	"github.com/onceguard/onceguard/app"
	"github.com/onceguard/onceguard/domain/audit"
	"github.com/onceguard/onceguard/ports"
)

// RouterConfig wires the middleware chain together.
type RouterConfig struct {
	RateLimit   *app.RateLimitService
	Idempotency *app.IdempotencyService
	Upstream    http.Handler
	Recorder    ports.AuditRecorder
	AuditStore  ports.AuditStore
	Clock       ports.Clock
	Metrics     *metrics.Collector
	Logger      zerolog.Logger
}

// NewRouter builds the full request pipeline. Order matters: rate
// limiting runs before idempotency so a throttled retry never touches
// the record store, and both run after recovery so a panicking upstream
// still yields a well-formed 500.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}
	r.Use(NewRateLimitMiddleware(cfg.RateLimit, cfg.Recorder, cfg.Clock, cfg.Logger))
	r.Use(NewIdempotencyMiddleware(cfg.Idempotency, cfg.Recorder, cfg.Clock, cfg.Logger))

	r.Get("/health", Liveness)
	r.Get("/health/live", Liveness)
	r.Get("/health/ready", Liveness)

	if cfg.Metrics != nil {
		if cfg.Metrics.Registry != nil {
			r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
		} else {
			r.Handle("/metrics", promhttp.Handler())
		}
	}

	if cfg.AuditStore != nil {
		r.Get("/internal/audit/events", NewAuditHandler(cfg.AuditStore, cfg.Logger))
	}

	// Everything else goes to the protected upstream.
	r.Handle("/*", cfg.Upstream)

	return r
}

// Liveness reports process health.
func Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// NewAuditHandler serves recent decision events for operator inspection.
func NewAuditHandler(store ports.AuditStore, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		kind := audit.Kind(r.URL.Query().Get("kind"))

		events, err := store.Query(r.Context(), kind, limit)
		if err != nil {
			logger.Error().Err(err).Msg("query audit events")
			writeEnvelope(w, http.StatusInternalServerError, "Failed to query audit events.", "", nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(events)
	}
}

// NewLoggingMiddleware logs completed requests at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware observes request counts, duration, and in-flight.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			m.RecordRequest(r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}
