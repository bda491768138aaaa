// Package metrics provides Prometheus metrics collection for OnceGuard.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onceguard/onceguard/ports"
)

// Collector holds all Prometheus metrics for OnceGuard.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Idempotency metrics
	IdempotencyDecisions *prometheus.CounterVec

	// Rate limit metrics
	RateLimitDecisions *prometheus.CounterVec

	// Store metrics
	StoreErrors *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge

	// Registry backing this collector, when it owns one.
	Registry *prometheus.Registry
}

// New creates a metrics collector backed by its own registry, so
// multiple instances can coexist in one process.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := NewWithRegistry(reg)
	c.Registry = reg
	return c
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onceguard",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "onceguard",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "onceguard",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		IdempotencyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onceguard",
				Name:      "idempotency_decisions_total",
				Help:      "Idempotency outcomes by decision (claimed, replayed, conflict, in_progress, fail_open)",
			},
			[]string{"decision"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onceguard",
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit outcomes by policy and decision (allowed, throttled, fail_open)",
			},
			[]string{"policy", "decision"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "onceguard",
				Name:      "store_errors_total",
				Help:      "Backing store errors by store and operation",
			},
			[]string{"store", "op"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onceguard",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "onceguard",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "onceguard",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// RecordIdempotencyDecision counts one idempotency outcome.
func (c *Collector) RecordIdempotencyDecision(decision string) {
	c.IdempotencyDecisions.WithLabelValues(decision).Inc()
}

// RecordRateLimitDecision counts one rate limit outcome.
func (c *Collector) RecordRateLimitDecision(policy, decision string) {
	c.RateLimitDecisions.WithLabelValues(policy, decision).Inc()
}

// RecordStoreError counts one failed store operation.
func (c *Collector) RecordStoreError(store, op string) {
	c.StoreErrors.WithLabelValues(store, op).Inc()
}

// RecordRequest observes one completed request.
func (c *Collector) RecordRequest(method, path string, status int, duration time.Duration) {
	s := strconv.Itoa(status)
	p := NormalizePath(path)
	c.RequestsTotal.WithLabelValues(method, p, s).Inc()
	c.RequestDuration.WithLabelValues(method, p, s).Observe(duration.Seconds())
}

// Ensure interface compliance.
var _ ports.Metrics = (*Collector)(nil)

// NormalizePath caps label length to keep cardinality bounded when
// paths carry long dynamic segments.
func NormalizePath(path string) string {
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return path
}
