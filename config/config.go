// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onceguard/onceguard/domain/ratelimit"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Redis       RedisConfig       `yaml:"redis"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig configures the protected upstream service.
type UpstreamConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// RedisConfig configures the shared state store. Disabled means the
// in-memory stores are used instead, which is only correct for a single
// instance.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// IdempotencyConfig configures the idempotency guard.
type IdempotencyConfig struct {
	IncludePaths      []string      `yaml:"include_paths"`
	InProgressTTL     time.Duration `yaml:"in_progress_ttl"`
	CompletedTTL      time.Duration `yaml:"completed_ttl"`
	FailedTTL         time.Duration `yaml:"failed_ttl"`
	RetryAfterSeconds int           `yaml:"retry_after_seconds"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	Enabled        bool           `yaml:"enabled"`
	AddHeaders     bool           `yaml:"add_headers"`
	WhitelistPaths []string       `yaml:"whitelist_paths"`
	Policies       []PolicyConfig `yaml:"policies"`
}

// PolicyConfig configures one rate limit policy.
type PolicyConfig struct {
	Name        string        `yaml:"name"`
	Paths       []string      `yaml:"paths"`
	Methods     []string      `yaml:"methods"`
	KeyStrategy string        `yaml:"key_strategy"`
	Limits      []LimitConfig `yaml:"limits"`
}

// LimitConfig configures one bandwidth of a policy's bucket.
type LimitConfig struct {
	Capacity int64         `yaml:"capacity"`
	Refill   time.Duration `yaml:"refill"`
}

// AuditConfig configures decision event persistence.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RegistrySpec converts the rate limit section to its domain form.
func (c RateLimitConfig) RegistrySpec() ratelimit.RegistrySpec {
	spec := ratelimit.RegistrySpec{
		Enabled:        c.Enabled,
		AddHeaders:     c.AddHeaders,
		WhitelistPaths: c.WhitelistPaths,
	}
	for _, p := range c.Policies {
		ps := ratelimit.PolicySpec{
			Name:        p.Name,
			Paths:       p.Paths,
			Methods:     p.Methods,
			KeyStrategy: p.KeyStrategy,
		}
		for _, l := range p.Limits {
			ps.Limits = append(ps.Limits, ratelimit.Bandwidth{
				Capacity:     l.Capacity,
				RefillPeriod: l.Refill,
			})
		}
		spec.Policies = append(spec.Policies, ps)
	}
	return spec
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// Useful for container deployments where no config file is mounted.
//
// Environment variables:
//
//	ONCEGUARD_UPSTREAM_URL        - Upstream service URL (required)
//	ONCEGUARD_SERVER_HOST         - Server host (default: 0.0.0.0)
//	ONCEGUARD_SERVER_PORT         - Server port (default: 8080)
//	ONCEGUARD_REDIS_ENABLED       - Use Redis for shared state (default: false)
//	ONCEGUARD_REDIS_URL           - Redis URL or host:port
//	ONCEGUARD_RATELIMIT_ENABLED   - Enable rate limiting (default: false)
//	ONCEGUARD_AUDIT_ENABLED       - Persist decision events (default: false)
//	ONCEGUARD_AUDIT_DSN           - SQLite path for audit events
//	ONCEGUARD_LOG_LEVEL           - debug, info, warn, error (default: info)
//	ONCEGUARD_LOG_FORMAT          - json or console (default: json)
//	ONCEGUARD_METRICS_ENABLED     - Enable /metrics endpoint (default: false)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment
// variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if os.Getenv("ONCEGUARD_UPSTREAM_URL") != "" {
		return LoadFromEnv()
	}

	return nil, fmt.Errorf("no configuration found: provide config file or set ONCEGUARD_UPSTREAM_URL")
}

// applyEnvOverrides applies ONCEGUARD_* environment variables.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ONCEGUARD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ONCEGUARD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ONCEGUARD_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("ONCEGUARD_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	if v := os.Getenv("ONCEGUARD_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("ONCEGUARD_UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}

	if v := os.Getenv("ONCEGUARD_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = parseBool(v)
	}
	if v := os.Getenv("ONCEGUARD_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := os.Getenv("ONCEGUARD_IDEMPOTENCY_IN_PROGRESS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Idempotency.InProgressTTL = d
		}
	}
	if v := os.Getenv("ONCEGUARD_IDEMPOTENCY_COMPLETED_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Idempotency.CompletedTTL = d
		}
	}
	if v := os.Getenv("ONCEGUARD_IDEMPOTENCY_RETRY_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Idempotency.RetryAfterSeconds = n
		}
	}

	if v := os.Getenv("ONCEGUARD_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("ONCEGUARD_RATELIMIT_ADD_HEADERS"); v != "" {
		cfg.RateLimit.AddHeaders = parseBool(v)
	}

	if v := os.Getenv("ONCEGUARD_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = parseBool(v)
	}
	if v := os.Getenv("ONCEGUARD_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}

	if v := os.Getenv("ONCEGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ONCEGUARD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("ONCEGUARD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("ONCEGUARD_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}

	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "localhost:6379"
	}

	if cfg.Idempotency.InProgressTTL == 0 {
		cfg.Idempotency.InProgressTTL = 30 * time.Second
	}
	if cfg.Idempotency.CompletedTTL == 0 {
		cfg.Idempotency.CompletedTTL = 24 * time.Hour
	}
	if cfg.Idempotency.FailedTTL == 0 {
		cfg.Idempotency.FailedTTL = 5 * time.Second
	}
	if cfg.Idempotency.RetryAfterSeconds == 0 {
		cfg.Idempotency.RetryAfterSeconds = 2
	}

	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "onceguard.db"
	}
	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = 100
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	// Compile the registry once here so bad patterns and limits fail at
	// load time rather than on the first request.
	if _, err := ratelimit.NewRegistry(cfg.RateLimit.RegistrySpec()); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	for i, p := range cfg.Idempotency.IncludePaths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("idempotency.include_paths[%d] is empty", i)
		}
	}

	if cfg.Audit.Enabled && cfg.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit.enabled is true")
	}

	return nil
}
