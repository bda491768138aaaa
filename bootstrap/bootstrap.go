// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/onceguard/onceguard/adapters/clock"
	oghttp "github.com/onceguard/onceguard/adapters/http"
	"github.com/onceguard/onceguard/adapters/idgen"
	"github.com/onceguard/onceguard/adapters/memory"
	"github.com/onceguard/onceguard/adapters/metrics"
	ogredis "github.com/onceguard/onceguard/adapters/redis"
	"github.com/onceguard/onceguard/adapters/sqlite"
	"github.com/onceguard/onceguard/app"
	"github.com/onceguard/onceguard/config"
	"github.com/onceguard/onceguard/domain/ratelimit"
	"github.com/onceguard/onceguard/ports"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	HTTPServer *http.Server
	Metrics    *metrics.Collector

	idemService *app.IdempotencyService
	rlService   *app.RateLimitService

	// Adapters (for cleanup)
	recorder ports.AuditRecorder
	auditDB  *sqlite.DB
	redis    *goredis.Client
}

// New creates and initializes the application from the given config
// path. When the path does not exist, configuration falls back to
// ONCEGUARD_* environment variables and hot reload is unavailable.
func New(configPath string) (*App, error) {
	var (
		holder *config.Holder
		cfg    *config.Config
	)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			h, err := config.NewHolder(configPath, setupLogger(config.LoggingConfig{Level: "info", Format: "json"}))
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			holder = h
			cfg = h.Get()
		}
	}
	if cfg == nil {
		c, err := config.LoadWithFallback(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing onceguard")

	a := &App{
		Logger: logger,
		Config: holder,
	}

	if err := a.init(cfg); err != nil {
		a.closeAdapters()
		return nil, err
	}

	if holder != nil {
		holder.OnChange(a.applyConfig)
	}

	return a, nil
}

func (a *App) init(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Metrics always back the services; the endpoint is what the flag
	// controls.
	a.Metrics = metrics.New()

	clk := clock.Real{}
	idGen := idgen.UUID{}

	// Shared state: Redis when configured, in-process otherwise.
	var (
		records ports.RecordStore
		buckets ports.BucketStore
	)
	if cfg.Redis.Enabled {
		client, err := ogredis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		records = ogredis.NewRecordStore(client)
		buckets = ogredis.NewBucketStore(client, clk)
		a.Logger.Info().Str("url", cfg.Redis.URL).Msg("redis state enabled")
	} else {
		records = memory.NewRecordStore(clk)
		buckets = memory.NewBucketStore(clk)
		a.Logger.Info().Msg("in-process state enabled, decisions are local to this instance")
	}

	// Audit trail, optional.
	var auditStore ports.AuditStore
	a.recorder = NoopAuditRecorder{}
	if cfg.Audit.Enabled {
		db, err := sqlite.Open(cfg.Audit.DSN)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate audit db: %w", err)
		}
		a.auditDB = db
		store := sqlite.NewAuditStore(db)
		auditStore = store
		a.recorder = NewBatchAuditRecorder(store, idGen, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
		a.Logger.Info().Str("dsn", cfg.Audit.DSN).Msg("audit trail enabled")
	}

	idemService, err := app.NewIdempotencyService(records, clk, a.Metrics, idempotencySettings(cfg))
	if err != nil {
		return fmt.Errorf("idempotency service: %w", err)
	}
	a.idemService = idemService

	registry, err := ratelimit.NewRegistry(cfg.RateLimit.RegistrySpec())
	if err != nil {
		return fmt.Errorf("rate limit registry: %w", err)
	}
	a.rlService = app.NewRateLimitService(buckets, a.Metrics, registry)

	upstream, err := oghttp.NewUpstreamProxy(oghttp.UpstreamConfig{
		BaseURL:         cfg.Upstream.URL,
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("build upstream: %w", err)
	}

	routerCfg := oghttp.RouterConfig{
		RateLimit:   a.rlService,
		Idempotency: a.idemService,
		Upstream:    upstream,
		Recorder:    a.recorder,
		AuditStore:  auditStore,
		Clock:       clk,
		Logger:      a.Logger,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = a.Metrics
	}
	router := oghttp.NewRouter(routerCfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Logger.Info().
		Str("addr", addr).
		Str("upstream", cfg.Upstream.URL).
		Msg("http server configured")
	return nil
}

// applyConfig pushes a reloaded configuration into the running
// services. Listener address and store backends stay as they were.
func (a *App) applyConfig(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	registry, err := ratelimit.NewRegistry(cfg.RateLimit.RegistrySpec())
	if err != nil {
		a.Logger.Error().Err(err).Msg("reload kept previous rate limit policies")
	} else {
		a.rlService.UpdateRegistry(registry)
	}

	if err := a.idemService.UpdateSettings(idempotencySettings(cfg)); err != nil {
		a.Logger.Error().Err(err).Msg("reload kept previous idempotency settings")
	}

	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	}

	a.Logger.Info().Msg("configuration applied")
}

func idempotencySettings(cfg *config.Config) app.IdempotencySettings {
	return app.IdempotencySettings{
		IncludePaths:      cfg.Idempotency.IncludePaths,
		InProgressTTL:     cfg.Idempotency.InProgressTTL,
		CompletedTTL:      cfg.Idempotency.CompletedTTL,
		FailedTTL:         cfg.Idempotency.FailedTTL,
		RetryAfterSeconds: cfg.Idempotency.RetryAfterSeconds,
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	if a.Config != nil {
		if err := a.Config.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		a.Config.WatchSignals()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Config != nil {
		a.Config.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	a.closeAdapters()

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) closeAdapters() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("audit recorder close error")
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("redis close error")
		}
	}

	if a.auditDB != nil {
		if err := a.auditDB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("audit db close error")
		}
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
