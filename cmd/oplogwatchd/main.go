// Command oplogwatchd is a demo server wiring the oplogwatch library to
// Postgres: it watches one collection's worth of documents via LISTEN/NOTIFY
// and streams the live result set out over Server-Sent Events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jsnelgro/oplogwatch"
	"github.com/jsnelgro/oplogwatch/internal/config"
	"github.com/jsnelgro/oplogwatch/internal/demoauth"
	"github.com/jsnelgro/oplogwatch/internal/docstore"
	"github.com/jsnelgro/oplogwatch/internal/fence"
	"github.com/jsnelgro/oplogwatch/internal/metrics"
	"github.com/jsnelgro/oplogwatch/internal/multiplex"
	"github.com/jsnelgro/oplogwatch/internal/oplogfeed"
	"github.com/jsnelgro/oplogwatch/internal/ratelimit"
	"github.com/jsnelgro/oplogwatch/internal/server"
	"github.com/jsnelgro/oplogwatch/internal/storage"
	"github.com/jsnelgro/oplogwatch/internal/telemetry"
	"github.com/jsnelgro/oplogwatch/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("OPLOGWATCH_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("oplogwatchd starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := demoauth.NewManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("demoauth: %w", err)
	}

	store := docstore.New(db)

	feed, err := oplogfeed.New(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("oplogfeed: %w", err)
	}
	defer feed.Close()

	metricsSink := metrics.New(logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	hub := multiplex.NewHub(logger)

	srv := server.New(server.ServerConfig{
		JWTMgr:              jwtMgr,
		Hub:                 hub,
		Logger:              logger,
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	// Watch the demo collection for its entire lifetime and publish it under
	// a topic of the same name.
	watch, err := oplogwatch.Watch(ctx, cfg.DemoCollection, map[string]any{}, oplogwatch.Deps{
		Oplog:   feed,
		Fetcher: store,
		Querier: store,
		Mux:     multiplex.NewFanout(hub, cfg.DemoCollection),
		Fence:   fence.New(),
		Metrics: metricsSink,
	},
		oplogwatch.WithLogger(logger),
		oplogwatch.WithFetchTimeout(cfg.FetchTimeout),
		oplogwatch.WithFetchStallTimeout(cfg.FetchStallTimeout),
	)
	if err != nil {
		return fmt.Errorf("watch %s: %w", cfg.DemoCollection, err)
	}
	defer watch.Stop()
	srv.RegisterWatch(cfg.DemoCollection, watch)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("oplogwatchd shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("oplogwatchd stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
