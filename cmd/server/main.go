// Package main is the entrypoint for the audioqueue API server.
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
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/audioqueue/internal/api"
	"github.com/kiranshivaraju/audioqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/audioqueue/internal/api/middleware"
	"github.com/kiranshivaraju/audioqueue/internal/api/response"
	"github.com/kiranshivaraju/audioqueue/internal/backoff"
	"github.com/kiranshivaraju/audioqueue/internal/broker"
	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/dispatch"
	"github.com/kiranshivaraju/audioqueue/internal/jobs"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/queue"
	"github.com/kiranshivaraju/audioqueue/internal/retry"
	"github.com/kiranshivaraju/audioqueue/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config. Fail fast on invalid config.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Broker client
	b, err := broker.NewAsynqBroker(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	defer b.Close()

	// 6. Wire the submission path
	pgStore := store.NewPostgresStore(pool)
	rec := metrics.New()
	router := queue.NewRouter(pgStore, cfg.Queues.Limits, cfg.Queues.DefaultLimit)
	dispatcher := dispatch.New(b, pgStore, router, cfg, rec)
	svc := jobs.NewService(pgStore, router, dispatcher, redisCache, rec, jobs.WithTaskInspector(b))
	retrier := retry.NewManager(pgStore, dispatcher, cfg,
		backoff.NewLinear(cfg.Retry.Backoff, cfg.Retry.MaxBackoff), rec,
		retry.WithStatusCache(redisCache), retry.WithMaxAge(cfg.Retry.MaxAge))
	validate := validator.New()

	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Server.AdminKeyHash),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:    healthHandler(pgStore, redisCache),
		SubmitHandler:    handler.NewSubmitHandler(svc, validate),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		ResubmitHandler:  handler.NewResubmitHandler(svc),

		RetryHandler:       handler.NewRetryHandler(retrier),
		RetryFailedHandler: handler.NewRetryFailedHandler(retrier, validate, cfg.Retry.MaxAge),
		QueueStatsHandler:  handler.NewQueueStatsHandler(svc),
	}
	if cfg.Server.AdminKeyHash == "" {
		slog.Warn("ADMIN_API_KEY_HASH not set, admin endpoints disabled")
	}

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pinger is satisfied by the store and the cache.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
