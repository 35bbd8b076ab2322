// Package main is the entrypoint for the audioqueue worker. It pulls tasks
// from the queues named in WORKER_QUEUES and runs them through the processor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/collaborator"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	collaborators, err := collaborator.NewSet(cfg.Inference)
	if err != nil {
		return fmt.Errorf("configure collaborators: %w", err)
	}

	p := worker.NewProcessor(store.NewPostgresStore(pool), collaborators, cfg, metrics.New(),
		worker.WithStatusCache(redisCache))

	srv, mux, err := worker.NewServer(cfg.Redis.URL, cfg.Queues, p)
	if err != nil {
		return fmt.Errorf("create worker server: %w", err)
	}
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker server: %w", err)
	}
	slog.Info("worker started",
		"queues", worker.QueueWeights(cfg.Queues),
		"concurrency", cfg.Queues.WorkerConcurrency)

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for in-flight tasks...")
	srv.Shutdown()
	slog.Info("worker stopped gracefully")
	return nil
}
