package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/audioqueue/internal/backoff"
	"github.com/kiranshivaraju/audioqueue/internal/broker"
	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/dispatch"
	"github.com/kiranshivaraju/audioqueue/internal/jobs"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/queue"
	"github.com/kiranshivaraju/audioqueue/internal/reaper"
	"github.com/kiranshivaraju/audioqueue/internal/retry"
	"github.com/kiranshivaraju/audioqueue/internal/storage"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/spf13/cobra"
)

// app holds the dependencies shared by every subcommand. connect fills in
// whatever is still nil, so tests can inject their own.
type app struct {
	cfg     *config.Config
	store   store.Store
	cache   cache.Cache
	broker  broker.Broker
	storage storage.Deleter
	metrics *metrics.Recorder

	closers []func()
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the audioqueue job pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.connect(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.AddCommand(
		newReapCmd(a),
		newRetryCmd(a),
		newRetryFailedCmd(a),
		newGetCmd(a),
		newResubmitCmd(a),
		newQueuesCmd(a),
	)
	return root
}

func (a *app) connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.Server.SlogLevel(),
		})))
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	if a.store == nil {
		pool, err := store.Connect(ctx, a.cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.store = store.NewPostgresStore(pool)
	}

	if a.cache == nil {
		c, err := cache.NewRedisCache(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		a.closers = append(a.closers, func() { c.Close() })
		a.cache = c
	}

	if a.broker == nil {
		b, err := broker.NewAsynqBroker(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create broker: %w", err)
		}
		a.closers = append(a.closers, func() { b.Close() })
		a.broker = b
	}

	if a.storage == nil && a.cfg.Storage.Bucket != "" {
		s, err := storage.NewS3Storage(ctx, a.cfg.Storage)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.storage = s
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) router() *queue.Router {
	return queue.NewRouter(a.store, a.cfg.Queues.Limits, a.cfg.Queues.DefaultLimit)
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.broker, a.store, a.router(), a.cfg, a.metrics)
}

func (a *app) jobs() *jobs.Service {
	return jobs.NewService(a.store, a.router(), a.dispatcher(), a.cache, a.metrics,
		jobs.WithTaskInspector(a.broker))
}

func (a *app) retrier() *retry.Manager {
	return retry.NewManager(a.store, a.dispatcher(), a.cfg,
		backoff.NewLinear(a.cfg.Retry.Backoff, a.cfg.Retry.MaxBackoff), a.metrics,
		retry.WithLock(a.cache), retry.WithStatusCache(a.cache), retry.WithMaxAge(a.cfg.Retry.MaxAge))
}

func (a *app) reaper() *reaper.Reaper {
	return reaper.New(a.store, a.broker, a.storage, a.cache, a.cfg, a.cfg.Reaper.StaleThreshold, a.metrics)
}
