package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/queue"
)

// NewServer builds the asynq server and mux that feed tasks to p. The server's
// concurrency is the hard bound on parallel jobs in this process; queue
// limits double as polling weights.
func NewServer(redisURL string, cfg config.QueueConfig, p *Processor) (*asynq.Server, *asynq.ServeMux, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	queues := QueueWeights(cfg)
	if len(queues) == 0 {
		return nil, nil, fmt.Errorf("worker has no queues to serve")
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          queues,
		Logger:          slogAdapter{},
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	mux.Use(logTasks)
	for _, name := range queue.TaskNames() {
		mux.HandleFunc(name, p.HandleTask)
	}
	return srv, mux, nil
}

// QueueWeights returns the asynq queue priority map for the queues this
// worker serves.
func QueueWeights(cfg config.QueueConfig) map[string]int {
	weights := make(map[string]int, len(cfg.WorkerQueues))
	for _, q := range cfg.WorkerQueues {
		w := cfg.Limits[q]
		if w <= 0 {
			w = 1
		}
		weights[q] = w
	}
	return weights
}

func logTasks(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		id, _ := asynq.GetTaskID(ctx)
		q, _ := asynq.GetQueueName(ctx)
		err := next.ProcessTask(ctx, t)
		slog.Debug("task handled", "task_id", id, "type", t.Type(), "queue", q,
			"duration_ms", time.Since(start).Milliseconds())
		return err
	})
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...interface{}) { slog.Debug(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Info(args ...interface{})  { slog.Info(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Warn(args ...interface{})  { slog.Warn(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Error(args ...interface{}) { slog.Error(fmt.Sprint(args...), "component", "asynq") }
func (slogAdapter) Fatal(args ...interface{}) {
	slog.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}
