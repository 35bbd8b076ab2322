// Package dispatch hands jobs to the broker and records the resulting task handle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/broker"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/queue"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// ErrDispatchFailed means the broker did not accept the task. The job is left
// pending without a task handle and may be resubmitted.
var ErrDispatchFailed = errors.New("dispatch failed")

// HandleStore persists task handles.
type HandleStore interface {
	SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error
}

// Options tweak a single dispatch.
type Options struct {
	// Delay postpones execution, used for retry backoff.
	Delay time.Duration
}

type Dispatcher struct {
	broker  broker.Broker
	store   HandleStore
	router  *queue.Router
	limits  config.KindLimits
	metrics *metrics.Recorder
}

func New(b broker.Broker, s HandleStore, r *queue.Router, limits config.KindLimits, m *metrics.Recorder) *Dispatcher {
	return &Dispatcher{broker: b, store: s, router: r, limits: limits, metrics: m}
}

// Dispatch enqueues job under its kind's task name on the job's queue and
// stores the returned handle on the job. job.TaskHandle is updated in place.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job, opts Options) (string, error) {
	route, err := d.router.Route(job.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	q := job.Queue
	if q == "" {
		q = route.Queue
	}

	handle, err := d.broker.Dispatch(ctx, broker.Task{
		Name:     route.TaskName,
		Queue:    q,
		JobID:    job.ID,
		Priority: job.Priority,
		Timeout:  d.limits.Kind(job.Kind).HardLimit,
		Delay:    opts.Delay,
	})
	if err != nil {
		d.metrics.Dispatched(ctx, job.Kind, q, false)
		slog.Error("dispatch failed", "job_id", job.ID, "queue", q, "kind", job.Kind, "error", err)
		return "", fmt.Errorf("%w: job %s: %w", ErrDispatchFailed, job.ID, err)
	}
	d.metrics.Dispatched(ctx, job.Kind, q, true)

	// The task is already on the broker, so a handle that cannot be stored only
	// costs the reaper its ability to cancel it.
	if err := d.store.SetTaskHandle(ctx, job.ID, handle); err != nil {
		slog.Warn("task handle not recorded", "job_id", job.ID, "handle", handle, "error", err)
	}
	job.TaskHandle = &handle

	slog.Info("job dispatched", "job_id", job.ID, "queue", q, "kind", job.Kind, "handle", handle,
		"delay", opts.Delay)
	return handle, nil
}
