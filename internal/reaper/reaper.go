// Package reaper fails jobs that stayed pending or processing past their
// kind's time budget, which is the only way a job whose worker died gets a
// terminal state.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/broker"
	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/storage"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

const lockName = "reaper"

// JobStore is the subset of store.Store the reaper needs.
type JobStore interface {
	FindStale(ctx context.Context, kind models.JobKind, before time.Time) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error
}

// Result summarises one sweep.
type Result struct {
	Reaped int
	// Skipped jobs reached a terminal state on their own during the sweep.
	Skipped int
	Failed  int
}

type Reaper struct {
	store     JobStore
	broker    broker.Broker
	storage   storage.Deleter
	cache     cache.Cache
	limits    config.KindLimits
	threshold time.Duration
	metrics   *metrics.Recorder
	owner     string
	now       func() time.Time
}

// New returns a Reaper. storage and c may be nil: partial outputs are then
// left in place and sweeps are not serialised across processes.
func New(s JobStore, b broker.Broker, d storage.Deleter, c cache.Cache, limits config.KindLimits,
	threshold time.Duration, m *metrics.Recorder) *Reaper {
	return &Reaper{
		store:     s,
		broker:    b,
		storage:   d,
		cache:     c,
		limits:    limits,
		threshold: threshold,
		metrics:   m,
		owner:     uuid.NewString(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Threshold returns how old a job of kind must be before it counts as stale:
// the global threshold, raised to the kind's hard limit when that is longer.
func (r *Reaper) Threshold(kind models.JobKind) time.Duration {
	hard := r.limits.Kind(kind).HardLimit
	if hard > r.threshold {
		return hard
	}
	return r.threshold
}

// Sweep reaps every stale job once. A failure on one job or kind does not stop
// the others; lookup errors are returned joined after the sweep completes.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	for _, kind := range models.AllKinds {
		before := r.now().Add(-r.Threshold(kind))
		jobs, err := r.store.FindStale(ctx, kind, before)
		if err != nil {
			slog.Error("find stale jobs failed", "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("find stale %s jobs: %w", kind, err))
			continue
		}

		for _, job := range jobs {
			err := r.reap(ctx, job)
			switch {
			case err == nil:
				res.Reaped++
			case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
				res.Skipped++
			default:
				res.Failed++
				slog.Error("reap job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			}
		}
	}

	if res.Reaped > 0 || res.Failed > 0 {
		slog.Info("reaper sweep finished", "reaped", res.Reaped, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

func (r *Reaper) reap(ctx context.Context, job *models.Job) error {
	if job.TaskHandle != nil {
		if err := r.broker.Cancel(ctx, job.Queue, *job.TaskHandle); err != nil {
			slog.Warn("cancel stale task failed", "job_id", job.ID, "handle", *job.TaskHandle, "error", err)
		}
	}

	err := r.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
		store.WithErrorMessage(models.StaleJobMessage), store.WithErrorCode(models.ErrorCodeTimeout))
	if err != nil {
		return err
	}

	// Only after the guarded transition: a job that completed meanwhile keeps its output.
	if ref := partialOutput(job); ref != "" && r.storage != nil {
		if err := r.storage.Delete(ctx, ref); err != nil {
			slog.Warn("delete partial output failed", "job_id", job.ID, "ref", ref, "error", err)
		}
	}

	r.metrics.JobReaped(ctx, job.Kind, job.Queue)
	if r.cache != nil {
		if err := r.cache.SetJobStatus(ctx, job.ID, models.JobStatusFailed, 24*time.Hour); err != nil {
			slog.Warn("status cache update failed", "job_id", job.ID, "error", err)
		}
	}
	slog.Warn("reaped stale job", "job_id", job.ID, "kind", job.Kind, "status", job.Status,
		"age", r.now().Sub(job.CreatedAt).Round(time.Second).String())
	return nil
}

// partialOutput returns where an unfinished job may have written output: its
// output_ref, or an output_ref destination chosen by the submitter.
func partialOutput(job *models.Job) string {
	if job.OutputRef != nil {
		return *job.OutputRef
	}
	if ref, ok := job.Parameters["output_ref"].(string); ok {
		return ref
	}
	return ""
}

// Run sweeps immediately and then every interval until ctx is cancelled. When a
// cache is configured only the process holding the reaper lock sweeps.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.sweepLocked(ctx, interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reaper) sweepLocked(ctx context.Context, interval time.Duration) {
	if r.cache != nil {
		ok, err := r.cache.AcquireLock(ctx, cache.LockKey(lockName), r.owner, interval)
		if err != nil {
			slog.Error("reaper lock failed", "error", err)
			return
		}
		if !ok {
			slog.Debug("reaper lock held elsewhere, skipping sweep")
			return
		}
		defer func() {
			if err := r.cache.ReleaseLock(context.WithoutCancel(ctx), cache.LockKey(lockName), r.owner); err != nil {
				slog.Warn("reaper unlock failed", "error", err)
			}
		}()
	}

	if _, err := r.Sweep(ctx); err != nil {
		slog.Error("reaper sweep incomplete", "error", err)
	}
}
