// Package retry moves failed jobs back to pending and re-dispatches them within
// each kind's retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/backoff"
	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/dispatch"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

var (
	// ErrNotRetryable means the job is not in the failed state.
	ErrNotRetryable = errors.New("job is not retryable")
	// ErrRetryBudgetExhausted means the job already used its kind's retries.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

const (
	lockName  = "retry"
	statusTTL = 24 * time.Hour
)

// JobStore is the subset of store.Store the manager needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error
	FindRetryable(ctx context.Context, kind models.JobKind, createdAfter time.Time, maxRetries int) ([]*models.Job, error)
}

// Dispatcher enqueues a pending job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.Job, opts dispatch.Options) (string, error)
}

// Result summarises one RetryFailed pass.
type Result struct {
	Attempted int
	Succeeded int
	Failed    int
}

type Manager struct {
	store      JobStore
	dispatcher Dispatcher
	limits     config.KindLimits
	backoff    backoff.Strategy
	metrics    *metrics.Recorder
	lock       cache.Cache
	status     cache.Cache
	maxAge     time.Duration
	owner      string
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLock serialises Run passes across processes through the cache's lock.
func WithLock(c cache.Cache) Option {
	return func(m *Manager) { m.lock = c }
}

// WithMaxAge makes RetryOne refuse jobs created more than d ago. Such jobs
// would be reaped as stale before they could run again.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) { m.maxAge = d }
}

// WithStatusCache mirrors the pending status of retried jobs into c.
func WithStatusCache(c cache.Cache) Option {
	return func(m *Manager) { m.status = c }
}

func NewManager(s JobStore, d Dispatcher, limits config.KindLimits, b backoff.Strategy, m *metrics.Recorder, opts ...Option) *Manager {
	mgr := &Manager{
		store:      s,
		dispatcher: d,
		limits:     limits,
		backoff:    b,
		metrics:    m,
		owner:      uuid.NewString(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// RetryOne moves a failed job back to pending, counts the attempt and
// dispatches it after the backoff delay for its new retry count. If the
// dispatch fails the job stays pending without a task handle.
func (m *Manager) RetryOne(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if m.maxAge > 0 && job.CreatedAt.Before(m.now().Add(-m.maxAge)) {
		return nil, fmt.Errorf("%w: job %s is older than %s", ErrNotRetryable, id, m.maxAge)
	}
	return m.retry(ctx, job)
}

func (m *Manager) retry(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotRetryable, job.ID, job.Status)
	}
	limit := m.limits.Kind(job.Kind).MaxRetries
	if job.Retries >= limit {
		return nil, fmt.Errorf("%w: job %s used %d of %d", ErrRetryBudgetExhausted, job.ID, job.Retries, limit)
	}

	err := m.store.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, store.WithRetryIncrement())
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: job %s: %w", ErrNotRetryable, job.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reset job %s: %w", job.ID, err)
	}
	m.cacheStatus(ctx, job.ID, models.JobStatusPending)

	job, err = m.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}

	delay := m.backoff.Delay(job.Retries)
	if _, err := m.dispatcher.Dispatch(ctx, job, dispatch.Options{Delay: delay}); err != nil {
		m.metrics.RetryAttempted(ctx, job.Kind, job.Queue, false)
		return job, err
	}
	m.metrics.RetryAttempted(ctx, job.Kind, job.Queue, true)

	slog.Info("job retried", "job_id", job.ID, "kind", job.Kind, "retries", job.Retries, "delay", delay)
	return job, nil
}

func (m *Manager) cacheStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if m.status == nil {
		return
	}
	if err := m.status.SetJobStatus(ctx, id, status, statusTTL); err != nil {
		slog.Warn("status cache update failed", "job_id", id, "error", err)
	}
}

// RetryFailed retries every failed job created within maxAge that still has
// budget left. Jobs are independent: one failing to re-dispatch does not stop
// the rest.
func (m *Manager) RetryFailed(ctx context.Context, maxAge time.Duration) (Result, error) {
	var res Result
	var errs []error
	createdAfter := m.now().Add(-maxAge)

	for _, kind := range models.AllKinds {
		jobs, err := m.store.FindRetryable(ctx, kind, createdAfter, m.limits.Kind(kind).MaxRetries)
		if err != nil {
			slog.Error("find retryable jobs failed", "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("find retryable %s jobs: %w", kind, err))
			continue
		}

		for _, job := range jobs {
			res.Attempted++
			if _, err := m.retry(ctx, job); err != nil {
				res.Failed++
				slog.Error("retry job failed", "job_id", job.ID, "kind", kind, "error", err)
				continue
			}
			res.Succeeded++
		}
	}

	if res.Attempted > 0 {
		slog.Info("retry pass finished", "attempted", res.Attempted, "succeeded", res.Succeeded, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

// Run calls RetryFailed immediately and then every interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.passLocked(ctx, interval, maxAge)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) passLocked(ctx context.Context, interval, maxAge time.Duration) {
	if m.lock != nil {
		ok, err := m.lock.AcquireLock(ctx, cache.LockKey(lockName), m.owner, interval)
		if err != nil {
			slog.Error("retry lock failed", "error", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := m.lock.ReleaseLock(context.WithoutCancel(ctx), cache.LockKey(lockName), m.owner); err != nil {
				slog.Warn("retry unlock failed", "error", err)
			}
		}()
	}

	if _, err := m.RetryFailed(ctx, maxAge); err != nil {
		slog.Error("retry pass incomplete", "error", err)
	}
}
