// Package jobs is the submission path: admission, record creation and the
// initial dispatch, plus the read side callers poll.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/dispatch"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/queue"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

var (
	ErrInvalidKind  = errors.New("unknown job kind")
	ErrInvalidInput = errors.New("input_ref is required")
	// ErrQueueFull means the target queue is at its admission limit.
	ErrQueueFull = errors.New("queue is at capacity")
	// ErrNotResubmittable means the job is not pending without a task.
	ErrNotResubmittable = errors.New("job cannot be resubmitted")
)

const (
	statusTTL     = 24 * time.Hour
	queueStatsTTL = 5 * time.Second
)

// JobStore is the subset of store.Store the service needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CountByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error)
}

// Dispatcher enqueues a pending job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.Job, opts dispatch.Options) (string, error)
}

type SubmitRequest struct {
	Kind     models.JobKind
	InputRef string
	Params   models.Payload
	Priority int
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Queue  string                   `json:"queue"`
	Limit  int                      `json:"limit"`
	Counts map[models.JobStatus]int `json:"counts"`
}

// TaskInspector looks up whether a dispatched task can still run.
type TaskInspector interface {
	Outstanding(ctx context.Context, queue, handle string) (bool, error)
}

type Service struct {
	store      JobStore
	router     *queue.Router
	dispatcher Dispatcher
	cache      cache.Cache
	metrics    *metrics.Recorder
	tasks      TaskInspector
}

// Option configures a Service.
type Option func(*Service)

// WithTaskInspector lets Resubmit redispatch pending jobs whose task the
// broker no longer holds, such as a delivery whose claim hit a database error.
func WithTaskInspector(i TaskInspector) Option {
	return func(s *Service) { s.tasks = i }
}

// NewService returns a Service. c may be nil.
func NewService(s JobStore, r *queue.Router, d Dispatcher, c cache.Cache, m *metrics.Recorder, opts ...Option) *Service {
	svc := &Service{store: s, router: r, dispatcher: d, cache: c, metrics: m}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Submit admits, records and dispatches a new job. When the broker rejects the
// task the created job is returned alongside an error wrapping
// dispatch.ErrDispatchFailed; it stays pending and can be resubmitted.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	if req.InputRef == "" {
		return nil, ErrInvalidInput
	}

	route, err := s.router.Route(req.Kind)
	if err != nil {
		return nil, err
	}
	ok, err := s.router.CanAccept(ctx, route.Queue)
	if err != nil {
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !ok {
		s.metrics.AdmissionRejected(ctx, route.Queue)
		slog.Warn("job rejected", "queue", route.Queue, "kind", req.Kind, "limit", s.router.Limit(route.Queue))
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, route.Queue)
	}

	params := req.Params
	if params == nil {
		params = models.Payload{}
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Kind:       req.Kind,
		Status:     models.JobStatusPending,
		Queue:      route.Queue,
		InputRef:   req.InputRef,
		Parameters: params,
		Priority:   req.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.cacheStatus(ctx, job.ID, job.Status)
	slog.Info("job submitted", "job_id", job.ID, "kind", job.Kind, "queue", job.Queue)

	if _, err := s.dispatcher.Dispatch(ctx, job, dispatch.Options{}); err != nil {
		return job, err
	}
	return job, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Status returns the job's status, from the cache when present. Only terminal
// statuses are written back on a miss; live ones are mirrored by whoever moves
// the job.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	if s.cache != nil {
		st, ok, err := s.cache.GetJobStatus(ctx, id)
		if err != nil {
			slog.Warn("status cache read failed", "job_id", id, "error", err)
		} else if ok {
			return st, nil
		}
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		s.cacheStatus(ctx, id, job.Status)
	}
	return job.Status, nil
}

// Resubmit dispatches a pending job whose task never reached the broker, or,
// with a TaskInspector, whose task the broker has already dropped.
func (s *Service) Resubmit(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotResubmittable, id, job.Status)
	}
	if job.TaskHandle != nil {
		if s.tasks == nil {
			return nil, fmt.Errorf("%w: job %s already has task %s", ErrNotResubmittable, id, *job.TaskHandle)
		}
		live, err := s.tasks.Outstanding(ctx, job.Queue, *job.TaskHandle)
		if err != nil {
			return nil, fmt.Errorf("inspect task: %w", err)
		}
		if live {
			return nil, fmt.Errorf("%w: job %s task %s is still queued", ErrNotResubmittable, id, *job.TaskHandle)
		}
		slog.Warn("resubmitting job with lost task", "job_id", id, "handle", *job.TaskHandle)
	}
	if _, err := s.dispatcher.Dispatch(ctx, job, dispatch.Options{}); err != nil {
		return job, err
	}
	return job, nil
}

// QueueStats counts jobs per status for every queue. Results are cached
// briefly so dashboards polling it do not hammer the database.
func (s *Service) QueueStats(ctx context.Context) ([]QueueStats, error) {
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, cache.QueueStatsKey()); err == nil && ok {
			var stats []QueueStats
			if err := json.Unmarshal(raw, &stats); err == nil {
				return stats, nil
			}
		}
	}

	stats := make([]QueueStats, 0, len(models.AllQueues))
	for _, q := range models.AllQueues {
		counts, err := s.store.CountByStatus(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", q, err)
		}
		stats = append(stats, QueueStats{Queue: q, Limit: s.router.Limit(q), Counts: counts})
	}

	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, cache.QueueStatsKey(), raw, queueStatsTTL); err != nil {
				slog.Warn("queue stats cache write failed", "error", err)
			}
		}
	}
	return stats, nil
}

func (s *Service) cacheStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, id, status, statusTTL); err != nil {
		slog.Warn("status cache update failed", "job_id", id, "error", err)
	}
}
