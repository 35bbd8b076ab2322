// Package worker runs jobs pulled from the broker: it claims the job, invokes
// the kind's collaborator and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/kiranshivaraju/audioqueue/internal/broker"
	"github.com/kiranshivaraju/audioqueue/internal/cache"
	"github.com/kiranshivaraju/audioqueue/internal/collaborator"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// statusTTL bounds how long a mirrored status lives in the cache.
const statusTTL = 24 * time.Hour

// JobStore is the subset of store.Store the processor needs.
type JobStore interface {
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error
}

type Processor struct {
	store         JobStore
	collaborators collaborator.Set
	limits        config.KindLimits
	metrics       *metrics.Recorder
	cache         cache.Cache
	scratchRoot   string
}

// Option configures a Processor.
type Option func(*Processor)

// WithStatusCache mirrors job status transitions into c.
func WithStatusCache(c cache.Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithScratchRoot creates per-job scratch directories under dir instead of
// the system temp directory.
func WithScratchRoot(dir string) Option {
	return func(p *Processor) { p.scratchRoot = dir }
}

func NewProcessor(s JobStore, collaborators collaborator.Set, limits config.KindLimits, m *metrics.Recorder, opts ...Option) *Processor {
	p := &Processor{store: s, collaborators: collaborators, limits: limits, metrics: m}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleTask is the asynq handler for every job task. It always returns nil:
// failures are recorded on the job, and an error here would make the broker
// redeliver a task whose outcome is already stored.
func (p *Processor) HandleTask(ctx context.Context, t *asynq.Task) error {
	payload, err := broker.DecodePayload(t.Payload())
	if err != nil {
		slog.Error("dropping malformed task", "type", t.Type(), "error", err)
		p.metrics.JobSkipped(ctx, "malformed_payload")
		return nil
	}
	p.Execute(ctx, payload.JobID)
	return nil
}

// Execute runs one delivery of jobID and returns its outcome. A job that is no
// longer pending is skipped without side effects.
func (p *Processor) Execute(ctx context.Context, jobID uuid.UUID) string {
	job, err := p.store.ClaimJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
			slog.Info("skipping delivery", "job_id", jobID, "reason", err)
			p.metrics.JobSkipped(ctx, "not_claimable")
		} else {
			slog.Error("claim failed", "job_id", jobID, "error", err)
			p.metrics.JobSkipped(ctx, "claim_error")
		}
		return metrics.OutcomeSkipped
	}

	slog.Info("job claimed", "job_id", job.ID, "kind", job.Kind, "queue", job.Queue)
	p.cacheStatus(ctx, job.ID, models.JobStatusProcessing)
	return p.run(ctx, job)
}

// run is the execution wrapper around a claimed job: prepare, invoke, record
// and clean up. Every exit path, including panics, lands on a terminal state.
func (p *Processor) run(ctx context.Context, job *models.Job) (outcome string) {
	start := time.Now()
	p.metrics.JobStarted(ctx, job.Kind, job.Queue)

	scratch, scratchErr := os.MkdirTemp(p.scratchRoot, "job-"+job.ID.String()+"-")
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			p.fail(ctx, job, fmt.Errorf("internal error: %v", r), models.ErrorCodeInternal)
			outcome = metrics.OutcomeFailed
		}
		if scratch != "" {
			if err := os.RemoveAll(scratch); err != nil {
				slog.Warn("scratch cleanup failed", "job_id", job.ID, "dir", scratch, "error", err)
			}
		}
		elapsed := time.Since(start)
		p.metrics.JobFinished(ctx, job.Kind, job.Queue, outcome, elapsed)
		slog.Info("job finished", "job_id", job.ID, "kind", job.Kind, "outcome", outcome,
			"duration_ms", elapsed.Milliseconds())
	}()

	if scratchErr != nil {
		p.fail(ctx, job, fmt.Errorf("prepare scratch dir: %w", scratchErr), models.ErrorCodeInternal)
		return metrics.OutcomeFailed
	}

	res, err := p.invoke(ctx, job, scratch)
	if err != nil {
		p.fail(ctx, job, err, collaborator.ErrorCode(err))
		return metrics.OutcomeFailed
	}

	if err := p.complete(ctx, job, res); err != nil {
		p.fail(ctx, job, fmt.Errorf("record result: %w", err), models.ErrorCodeInternal)
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeCompleted
}

// invoke calls the collaborator under the kind's soft time limit. A panic in
// the collaborator is returned as an error.
func (p *Processor) invoke(ctx context.Context, job *models.Job, scratch string) (res collaborator.Result, err error) {
	c, err := p.collaborators.For(job.Kind)
	if err != nil {
		return collaborator.Result{}, err
	}

	soft := p.limits.Kind(job.Kind).SoftLimit
	if soft > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, soft)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("collaborator panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("collaborator panic: %v", r)
		}
	}()

	res, err = c.Process(ctx, collaborator.Request{
		JobID:      job.ID,
		Kind:       job.Kind,
		InputRef:   job.InputRef,
		Params:     job.Parameters,
		ScratchDir: scratch,
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return collaborator.Result{}, fmt.Errorf("%w: exceeded soft time limit of %s", collaborator.ErrTimeout, soft)
	}
	if err != nil {
		return collaborator.Result{}, err
	}
	if res.OutputRef == "" {
		return collaborator.Result{}, fmt.Errorf("%w: empty output ref", collaborator.ErrInvalidResponse)
	}
	return res, nil
}

func (p *Processor) complete(ctx context.Context, job *models.Job, res collaborator.Result) error {
	ctx = context.WithoutCancel(ctx)
	stats := res.Stats
	if stats == nil {
		stats = models.Payload{}
	}
	if err := p.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted, store.WithOutput(res.OutputRef, stats)); err != nil {
		return err
	}
	p.cacheStatus(ctx, job.ID, models.JobStatusCompleted)
	return nil
}

// fail records cause on the job. The recording outlives a cancelled task
// context so a hard timeout still leaves a terminal state behind.
func (p *Processor) fail(ctx context.Context, job *models.Job, cause error, code string) {
	ctx = context.WithoutCancel(ctx)
	slog.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error_code", code, "error", cause)

	err := p.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
		store.WithErrorMessage(cause.Error()), store.WithErrorCode(code))
	if err != nil {
		slog.Error("recording job failure failed", "job_id", job.ID, "error", err)
		return
	}
	p.cacheStatus(ctx, job.ID, models.JobStatusFailed)
}

func (p *Processor) cacheStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetJobStatus(ctx, id, status, statusTTL); err != nil {
		slog.Warn("status cache update failed", "job_id", id, "error", err)
	}
}
