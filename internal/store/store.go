package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when the job is not in a state the
// requested status may be entered from.
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrNotClaimable is returned by ClaimJob when the job is no longer pending.
var ErrNotClaimable = errors.New("job is not pending")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// ClaimJob moves a pending job to processing under an exclusive row lock and
	// returns the claimed row. The lock is released before ClaimJob returns.
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error

	CountActive(ctx context.Context, queue string) (int, error)
	CountByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error)
	FindStale(ctx context.Context, kind models.JobKind, before time.Time) ([]*models.Job, error)
	FindRetryable(ctx context.Context, kind models.JobKind, createdAfter time.Time, maxRetries int) ([]*models.Job, error)
}

type jobUpdateParams struct {
	ErrorMessage   *string
	ErrorCode      *string
	OutputRef      *string
	ResultStats    models.Payload
	IncrementRetry bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithErrorCode(code string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorCode = &code
	}
}

// WithOutput records the collaborator's result on a completed job.
func WithOutput(ref string, stats models.Payload) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.OutputRef = &ref
		p.ResultStats = stats
	}
}

// WithRetryIncrement bumps the retry counter as part of the transition.
func WithRetryIncrement() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.IncrementRetry = true
	}
}

// ApplyJobUpdate applies a status transition to an in-memory job copy the same
// way the SQL backends do. The caller has already checked the transition.
func ApplyJobUpdate(j *models.Job, status models.JobStatus, now time.Time, opts ...JobUpdateOption) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusCompleted, models.JobStatusFailed:
		j.CompletedAt = &now
	case models.JobStatusPending:
		j.CompletedAt = nil
		j.StartedAt = nil
		j.ErrorMessage = nil
		j.ErrorCode = nil
		j.TaskHandle = nil
		j.OutputRef = nil
		j.ResultStats = nil
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	if params.ErrorCode != nil {
		j.ErrorCode = params.ErrorCode
	}
	if params.OutputRef != nil {
		j.OutputRef = params.OutputRef
		j.ResultStats = params.ResultStats
	}
	if params.IncrementRetry {
		j.Retries++
	}
}
