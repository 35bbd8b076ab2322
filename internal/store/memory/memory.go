// Package memory provides an in-process store.Store used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// Store keeps jobs in a map guarded by a single mutex, which plays the role of
// the row lock for claims.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[uuid.UUID]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := clone(job)
	if cp.Parameters == nil {
		cp.Parameters = models.Payload{}
	}
	s.jobs[job.ID] = cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return nil, fmt.Errorf("claim job %s in state %s: %w", id, j.Status, store.ErrNotClaimable)
	}
	now := s.now()
	j.Status = models.JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !models.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	store.ApplyJobUpdate(j, status, s.now(), opts...)
	return nil
}

func (s *Store) SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Status.Active() {
		return fmt.Errorf("%w: cannot attach task to %s job", store.ErrInvalidTransition, j.Status)
	}
	j.TaskHandle = &handle
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) CountActive(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Queue == queue && j.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[models.JobStatus]int{
		models.JobStatusPending:    0,
		models.JobStatusProcessing: 0,
		models.JobStatusCompleted:  0,
		models.JobStatusFailed:     0,
	}
	for _, j := range s.jobs {
		if j.Queue == queue {
			counts[j.Status]++
		}
	}
	return counts, nil
}

func (s *Store) FindStale(ctx context.Context, kind models.JobKind, before time.Time) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool {
		return j.Kind == kind && j.Status.Active() && j.CreatedAt.Before(before)
	}), nil
}

func (s *Store) FindRetryable(ctx context.Context, kind models.JobKind, createdAfter time.Time, maxRetries int) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool {
		if j.Kind != kind || j.Status != models.JobStatusFailed || j.Retries >= maxRetries {
			return false
		}
		if j.CreatedAt.Before(createdAfter) {
			return false
		}
		return j.ErrorCode == nil || *j.ErrorCode != models.ErrorCodeValidation
	}), nil
}

// Put stores job as-is, bypassing the transition checks. Tests use it to seed
// jobs in arbitrary states.
func (s *Store) Put(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
}

func (s *Store) filter(match func(*models.Job) bool) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func clone(j *models.Job) *models.Job {
	cp := *j
	cp.Parameters = clonePayload(j.Parameters)
	cp.ResultStats = clonePayload(j.ResultStats)
	return &cp
}

func clonePayload(p models.Payload) models.Payload {
	if p == nil {
		return nil
	}
	cp := make(models.Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
