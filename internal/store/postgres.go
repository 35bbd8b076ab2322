package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

const jobColumns = `id, kind, status, queue, task_handle, input_ref, output_ref, parameters, result_stats,
	error_message, error_code, retries, priority, created_at, updated_at, started_at, completed_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Kind, &j.Status, &j.Queue, &j.TaskHandle, &j.InputRef, &j.OutputRef,
		&j.Parameters, &j.ResultStats, &j.ErrorMessage, &j.ErrorCode, &j.Retries, &j.Priority,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	params := job.Parameters
	if params == nil {
		params = models.Payload{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, status, queue, input_ref, parameters, retries, priority, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Kind, job.Status, job.Queue, job.InputRef, params, job.Retries, job.Priority,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if j.Status != models.JobStatusPending {
		return nil, fmt.Errorf("claim job %s in state %s: %w", id, j.Status, ErrNotClaimable)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, started_at = $3, updated_at = $3 WHERE id = $1`,
		id, models.JobStatusProcessing, now); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	j.Status = models.JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return j, nil
}

// setClause accumulates SET assignments, letting later ones replace earlier
// ones for the same column.
type setClause struct {
	cols  []string
	exprs map[string]string
	args  []any
}

func newSetClause(args ...any) *setClause {
	return &setClause{exprs: make(map[string]string), args: args}
}

func (c *setClause) expr(col, expr string) {
	if _, ok := c.exprs[col]; !ok {
		c.cols = append(c.cols, col)
	}
	c.exprs[col] = expr
}

func (c *setClause) value(col string, v any) {
	c.args = append(c.args, v)
	c.expr(col, fmt.Sprintf("$%d", len(c.args)))
}

func (c *setClause) String() string {
	parts := make([]string, 0, len(c.cols))
	for _, col := range c.cols {
		parts = append(parts, col+" = "+c.exprs[col])
	}
	return strings.Join(parts, ", ")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	allowed := models.AllowedFrom(status)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: nothing may move to %s", ErrInvalidTransition, status)
	}

	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	from := make([]string, len(allowed))
	for i, a := range allowed {
		from[i] = string(a)
	}

	now := time.Now().UTC()
	set := newSetClause(id, from)
	set.value("status", string(status))
	set.value("updated_at", now)

	switch status {
	case models.JobStatusCompleted, models.JobStatusFailed:
		set.value("completed_at", now)
	case models.JobStatusPending:
		for _, col := range []string{"completed_at", "started_at", "error_message", "error_code",
			"task_handle", "output_ref", "result_stats"} {
			set.expr(col, "NULL")
		}
	}
	if params.ErrorMessage != nil {
		set.value("error_message", *params.ErrorMessage)
	}
	if params.ErrorCode != nil {
		set.value("error_code", *params.ErrorCode)
	}
	if params.OutputRef != nil {
		set.value("output_ref", *params.OutputRef)
		set.value("result_stats", params.ResultStats)
	}
	if params.IncrementRetry {
		set.expr("retries", "retries + 1")
	}

	query := `UPDATE jobs SET ` + set.String() + ` WHERE id = $1 AND status = ANY($2)`
	tag, err := s.pool.Exec(ctx, query, set.args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current models.JobStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// SetTaskHandle records the broker handle of the latest dispatch. A fast
// worker may already have claimed the job, so processing jobs accept it too.
func (s *PostgresStore) SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET task_handle = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, handle)
	if err != nil {
		return fmt.Errorf("set task handle: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current models.JobStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: cannot attach task to %s job", ErrInvalidTransition, current)
}

func (s *PostgresStore) CountActive(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = $1 AND status IN ('pending', 'processing')`, queue,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, queue string) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[models.JobStatus]int{
		models.JobStatusPending:    0,
		models.JobStatusProcessing: 0,
		models.JobStatusCompleted:  0,
		models.JobStatusFailed:     0,
	}
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) FindStale(ctx context.Context, kind models.JobKind, before time.Time) ([]*models.Job, error) {
	return s.queryJobs(ctx, "find stale jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE kind = $1 AND status IN ('pending', 'processing') AND created_at < $2
		 ORDER BY created_at`, kind, before)
}

func (s *PostgresStore) FindRetryable(ctx context.Context, kind models.JobKind, createdAfter time.Time, maxRetries int) ([]*models.Job, error) {
	return s.queryJobs(ctx, "find retryable jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE kind = $1 AND status = 'failed' AND created_at >= $2 AND retries < $3
		   AND (error_code IS NULL OR error_code <> $4)
		 ORDER BY created_at`, kind, createdAfter, maxRetries, models.ErrorCodeValidation)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
