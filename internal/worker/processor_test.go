package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/kiranshivaraju/audioqueue/internal/broker"
	"github.com/kiranshivaraju/audioqueue/internal/collaborator"
	"github.com/kiranshivaraju/audioqueue/internal/collaborator/mock"
	"github.com/kiranshivaraju/audioqueue/internal/config"
	"github.com/kiranshivaraju/audioqueue/internal/metrics"
	"github.com/kiranshivaraju/audioqueue/internal/store"
	"github.com/kiranshivaraju/audioqueue/internal/store/memory"
	"github.com/kiranshivaraju/audioqueue/internal/worker"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type limits map[models.JobKind]config.KindConfig

func (l limits) Kind(k models.JobKind) config.KindConfig { return l[k] }

func defaultLimits() limits {
	l := limits{}
	for _, k := range models.AllKinds {
		l[k] = config.KindConfig{SoftLimit: 5 * time.Second, HardLimit: 10 * time.Second, MaxRetries: 3}
	}
	return l
}

// statusCache records SetJobStatus calls; everything else is a no-op.
type statusCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID][]models.JobStatus
}

func newStatusCache() *statusCache {
	return &statusCache{statuses: map[uuid.UUID][]models.JobStatus{}}
}

func (c *statusCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *statusCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *statusCache) Delete(context.Context, string) error                     { return nil }
func (c *statusCache) Ping(context.Context) error                               { return nil }
func (c *statusCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}
func (c *statusCache) AcquireLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (c *statusCache) ReleaseLock(context.Context, string, string) error { return nil }

func (c *statusCache) SetJobStatus(_ context.Context, id uuid.UUID, s models.JobStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = append(c.statuses[id], s)
	return nil
}

func (c *statusCache) GetJobStatus(_ context.Context, id uuid.UUID) (models.JobStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.statuses[id]
	if len(h) == 0 {
		return "", false, nil
	}
	return h[len(h)-1], true, nil
}

func submitDenoise(t *testing.T, s *memory.Store) *models.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Kind:       models.KindDenoising,
		Status:     models.JobStatusPending,
		Queue:      models.QueueDenoiser,
		InputRef:   "s3://in/a.wav",
		Parameters: models.Payload{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	require.NoError(t, s.SetTaskHandle(context.Background(), job.ID, "task-1"))
	return job
}

func newProcessor(s *memory.Store, c collaborator.Collaborator, opts ...worker.Option) *worker.Processor {
	return worker.NewProcessor(s, mock.NewSet(c), defaultLimits(), metrics.New(), opts...)
}

func TestExecute_DenoisingSuccess(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	c := mock.NewSucceeding("s3://out/a.wav", models.Payload{"noise_reduction_db": 12.4})
	sc := newStatusCache()
	p := newProcessor(s, c, worker.WithStatusCache(sc))

	outcome := p.Execute(context.Background(), job.ID)
	assert.Equal(t, metrics.OutcomeCompleted, outcome)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.OutputRef)
	assert.Equal(t, "s3://out/a.wav", *got.OutputRef)
	assert.Equal(t, 12.4, got.ResultStats["noise_reduction_db"])
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 1, c.Calls())

	assert.Equal(t, []models.JobStatus{models.JobStatusProcessing, models.JobStatusCompleted}, sc.statuses[job.ID])
}

func TestExecute_TransientFailure(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	p := newProcessor(s, mock.NewFailing(collaborator.ErrUnavailable))

	outcome := p.Execute(context.Background(), job.ID)
	assert.Equal(t, metrics.OutcomeFailed, outcome)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "unavailable")
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeProcessing, *got.ErrorCode)
	assert.Equal(t, 0, got.Retries)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.OutputRef)
}

func TestExecute_ValidationFailure(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	err := errors.Join(collaborator.ErrValidation, errors.New("unsupported sample rate 7000"))
	p := newProcessor(s, mock.NewFailing(err))

	p.Execute(context.Background(), job.ID)

	got, gerr := s.GetJob(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeValidation, *got.ErrorCode)
	assert.Contains(t, *got.ErrorMessage, "unsupported sample rate")
}

func TestExecute_SoftTimeLimit(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	l := defaultLimits()
	l[models.KindDenoising] = config.KindConfig{SoftLimit: 50 * time.Millisecond, HardLimit: time.Second}
	p := worker.NewProcessor(s, mock.NewSet(mock.NewBlocking()), l, metrics.New())

	outcome := p.Execute(context.Background(), job.ID)
	assert.Equal(t, metrics.OutcomeFailed, outcome)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeTimeout, *got.ErrorCode)
	assert.Contains(t, *got.ErrorMessage, "soft time limit")
}

func TestExecute_CollaboratorPanic(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	c := &mock.Collaborator{ProcessFunc: func(context.Context, collaborator.Request) (collaborator.Result, error) {
		panic("cuda device lost")
	}}
	p := newProcessor(s, c)

	var outcome string
	require.NotPanics(t, func() { outcome = p.Execute(context.Background(), job.ID) })
	assert.Equal(t, metrics.OutcomeFailed, outcome)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "cuda device lost")
}

func TestExecute_EmptyOutputRefFails(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	p := newProcessor(s, mock.NewSucceeding("", nil))

	assert.Equal(t, metrics.OutcomeFailed, p.Execute(context.Background(), job.ID))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Nil(t, got.OutputRef)
}

func TestExecute_SkipsJobThatIsNotPending(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	c := mock.NewSucceeding("s3://out/a.wav", nil)
	p := newProcessor(s, c)

	require.Equal(t, metrics.OutcomeCompleted, p.Execute(context.Background(), job.ID))

	// Redelivery of the same task.
	assert.Equal(t, metrics.OutcomeSkipped, p.Execute(context.Background(), job.ID))
	assert.Equal(t, 1, c.Calls())

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestExecute_UnknownJob(t *testing.T) {
	c := &mock.Collaborator{}
	p := newProcessor(memory.New(), c)

	assert.Equal(t, metrics.OutcomeSkipped, p.Execute(context.Background(), uuid.New()))
	assert.Equal(t, 0, c.Calls())
}

func TestExecute_ConcurrentDeliveriesRunOnce(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	release := make(chan struct{})
	c := &mock.Collaborator{ProcessFunc: func(context.Context, collaborator.Request) (collaborator.Result, error) {
		<-release
		return collaborator.Result{OutputRef: "s3://out/a.wav"}, nil
	}}
	p := newProcessor(s, c)

	outcomes := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- p.Execute(context.Background(), job.ID)
		}()
	}

	// Exactly one delivery skips; let the winner finish.
	assert.Equal(t, metrics.OutcomeSkipped, <-outcomes)
	close(release)
	wg.Wait()
	assert.Equal(t, metrics.OutcomeCompleted, <-outcomes)
	assert.Equal(t, 1, c.Calls())
}

func TestExecute_ScratchDirRemoved(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	root := t.TempDir()

	var scratch string
	c := &mock.Collaborator{ProcessFunc: func(_ context.Context, req collaborator.Request) (collaborator.Result, error) {
		scratch = req.ScratchDir
		info, err := os.Stat(req.ScratchDir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		return collaborator.Result{}, errors.New("boom")
	}}
	p := newProcessor(s, c, worker.WithScratchRoot(root))

	p.Execute(context.Background(), job.ID)

	require.NotEmpty(t, scratch)
	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_ScratchRootMissing(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	c := &mock.Collaborator{}
	p := newProcessor(s, c, worker.WithScratchRoot("/nonexistent/scratch/root"))

	assert.Equal(t, metrics.OutcomeFailed, p.Execute(context.Background(), job.ID))
	assert.Equal(t, 0, c.Calls())

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeInternal, *got.ErrorCode)
}

func TestExecute_ReapedWhileRunningStaysFailed(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	c := &mock.Collaborator{ProcessFunc: func(ctx context.Context, _ collaborator.Request) (collaborator.Result, error) {
		// The reaper gives up on the job mid-flight.
		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed,
			store.WithErrorMessage(models.StaleJobMessage), store.WithErrorCode(models.ErrorCodeTimeout)))
		return collaborator.Result{OutputRef: "s3://out/late.wav"}, nil
	}}
	p := newProcessor(s, c)

	assert.Equal(t, metrics.OutcomeFailed, p.Execute(context.Background(), job.ID))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.StaleJobMessage, *got.ErrorMessage)
	assert.Nil(t, got.OutputRef)
}

func TestExecute_CancelledContextStillRecordsFailure(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	c := &mock.Collaborator{ProcessFunc: func(ctx context.Context, _ collaborator.Request) (collaborator.Result, error) {
		cancel()
		return collaborator.Result{}, ctx.Err()
	}}
	p := newProcessor(s, c)

	assert.Equal(t, metrics.OutcomeFailed, p.Execute(ctx, job.ID))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestHandleTask_AlwaysNil(t *testing.T) {
	s := memory.New()
	job := submitDenoise(t, s)
	p := newProcessor(s, mock.NewFailing(errors.New("boom")))

	data, err := json.Marshal(broker.Payload{JobID: job.ID})
	require.NoError(t, err)

	assert.NoError(t, p.HandleTask(context.Background(), asynq.NewTask("audio:denoising", data)))
	assert.NoError(t, p.HandleTask(context.Background(), asynq.NewTask("audio:denoising", []byte("garbage"))))

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}
