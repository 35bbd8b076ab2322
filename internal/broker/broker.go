// Package broker hands tasks to the message broker and cancels them.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// ErrUnavailable wraps every failure to reach the broker on dispatch.
var ErrUnavailable = errors.New("broker unavailable")

// Task describes one dispatch of a job.
type Task struct {
	Name     string
	Queue    string
	JobID    uuid.UUID
	Priority int
	// Timeout is the hard limit the worker pool enforces on the task.
	Timeout time.Duration
	Delay   time.Duration
}

// Payload is the wire body of a task. Workers only need the job id; the rest
// of the job is read from the store.
type Payload struct {
	JobID    uuid.UUID `json:"job_id"`
	Priority int       `json:"priority,omitempty"`
}

// DecodePayload parses a task body.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode task payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return Payload{}, errors.New("decode task payload: missing job_id")
	}
	return p, nil
}

// Broker is the dispatch/cancel contract the core depends on.
type Broker interface {
	Dispatch(ctx context.Context, t Task) (string, error)
	Cancel(ctx context.Context, queue, handle string) error
	// Outstanding reports whether the task behind handle may still run.
	Outstanding(ctx context.Context, queue, handle string) (bool, error)
}

// AsynqBroker implements Broker on hibiken/asynq.
type AsynqBroker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	retention time.Duration
}

// NewAsynqBroker connects to the Redis instance behind asynq.
func NewAsynqBroker(redisURL string) (*AsynqBroker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &AsynqBroker{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		retention: 24 * time.Hour,
	}, nil
}

// Close releases the broker connections.
func (b *AsynqBroker) Close() error {
	return errors.Join(b.client.Close(), b.inspector.Close())
}

// Dispatch enqueues t. Broker-level retries are disabled: a failed attempt is
// recorded on the job and retried explicitly.
func (b *AsynqBroker) Dispatch(ctx context.Context, t Task) (string, error) {
	data, err := json.Marshal(Payload{JobID: t.JobID, Priority: t.Priority})
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(t.Queue),
		asynq.TaskID(uuid.NewString()),
		asynq.MaxRetry(0),
		asynq.Retention(b.retention),
	}
	if t.Timeout > 0 {
		opts = append(opts, asynq.Timeout(t.Timeout))
	}
	if t.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(t.Delay))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(t.Name, data), opts...)
	if err != nil {
		return "", fmt.Errorf("%w: enqueue %s on %s: %v", ErrUnavailable, t.Name, t.Queue, err)
	}
	return info.ID, nil
}

// Cancel stops the task behind handle. Waiting tasks are deleted; a running
// task gets a cancel signal its worker may ignore. Tasks the broker no longer
// knows about are treated as already gone.
func (b *AsynqBroker) Cancel(ctx context.Context, queue, handle string) error {
	info, err := b.inspector.GetTaskInfo(queue, handle)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect task %s: %w", handle, err)
	}

	switch info.State {
	case asynq.TaskStateActive:
		if err := b.inspector.CancelProcessing(handle); err != nil {
			return fmt.Errorf("cancel task %s: %w", handle, err)
		}
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
	default:
		err := b.inspector.DeleteTask(queue, handle)
		if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete task %s: %w", handle, err)
		}
	}
	return nil
}

// Outstanding reports whether the task is still waiting, scheduled or running.
// Completed, archived and unknown tasks will never execute.
func (b *AsynqBroker) Outstanding(ctx context.Context, queue, handle string) (bool, error) {
	info, err := b.inspector.GetTaskInfo(queue, handle)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect task %s: %w", handle, err)
	}
	switch info.State {
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return false, nil
	}
	return true, nil
}

var _ Broker = (*AsynqBroker)(nil)
