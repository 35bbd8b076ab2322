package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/audioqueue/internal/broker"
)

// Cancellation records one Cancel call.
type Cancellation struct {
	Queue  string
	Handle string
}

// Broker satisfies broker.Broker for testing. It records every call and hands
// out sequential handles unless DispatchFunc or CancelFunc override it.
// Dispatched handles stay outstanding until cancelled or passed to Finish.
type Broker struct {
	DispatchFunc    func(ctx context.Context, t broker.Task) (string, error)
	CancelFunc      func(ctx context.Context, queue, handle string) error
	OutstandingFunc func(ctx context.Context, queue, handle string) (bool, error)

	mu        sync.Mutex
	seq       int
	tasks     []broker.Task
	cancelled []Cancellation
	live      map[string]bool
}

// NewBroker returns a Broker that accepts every dispatch.
func NewBroker() *Broker {
	return &Broker{live: map[string]bool{}}
}

// NewFailingBroker returns a Broker whose dispatches and cancels fail with err.
func NewFailingBroker(err error) *Broker {
	return &Broker{
		DispatchFunc:    func(context.Context, broker.Task) (string, error) { return "", err },
		CancelFunc:      func(context.Context, string, string) error { return err },
		OutstandingFunc: func(context.Context, string, string) (bool, error) { return false, err },
		live:            map[string]bool{},
	}
}

func (b *Broker) Dispatch(ctx context.Context, t broker.Task) (string, error) {
	b.mu.Lock()
	b.tasks = append(b.tasks, t)
	b.seq++
	handle := fmt.Sprintf("task-%d", b.seq)
	b.mu.Unlock()

	if b.DispatchFunc != nil {
		h, err := b.DispatchFunc(ctx, t)
		if err == nil {
			b.setLive(h, true)
		}
		return h, err
	}
	b.setLive(handle, true)
	return handle, nil
}

func (b *Broker) Cancel(ctx context.Context, queue, handle string) error {
	b.mu.Lock()
	b.cancelled = append(b.cancelled, Cancellation{Queue: queue, Handle: handle})
	b.mu.Unlock()

	if b.CancelFunc != nil {
		return b.CancelFunc(ctx, queue, handle)
	}
	b.setLive(handle, false)
	return nil
}

func (b *Broker) Outstanding(ctx context.Context, queue, handle string) (bool, error) {
	if b.OutstandingFunc != nil {
		return b.OutstandingFunc(ctx, queue, handle)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[handle], nil
}

// Finish marks handle as executed, as if a worker had picked it up.
func (b *Broker) Finish(handle string) {
	b.setLive(handle, false)
}

func (b *Broker) setLive(handle string, live bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live == nil {
		b.live = map[string]bool{}
	}
	if live {
		b.live[handle] = true
	} else {
		delete(b.live, handle)
	}
}

// Tasks returns every task passed to Dispatch.
func (b *Broker) Tasks() []broker.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Task(nil), b.tasks...)
}

// Cancelled returns every Cancel call.
func (b *Broker) Cancelled() []Cancellation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Cancellation(nil), b.cancelled...)
}

var _ broker.Broker = (*Broker)(nil)
