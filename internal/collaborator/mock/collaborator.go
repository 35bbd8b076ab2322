package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/audioqueue/internal/collaborator"
	"github.com/kiranshivaraju/audioqueue/pkg/models"
)

// Collaborator satisfies collaborator.Collaborator for testing.
type Collaborator struct {
	ProcessFunc func(ctx context.Context, req collaborator.Request) (collaborator.Result, error)

	calls atomic.Int32
}

func (c *Collaborator) Process(ctx context.Context, req collaborator.Request) (collaborator.Result, error) {
	c.calls.Add(1)
	if c.ProcessFunc != nil {
		return c.ProcessFunc(ctx, req)
	}
	return collaborator.Result{Stats: models.Payload{}}, nil
}

// Calls returns how many times Process ran.
func (c *Collaborator) Calls() int {
	return int(c.calls.Load())
}

// NewSucceeding returns a Collaborator that always produces outputRef and stats.
func NewSucceeding(outputRef string, stats models.Payload) *Collaborator {
	return &Collaborator{
		ProcessFunc: func(context.Context, collaborator.Request) (collaborator.Result, error) {
			return collaborator.Result{OutputRef: outputRef, Stats: stats}, nil
		},
	}
}

// NewFailing returns a Collaborator that always returns err.
func NewFailing(err error) *Collaborator {
	return &Collaborator{
		ProcessFunc: func(context.Context, collaborator.Request) (collaborator.Result, error) {
			return collaborator.Result{}, err
		},
	}
}

// NewBlocking returns a Collaborator that blocks until its context is done.
func NewBlocking() *Collaborator {
	return &Collaborator{
		ProcessFunc: func(ctx context.Context, _ collaborator.Request) (collaborator.Result, error) {
			<-ctx.Done()
			return collaborator.Result{}, collaborator.ErrTimeout
		},
	}
}

// NewSet returns a collaborator.Set serving every kind with c.
func NewSet(c collaborator.Collaborator) collaborator.Set {
	set := make(collaborator.Set, len(models.AllKinds))
	for _, kind := range models.AllKinds {
		set[kind] = c
	}
	return set
}

var _ collaborator.Collaborator = (*Collaborator)(nil)
