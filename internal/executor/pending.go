package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/me/gorig/pkg/model"
)

// Pending is the in-flight result of a submitted call. It resolves exactly
// once; later Resolve or Fail calls are ignored.
type Pending struct {
	id   string
	once sync.Once
	done chan struct{}

	reading model.Reading
	err     error
}

// NewPending returns an unresolved result for the given correlation id.
func NewPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.id }

// Resolve records a successful result. Only the first resolution wins.
func (p *Pending) Resolve(r model.Reading) {
	p.once.Do(func() {
		p.reading = r
		close(p.done)
	})
}

// Fail records a failed result. Only the first resolution wins.
func (p *Pending) Fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the call has resolved either way.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the call resolves or ctx ends. A ctx end does not
// resolve the call itself; the backend may still deliver a result that a
// later waiter, or nobody, observes.
func (p *Pending) Wait(ctx context.Context) (model.Reading, error) {
	select {
	case <-p.done:
		return p.reading, p.err
	case <-ctx.Done():
		return model.Reading{}, fmt.Errorf("call %s abandoned: %w", p.id, context.Cause(ctx))
	}
}
