package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/gorig/pkg/model"
)

type poolJob struct {
	ctx     context.Context
	req     *model.CallRequest
	pending *Pending
}

// Pool executes submitted calls on a fixed set of worker goroutines,
// decoupling the caller from slow device operations. Submission order is
// preserved per queue; completion order is not guaranteed across workers.
type Pool struct {
	resolver Resolver
	workers  int
	logger   *slog.Logger

	mu       sync.Mutex
	jobs     chan poolJob
	done     chan struct{}
	wg       sync.WaitGroup
	senders  sync.WaitGroup
	running  bool
	stopping atomic.Bool
}

// NewPool returns a worker-pool backend with the given worker count and
// queue capacity. Non-positive values fall back to 1 worker and an
// unbuffered queue.
func NewPool(res Resolver, workers, queue int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		resolver: res,
		workers:  workers,
		logger:   logger.With("component", "pool-backend"),
	}
	p.jobs = make(chan poolJob, queue)
	return p
}

func (p *Pool) Type() Type { return TypePool }

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopping.Store(false)
	p.jobs = make(chan poolJob, cap(p.jobs))
	p.done = make(chan struct{})
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("pool started", "workers", p.workers, "queue", cap(p.jobs))
	return nil
}

// Stop drains the queue and waits for workers to exit. In-flight jobs run
// to completion; jobs still queued fail with model.ErrBackendStopped, and
// so do submissions blocked on a full queue. The queue only closes once
// every submitter has left, so Submit can never hit a closed channel.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopping.Store(true)
	close(p.done)
	p.mu.Unlock()

	p.senders.Wait()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pool drain: %w", context.Cause(ctx))
	}
}

func (p *Pool) Submit(ctx context.Context, req *model.CallRequest) (*Pending, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, model.ErrBackendStopped
	}
	jobs, done := p.jobs, p.done
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	pending := NewPending(req.ID)
	select {
	case jobs <- poolJob{ctx: ctx, req: req, pending: pending}:
		return pending, nil
	case <-done:
		return nil, model.ErrBackendStopped
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (p *Pool) worker(i int) {
	defer p.wg.Done()
	for job := range p.jobs {
		if p.stopping.Load() {
			job.pending.Fail(fmt.Errorf("call %s: %w", job.req.ID, model.ErrBackendStopped))
			continue
		}
		if err := job.ctx.Err(); err != nil {
			job.pending.Fail(fmt.Errorf("call %s: %w", job.req.ID, model.ErrCancelled))
			continue
		}
		dev, ok := p.resolver.Device(job.req.Target)
		if !ok {
			job.pending.Fail(fmt.Errorf("device %q: %w", job.req.Target, model.ErrUnknownTarget))
			continue
		}
		r, err := dev.Call(job.ctx, job.req.Method, job.req.Args)
		if err != nil {
			job.pending.Fail(err)
			continue
		}
		job.pending.Resolve(r)
	}
	p.logger.Debug("worker exited", "worker", i)
}
