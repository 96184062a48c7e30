package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/me/gorig/pkg/model"
)

// Local executes submitted calls inline on the caller's goroutine against
// locally registered devices. It exists so a device can be bound through
// the same Backend plumbing as remote ones without any indirection cost.
type Local struct {
	resolver Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewLocal returns an in-process backend resolving devices through res.
func NewLocal(res Resolver, logger *slog.Logger) *Local {
	return &Local{resolver: res, logger: logger.With("component", "local-backend")}
}

func (l *Local) Type() Type { return TypeLocal }

func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = true
	return nil
}

func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	return nil
}

func (l *Local) Submit(ctx context.Context, req *model.CallRequest) (*Pending, error) {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return nil, model.ErrBackendStopped
	}

	p := NewPending(req.ID)
	dev, ok := l.resolver.Device(req.Target)
	if !ok {
		p.Fail(fmt.Errorf("device %q: %w", req.Target, model.ErrUnknownTarget))
		return p, nil
	}
	r, err := dev.Call(ctx, req.Method, req.Args)
	if err != nil {
		p.Fail(err)
	} else {
		p.Resolve(r)
	}
	return p, nil
}
