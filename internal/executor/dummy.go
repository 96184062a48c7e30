package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gorig/internal/clock"
	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// Dummy acts like a remote backend without crossing any boundary: mirrored
// instances live in this process, calls run against the mirror after an
// optional synthetic latency, and the clock round trip reads the same
// clock twice. Useful for rehearsing a remote topology on one machine.
type Dummy struct {
	latency time.Duration
	kinds   map[string]device.Factory
	logger  *slog.Logger

	mu      sync.Mutex
	mirrors map[string]device.Device
	est     *clock.Estimator
	running bool
}

// NewDummy returns a pretend-remote backend with the given synthetic
// per-call latency.
func NewDummy(latency time.Duration, logger *slog.Logger) *Dummy {
	return &Dummy{
		latency: latency,
		kinds:   device.DefaultKinds(),
		logger:  logger.With("component", "dummy-backend"),
		mirrors: make(map[string]device.Device),
		est:     clock.NewEstimator(0),
	}
}

func (d *Dummy) Type() Type { return TypeDummy }

func (d *Dummy) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

func (d *Dummy) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.mirrors = make(map[string]device.Device)
	return nil
}

func (d *Dummy) EnsureInstance(ctx context.Context, dev device.Device) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return "", model.ErrBackendStopped
	}
	if _, ok := d.mirrors[dev.ID()]; ok {
		return dev.ID(), nil
	}
	factory, ok := d.kinds[dev.Kind()]
	if !ok {
		return "", fmt.Errorf("unknown device kind %q", dev.Kind())
	}
	mirror, err := factory(dev.ID(), dev.Config())
	if err != nil {
		return "", fmt.Errorf("mirroring %q: %w", dev.ID(), err)
	}
	d.mirrors[dev.ID()] = mirror
	return dev.ID(), nil
}

func (d *Dummy) EchoClock(ctx context.Context) (clock.Sample, error) {
	send := time.Now().UnixNano()
	return clock.Sample{LocalSend: send, Remote: send, LocalRecv: time.Now().UnixNano()}, nil
}

func (d *Dummy) Clock() *clock.Estimator { return d.est }

func (d *Dummy) Submit(ctx context.Context, req *model.CallRequest) (*Pending, error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, model.ErrBackendStopped
	}
	mirror, ok := d.mirrors[req.Target]
	d.mu.Unlock()

	p := NewPending(req.ID)
	if !ok {
		p.Fail(fmt.Errorf("device %q: %w", req.Target, model.ErrUnknownTarget))
		return p, nil
	}
	go func() {
		if d.latency > 0 {
			select {
			case <-time.After(d.latency):
			case <-ctx.Done():
				p.Fail(fmt.Errorf("call %s: %w", req.ID, model.ErrCancelled))
				return
			}
		}
		r, err := mirror.Call(ctx, req.Method, req.Args)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Resolve(r)
	}()
	return p, nil
}
