package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// Method is the caller-side front of one device method. Invoking it looks
// the same whether the device is bound to a local backend or a remote one:
// the call blocks, the result is applied to the local mirror, and device
// subscribers see the update before Call returns.
type Method struct {
	dev     device.Device
	name    string
	backend Backend
	timeout time.Duration
}

// NewMethod binds a method front. A nil backend executes directly on the
// local instance. timeout bounds each remote round trip; zero means the
// caller's ctx is the only bound.
func NewMethod(dev device.Device, name string, backend Backend, timeout time.Duration) *Method {
	return &Method{dev: dev, name: name, backend: backend, timeout: timeout}
}

// Device returns the bound device.
func (m *Method) Device() device.Device { return m.dev }

// Name returns the bound method name.
func (m *Method) Name() string { return m.name }

// Call executes the method and returns its reading. On success the reading
// is applied to the local device exactly once, with remote timestamps
// translated into local time first. A failed or timed out call applies
// nothing.
func (m *Method) Call(ctx context.Context, args ...any) (model.Reading, error) {
	if m.backend == nil {
		r, err := m.dev.Call(ctx, m.name, args)
		if err != nil {
			return model.Reading{}, err
		}
		m.dev.Apply(r)
		return r, nil
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	req := &model.CallRequest{
		ID:     uuid.NewString(),
		Target: m.dev.ID(),
		Method: m.name,
		Args:   args,
	}
	pending, err := m.backend.Submit(ctx, req)
	if err != nil {
		return model.Reading{}, fmt.Errorf("submit %s.%s: %w", m.dev.ID(), m.name, err)
	}
	r, err := pending.Wait(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return model.Reading{}, model.NewCallError(model.CallTimeout, req.ID, m.name, "call timed out", err)
		}
		return model.Reading{}, err
	}
	if remote, ok := m.backend.(RemoteBackend); ok {
		r.Timestamp = remote.Clock().Translate(r.Timestamp)
	}
	m.dev.Apply(r)
	return r, nil
}
