// Package remote is the executing side of the call-routing layer: it hosts
// mirrored device instances and serves call, create, release, and clock
// requests over HTTP, WebSocket, or a raw connection.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// Registry holds the device instances mirrored into this process and
// executes calls against them.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	kinds   map[string]device.Factory
	devices map[string]device.Device
}

// NewRegistry returns a registry with the built-in device kinds.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "registry"),
		kinds:   device.DefaultKinds(),
		devices: make(map[string]device.Device),
	}
}

// RegisterKind adds a device factory. Later registrations win, so callers
// can override a built-in kind.
func (r *Registry) RegisterKind(kind string, f device.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = f
}

// Ensure creates the device if it does not exist yet and returns its
// handle. Ensuring an existing id again returns the same handle without
// touching the instance.
func (r *Registry) Ensure(req *model.CreateRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[req.Target]; ok {
		return req.Target, nil
	}
	factory, ok := r.kinds[req.Kind]
	if !ok {
		return "", fmt.Errorf("unknown device kind %q", req.Kind)
	}
	dev, err := factory(req.Target, req.Config)
	if err != nil {
		return "", fmt.Errorf("creating device %q: %w", req.Target, err)
	}
	r.devices[req.Target] = dev
	r.logger.Info("device created", "device", req.Target, "kind", req.Kind)
	return req.Target, nil
}

// Release drops a device instance. Releasing an unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		delete(r.devices, id)
		r.logger.Info("device released", "device", id)
	}
}

// Execute runs one call against a mirrored device.
func (r *Registry) Execute(ctx context.Context, req *model.CallRequest) (model.Reading, error) {
	r.mu.RLock()
	dev, ok := r.devices[req.Target]
	r.mu.RUnlock()
	if !ok {
		return model.Reading{}, fmt.Errorf("device %q: %w", req.Target, model.ErrUnknownTarget)
	}
	reading, err := dev.Call(ctx, req.Method, req.Args)
	if err != nil {
		return model.Reading{}, err
	}
	dev.Apply(reading)
	return reading, nil
}

// Now returns this side's clock reading for round-trip estimation.
func (r *Registry) Now() int64 {
	return time.Now().UnixNano()
}

// Len returns the number of mirrored devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
