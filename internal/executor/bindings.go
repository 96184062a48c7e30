package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// Bindings maps device ids to their local instance and the backend their
// methods run on. It also owns backend lifecycle: StartAll brings every
// distinct backend up and mirrors remote-bound devices, StopAll tears
// everything down.
type Bindings struct {
	logger *slog.Logger

	mu       sync.RWMutex
	devices  map[string]device.Device
	backends map[string]Backend
	timeout  map[string]time.Duration
	started  bool
}

// NewBindings returns an empty binding table.
func NewBindings(logger *slog.Logger) *Bindings {
	return &Bindings{
		logger:   logger.With("component", "bindings"),
		devices:  make(map[string]device.Device),
		backends: make(map[string]Backend),
		timeout:  make(map[string]time.Duration),
	}
}

// Bind registers a device with its backend. A nil backend means direct
// in-process execution. timeout bounds each call on that device; zero
// leaves calls bounded only by the caller.
func (b *Bindings) Bind(dev device.Device, backend Backend, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[dev.ID()]; ok {
		return fmt.Errorf("device %q already bound", dev.ID())
	}
	b.devices[dev.ID()] = dev
	if backend != nil {
		b.backends[dev.ID()] = backend
	}
	b.timeout[dev.ID()] = timeout
	return nil
}

// Device implements Resolver.
func (b *Bindings) Device(id string) (device.Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dev, ok := b.devices[id]
	return dev, ok
}

// Method returns the call front for one device method, or an error for an
// unknown device id.
func (b *Bindings) Method(deviceID, method string) (*Method, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dev, ok := b.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", deviceID, model.ErrUnknownTarget)
	}
	return NewMethod(dev, method, b.backends[deviceID], b.timeout[deviceID]), nil
}

// StartAll starts every distinct backend once and ensures a remote mirror
// for every device bound to a RemoteBackend. It stops what it started on
// failure.
func (b *Bindings) StartAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	var started []Backend
	for _, backend := range b.uniqueBackends() {
		if err := backend.Start(ctx); err != nil {
			for _, s := range started {
				if serr := s.Stop(ctx); serr != nil {
					b.logger.Warn("stopping backend after start failure", "type", s.Type(), "error", serr)
				}
			}
			return fmt.Errorf("starting %s backend: %w", backend.Type(), err)
		}
		started = append(started, backend)
	}

	for id, backend := range b.backends {
		remote, ok := backend.(RemoteBackend)
		if !ok {
			continue
		}
		handle, err := remote.EnsureInstance(ctx, b.devices[id])
		if err != nil {
			for _, s := range started {
				if serr := s.Stop(ctx); serr != nil {
					b.logger.Warn("stopping backend after ensure failure", "type", s.Type(), "error", serr)
				}
			}
			return fmt.Errorf("mirroring device %q: %w", id, err)
		}
		b.logger.Debug("device mirrored", "device", id, "backend", backend.Type(), "handle", handle)
	}
	b.started = true
	return nil
}

// StopAll stops every distinct backend. The first error is returned; the
// rest are still stopped.
func (b *Bindings) StopAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	var first error
	for _, backend := range b.uniqueBackends() {
		if err := backend.Stop(ctx); err != nil && first == nil {
			first = fmt.Errorf("stopping %s backend: %w", backend.Type(), err)
		}
	}
	return first
}

// RemoteBackends returns each distinct remote backend once, for things
// that run per connection, like clock pinging.
func (b *Bindings) RemoteBackends() []RemoteBackend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []RemoteBackend
	for _, backend := range b.uniqueBackends() {
		if remote, ok := backend.(RemoteBackend); ok {
			out = append(out, remote)
		}
	}
	return out
}

func (b *Bindings) uniqueBackends() []Backend {
	seen := make(map[Backend]bool)
	var out []Backend
	for _, backend := range b.backends {
		if !seen[backend] {
			seen[backend] = true
			out = append(out, backend)
		}
	}
	return out
}
