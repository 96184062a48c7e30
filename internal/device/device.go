// Package device defines the collaborator contract the executor layer calls
// through, plus the synthetic devices used in tests and examples. A device
// method returns a Reading (state + timestamp); applying a Reading updates
// local state and announces a device_update notification.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/me/gorig/internal/event"
	"github.com/me/gorig/pkg/model"
)

// Device is the async-callable surface the executor front routes to.
type Device interface {
	// ID identifies the device instance across process boundaries.
	ID() string

	// Kind names the device type, used to mirror it remotely.
	Kind() string

	// Config returns what a remote side needs to construct a counterpart.
	Config() map[string]any

	// Call invokes a method locally and returns its reading.
	Call(ctx context.Context, method string, args []any) (model.Reading, error)

	// Apply updates local state from a reading and notifies subscribers.
	Apply(r model.Reading)

	// State returns the last applied state and its timestamp.
	State() (any, int64)

	// Events is the device's state-change notification bus.
	Events() *event.Bus
}

// Factory constructs a device instance of one kind.
type Factory func(id string, cfg map[string]any) (Device, error)

// DefaultKinds returns the built-in device factories.
func DefaultKinds() map[string]Factory {
	return map[string]Factory{
		KindRandomDigital: func(id string, _ map[string]any) (Device, error) {
			return NewRandomDigital(id), nil
		},
		KindRandomAnalog: func(id string, _ map[string]any) (Device, error) {
			return NewRandomAnalog(id), nil
		},
	}
}

// Base implements the identity, state and notification parts of Device.
// Concrete devices embed it and provide Call.
type Base struct {
	id   string
	kind string
	bus  *event.Bus

	mu    sync.Mutex
	state any
	ts    int64
}

// NewBase creates the embedded core for a device.
func NewBase(id, kind string) Base {
	return Base{id: id, kind: kind, bus: event.NewBus()}
}

func (b *Base) ID() string         { return b.id }
func (b *Base) Kind() string       { return b.kind }
func (b *Base) Events() *event.Bus { return b.bus }

// Config returns the minimal mirror configuration. Devices with real
// connection parameters override this.
func (b *Base) Config() map[string]any {
	return map[string]any{"id": b.id}
}

// State returns the last applied state and timestamp.
func (b *Base) State() (any, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.ts
}

// Apply stores the reading and publishes a device_update notification.
func (b *Base) Apply(r model.Reading) {
	b.mu.Lock()
	b.state = r.State
	b.ts = r.Timestamp
	b.mu.Unlock()

	b.bus.Publish(model.Event{
		Type:   model.EventDeviceUpdate,
		Source: b.id,
		State:  r.State,
		Time:   time.Unix(0, r.Timestamp),
	})
}

// ErrUnknownMethod builds the error for an unsupported method name.
func ErrUnknownMethod(dev, method string) error {
	return fmt.Errorf("device %s: unknown method %q", dev, method)
}
