// Package executor routes device method calls to an execution context:
// in-process, a worker pool, a child process, or a network link. The call
// site is the same everywhere; which Backend a device is bound to decides
// where the method actually runs.
package executor

import (
	"context"

	"github.com/me/gorig/internal/clock"
	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/pkg/model"
)

// Backend accepts call requests and resolves them asynchronously.
type Backend interface {
	// Type returns the backend type identifier.
	Type() Type

	// Start acquires the backend's resources (connection, pool, process).
	// It is idempotent; a failure wraps model.ErrBackendUnavailable.
	Start(ctx context.Context) error

	// Stop releases all resources. Calls still pending resolve with
	// model.ErrBackendStopped rather than hanging; subsequent Submits
	// fail fast until Start succeeds again.
	Stop(ctx context.Context) error

	// Submit sends a request and returns its pending result. Exactly one
	// resolution (success or failure) is delivered per correlation id.
	Submit(ctx context.Context, req *model.CallRequest) (*Pending, error)
}

// RemoteBackend is a Backend whose calls cross a process or host boundary.
type RemoteBackend interface {
	Backend

	// EnsureInstance mirrors the device on the executing side and returns
	// the remote handle. It must be called before any call referencing the
	// device succeeds, and is idempotent: repeating it for an already
	// mirrored device returns the same handle and creates no duplicate.
	// Handles are owned by this backend and invalidated by Stop.
	EnsureInstance(ctx context.Context, dev device.Device) (string, error)

	// EchoClock performs one clock round trip against the executing side.
	EchoClock(ctx context.Context) (clock.Sample, error)

	// Clock returns the estimator translating the executing side's
	// timestamps into local time.
	Clock() *clock.Estimator
}

// Type identifies a backend variant.
type Type string

const (
	TypeLocal      Type = "local"
	TypePool       Type = "pool"
	TypeSubprocess Type = "subprocess"
	TypeREST       Type = "rest"
	TypeWebSocket  Type = "websocket"
	TypeDummy      Type = "dummy"
)

// Resolver finds a local device instance for an in-process backend.
type Resolver interface {
	Device(id string) (device.Device, bool)
}
