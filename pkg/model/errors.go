package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend lifecycle and cancellation.
var (
	// ErrBackendStopped resolves pending calls when their backend stops.
	ErrBackendStopped = errors.New("backend stopped")

	// ErrBackendUnavailable wraps Start failures: the connection, pool or
	// process could not be established.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCancelled marks a call or trial that was intentionally aborted.
	// It is distinct from failure so callers can treat it as "not completed"
	// rather than "broken".
	ErrCancelled = errors.New("cancelled")

	// ErrUnknownTarget is returned when a call names a device that is not
	// registered on the executing side.
	ErrUnknownTarget = errors.New("unknown target device")
)

// ConfigError is a fatal configuration problem, detected at stage start or
// while building an experiment. It is never retried.
type ConfigError struct {
	Stage  string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Stage == "" {
		return "config: " + e.Detail
	}
	return fmt.Sprintf("config: stage %q: %s", e.Stage, e.Detail)
}

// NewConfigError creates a ConfigError for the named stage.
func NewConfigError(stage, format string, args ...any) *ConfigError {
	return &ConfigError{Stage: stage, Detail: fmt.Sprintf(format, args...)}
}

// CallKind classifies how a submitted call failed.
type CallKind string

const (
	// CallTimeout: the backend did not receive a response in time.
	CallTimeout CallKind = "timeout"
	// CallTransport: the connection, socket or process failed mid-call.
	CallTransport CallKind = "transport"
	// CallRemote: the remote side raised while running the method.
	CallRemote CallKind = "remote"
)

// CallError is a failed pending result. It is local to one correlation id
// and never affects other in-flight calls.
type CallError struct {
	Kind          CallKind
	CorrelationID string
	Method        string
	Detail        string
	Err           error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("call %s [%s]: %s", e.Method, e.CorrelationID, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError creates a CallError of the given kind.
func NewCallError(kind CallKind, id, method, detail string, err error) *CallError {
	return &CallError{Kind: kind, CorrelationID: id, Method: method, Detail: detail, Err: err}
}

// IsTimeout reports whether err is a timed-out call.
func IsTimeout(err error) bool { return isKind(err, CallTimeout) }

// IsTransport reports whether err is a transport-level call failure.
func IsTransport(err error) bool { return isKind(err, CallTransport) }

// IsRemote reports whether err is a remote-side execution failure.
func IsRemote(err error) bool { return isKind(err, CallRemote) }

func isKind(err error, kind CallKind) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == kind
}
