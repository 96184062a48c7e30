package device

import (
	"context"
	"math/rand"
	"time"

	"github.com/me/gorig/pkg/model"
)

// Built-in device kinds.
const (
	KindRandomDigital = "digital.random"
	KindRandomAnalog  = "analog.random"
)

// Method names shared by the built-in devices.
const (
	MethodReadState  = "read_state"
	MethodWriteState = "write_state"
)

// RandomDigital is a single-channel digital device whose read_state returns
// a random boolean. write_state echoes the requested state. Both stamp the
// reading with the executing side's clock.
type RandomDigital struct {
	Base
}

// NewRandomDigital creates a RandomDigital with the given id.
func NewRandomDigital(id string) *RandomDigital {
	return &RandomDigital{Base: NewBase(id, KindRandomDigital)}
}

// Call dispatches read_state and write_state.
func (d *RandomDigital) Call(_ context.Context, method string, args []any) (model.Reading, error) {
	switch method {
	case MethodReadState:
		return model.Reading{
			State:     rand.Float64() >= 0.5,
			Timestamp: time.Now().UnixNano(),
		}, nil
	case MethodWriteState:
		state := false
		if len(args) > 0 {
			if b, ok := args[0].(bool); ok {
				state = b
			}
		}
		return model.Reading{State: state, Timestamp: time.Now().UnixNano()}, nil
	default:
		return model.Reading{}, ErrUnknownMethod(d.ID(), method)
	}
}

// RandomAnalog is a single-channel analog device whose read_state returns a
// uniform random value in [0, 1).
type RandomAnalog struct {
	Base
}

// NewRandomAnalog creates a RandomAnalog with the given id.
func NewRandomAnalog(id string) *RandomAnalog {
	return &RandomAnalog{Base: NewBase(id, KindRandomAnalog)}
}

// Call dispatches read_state.
func (d *RandomAnalog) Call(_ context.Context, method string, _ []any) (model.Reading, error) {
	switch method {
	case MethodReadState:
		return model.Reading{
			State:     rand.Float64(),
			Timestamp: time.Now().UnixNano(),
		}, nil
	default:
		return model.Reading{}, ErrUnknownMethod(d.ID(), method)
	}
}
