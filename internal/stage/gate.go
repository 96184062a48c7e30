package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/internal/executor"
	"github.com/me/gorig/pkg/model"
)

// Gate is a stage whose trial completes when a device's state satisfies a
// predicate. It watches the device's update notifications; an optional
// poll method actively samples devices that do not push updates on their
// own.
type Gate struct {
	Base

	// Device is the watched device.
	Device device.Device

	// Check reports whether a state satisfies the gate.
	Check func(state any) bool

	// Hold requires the predicate to stay satisfied this long before the
	// trial completes. Zero completes on first satisfaction.
	Hold time.Duration

	// UseInitial also tests the state the device already holds when the
	// trial starts, instead of waiting for the next update.
	UseInitial bool

	// Poll, when set, is invoked every PollInterval to refresh the device.
	Poll         *executor.Method
	PollInterval time.Duration
}

// NewGate creates a gate stage watching dev with the given predicate.
func NewGate(name string, dev device.Device, check func(state any) bool) *Gate {
	return &Gate{Base: NewBase(name), Device: dev, Check: check}
}

func (s *Gate) Init(ctx context.Context) error {
	if s.Device == nil {
		return model.NewConfigError(s.Node().Name, "gate has no device")
	}
	if s.Check == nil {
		return model.NewConfigError(s.Node().Name, "gate has no predicate")
	}
	if s.Poll != nil && s.PollInterval <= 0 {
		return model.NewConfigError(s.Node().Name, "poll interval must be positive")
	}
	return nil
}

func (s *Gate) DoTrial(ctx context.Context, trial int) error {
	// Updates collapse into a single pending signal; the state itself is
	// re-read from the device, so missing intermediate updates is fine.
	signal := make(chan struct{}, 1)
	sub := s.Device.Events().Subscribe(func(model.Event) {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer s.Device.Events().Unsubscribe(sub)

	if s.Poll != nil {
		pollCtx, stopPoll := context.WithCancel(ctx)
		defer stopPoll()
		go s.poll(pollCtx)
	}

	var holdTimer *time.Timer
	var holdC <-chan time.Time
	stopHold := func() {
		if holdTimer != nil {
			holdTimer.Stop()
			holdTimer = nil
			holdC = nil
		}
	}
	defer stopHold()

	evaluate := func() bool {
		state, _ := s.Device.State()
		ok := s.Check(state)
		switch {
		case ok && s.Hold <= 0:
			return true
		case ok && holdTimer == nil:
			holdTimer = time.NewTimer(s.Hold)
			holdC = holdTimer.C
		case !ok:
			stopHold()
		}
		return false
	}

	if s.UseInitial && evaluate() {
		return nil
	}
	for {
		select {
		case <-signal:
			if evaluate() {
				return nil
			}
		case <-holdC:
			// Held long enough; confirm the state did not flip under an
			// update we have not drained yet.
			state, _ := s.Device.State()
			if s.Check(state) {
				return nil
			}
			stopHold()
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (s *Gate) poll(ctx context.Context) {
	logger := s.Node().logger().With("stage", s.Node().Name)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Poll.Call(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("gate poll failed", "device", s.Device.ID(), "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// NewDigitalGate creates a gate completing when a boolean device reaches
// exit.
func NewDigitalGate(name string, dev device.Device, exit bool) *Gate {
	return NewGate(name, dev, func(state any) bool {
		b, ok := state.(bool)
		return ok && b == exit
	})
}

// NewAnalogGate creates a gate completing when a numeric device reading
// falls inside [min, max].
func NewAnalogGate(name string, dev device.Device, min, max float64) *Gate {
	return NewGate(name, dev, func(state any) bool {
		f, ok := toFloat(state)
		return ok && f >= min && f <= max
	})
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
