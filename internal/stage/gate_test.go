package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/gorig/internal/device"
	"github.com/me/gorig/internal/executor"
	"github.com/me/gorig/pkg/model"
)

// steadyDevice always reads the same state, for deterministic gate tests.
type steadyDevice struct {
	device.Base
	value any
}

func newSteadyDevice(id string, value any) *steadyDevice {
	return &steadyDevice{Base: device.NewBase(id, "test.steady"), value: value}
}

func (d *steadyDevice) Call(ctx context.Context, method string, args []any) (model.Reading, error) {
	return model.Reading{State: d.value, Timestamp: time.Now().UnixNano()}, nil
}

func apply(dev device.Device, state any) {
	dev.Apply(model.Reading{State: state, Timestamp: time.Now().UnixNano()})
}

func runAsync(st Stage) chan model.Outcome {
	done := make(chan model.Outcome, 1)
	go func() {
		out, _ := Run(context.Background(), st)
		done <- out
	}()
	return done
}

func TestDigitalGateCompletesOnUpdate(t *testing.T) {
	dev := device.NewRandomDigital("switch")
	gate := NewDigitalGate("gate", dev, true)

	done := runAsync(gate)
	time.Sleep(20 * time.Millisecond)
	apply(dev, false)
	select {
	case out := <-done:
		t.Fatalf("gate completed on non-exit state, outcome %v", out)
	case <-time.After(30 * time.Millisecond):
	}

	apply(dev, true)
	select {
	case out := <-done:
		if out != model.OutcomeCompleted {
			t.Errorf("outcome = %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("gate never completed")
	}
}

func TestGateUseInitial(t *testing.T) {
	dev := device.NewRandomDigital("switch")
	apply(dev, true)

	gate := NewDigitalGate("gate", dev, true)
	gate.UseInitial = true

	select {
	case out := <-runAsync(gate):
		if out != model.OutcomeCompleted {
			t.Errorf("outcome = %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("gate ignored the initial state")
	}
}

func TestGateHold(t *testing.T) {
	dev := device.NewRandomDigital("switch")
	gate := NewDigitalGate("gate", dev, true)
	gate.Hold = 80 * time.Millisecond

	done := runAsync(gate)
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	apply(dev, true)

	select {
	case <-done:
		t.Fatal("gate completed before the hold window")
	case <-time.After(40 * time.Millisecond):
	}
	select {
	case out := <-done:
		if out != model.OutcomeCompleted {
			t.Fatalf("outcome = %v", out)
		}
		if held := time.Since(start); held < 80*time.Millisecond {
			t.Errorf("completed after %v, want the full hold window", held)
		}
	case <-time.After(time.Second):
		t.Fatal("gate never completed")
	}
}

func TestGateHoldResetsOnFlip(t *testing.T) {
	dev := device.NewRandomDigital("switch")
	gate := NewDigitalGate("gate", dev, true)
	gate.Hold = 60 * time.Millisecond

	done := runAsync(gate)
	time.Sleep(10 * time.Millisecond)
	apply(dev, true)
	time.Sleep(30 * time.Millisecond)
	apply(dev, false) // hold restarts from scratch

	select {
	case <-done:
		t.Fatal("gate completed despite the flip")
	case <-time.After(60 * time.Millisecond):
	}

	apply(dev, true)
	select {
	case out := <-done:
		if out != model.OutcomeCompleted {
			t.Errorf("outcome = %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("gate never completed after the flip")
	}
}

func TestAnalogGateRange(t *testing.T) {
	dev := device.NewRandomAnalog("sensor")
	gate := NewAnalogGate("gate", dev, 0.4, 0.6)

	done := runAsync(gate)
	time.Sleep(10 * time.Millisecond)
	apply(dev, 0.9)
	select {
	case <-done:
		t.Fatal("gate completed outside the range")
	case <-time.After(30 * time.Millisecond):
	}

	apply(dev, 0.5)
	select {
	case out := <-done:
		if out != model.OutcomeCompleted {
			t.Errorf("outcome = %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("gate never completed")
	}
}

func TestGatePollDrivesDevice(t *testing.T) {
	dev := newSteadyDevice("beam", true)
	gate := NewDigitalGate("gate", dev, true)
	gate.Poll = executor.NewMethod(dev, device.MethodReadState, nil, 0)
	gate.PollInterval = 10 * time.Millisecond

	select {
	case out := <-runAsync(gate):
		if out != model.OutcomeCompleted {
			t.Errorf("outcome = %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("polling never drove the gate open")
	}
}

func TestGateCancellation(t *testing.T) {
	dev := device.NewRandomDigital("switch")
	gate := NewDigitalGate("gate", dev, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan model.Outcome, 1)
	go func() {
		out, _ := Run(ctx, gate)
		done <- out
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out != model.OutcomeCancelled {
			t.Errorf("outcome = %v, want cancelled", out)
		}
	case <-time.After(time.Second):
		t.Fatal("gate did not stop")
	}
}

func TestGateMissingDeviceFails(t *testing.T) {
	gate := &Gate{Base: NewBase("gate")}
	out, err := Run(context.Background(), gate)
	if out != model.OutcomeFailed {
		t.Errorf("outcome = %v, want failed", out)
	}
	var ce *model.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}
