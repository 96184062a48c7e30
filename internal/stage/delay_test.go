package stage

import (
	"context"
	"testing"
	"time"

	"github.com/me/gorig/pkg/model"
)

func TestDelayWaits(t *testing.T) {
	start := time.Now()
	out, err := Run(context.Background(), NewDelay("d", 50*time.Millisecond))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, want at least the delay", elapsed)
	}
}

func TestDelayZero(t *testing.T) {
	out, err := Run(context.Background(), NewDelay("d", 0))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCompleted {
		t.Errorf("outcome = %v", out)
	}
}

func TestUniformDelayWithinBounds(t *testing.T) {
	s := NewUniformDelay("d", 10*time.Millisecond, 30*time.Millisecond)
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := s.DoTrial(context.Background(), i); err != nil {
			t.Fatalf("DoTrial() error = %v", err)
		}
		if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
			t.Errorf("trial %d waited %v, want at least the minimum", i, elapsed)
		}
	}
}

func TestGaussianDelayNeverNegative(t *testing.T) {
	s := NewGaussianDelay("d", 0, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := s.DoTrial(context.Background(), i); err != nil {
			t.Fatalf("DoTrial() error = %v", err)
		}
	}
}

func TestDelayCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out, err := Run(ctx, NewDelay("d", time.Minute))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != model.OutcomeCancelled {
		t.Errorf("outcome = %v, want cancelled", out)
	}
}
