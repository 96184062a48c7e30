package stage

import (
	"context"
	"math/rand"
	"time"
)

// Delay is a stage whose trial action waits a fixed duration.
type Delay struct {
	Base
	Duration time.Duration
}

// NewDelay creates a fixed-delay stage.
func NewDelay(name string, d time.Duration) *Delay {
	return &Delay{Base: NewBase(name), Duration: d}
}

func (s *Delay) DoTrial(ctx context.Context, trial int) error {
	return sleep(ctx, s.Duration)
}

// UniformDelay waits a duration drawn uniformly from [Min, Max] on each
// trial.
type UniformDelay struct {
	Base
	Min time.Duration
	Max time.Duration
}

// NewUniformDelay creates a uniformly random delay stage.
func NewUniformDelay(name string, min, max time.Duration) *UniformDelay {
	return &UniformDelay{Base: NewBase(name), Min: min, Max: max}
}

func (s *UniformDelay) DoTrial(ctx context.Context, trial int) error {
	d := s.Min
	if s.Max > s.Min {
		d += time.Duration(rand.Int63n(int64(s.Max - s.Min + 1)))
	}
	return sleep(ctx, d)
}

// GaussianDelay waits a normally distributed duration on each trial,
// clamped at zero.
type GaussianDelay struct {
	Base
	Mean   time.Duration
	Stddev time.Duration
}

// NewGaussianDelay creates a normally distributed delay stage.
func NewGaussianDelay(name string, mean, stddev time.Duration) *GaussianDelay {
	return &GaussianDelay{Base: NewBase(name), Mean: mean, Stddev: stddev}
}

func (s *GaussianDelay) DoTrial(ctx context.Context, trial int) error {
	d := time.Duration(rand.NormFloat64()*float64(s.Stddev)) + s.Mean
	if d < 0 {
		d = 0
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
