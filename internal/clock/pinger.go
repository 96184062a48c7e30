package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EchoFunc performs one clock echo against a remote endpoint and returns
// the resulting sample.
type EchoFunc func(ctx context.Context) (Sample, error)

// Pinger feeds an Estimator on a fixed cadence. The cadence is owned by the
// caller: construct a Pinger and run it; backends never ping on their own.
type Pinger struct {
	est      *Estimator
	echo     EchoFunc
	interval time.Duration
	logger   *slog.Logger
}

// NewPinger creates a Pinger driving est via echo every interval.
func NewPinger(est *Estimator, echo EchoFunc, interval time.Duration, logger *slog.Logger) *Pinger {
	if interval <= 0 {
		interval = time.Second
	}
	return &Pinger{
		est:      est,
		echo:     echo,
		interval: interval,
		logger:   logger.With("component", "clock-pinger"),
	}
}

// Once performs a single echo and records the sample.
func (p *Pinger) Once(ctx context.Context) error {
	s, err := p.echo(ctx)
	if err != nil {
		return fmt.Errorf("clock echo: %w", err)
	}
	p.est.AddSample(s)
	return nil
}

// Run pings until ctx is cancelled. An immediate first ping primes the
// estimate before the first tick.
func (p *Pinger) Run(ctx context.Context) error {
	if err := p.Once(ctx); err != nil {
		p.logger.Warn("initial clock echo failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Once(ctx); err != nil {
				p.logger.Warn("clock echo failed", "error", err)
			}
		}
	}
}
