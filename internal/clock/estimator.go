// Package clock estimates the offset and drift between a remote endpoint's
// clock and the local clock from round-trip echo samples, and translates
// remote-stamped events into local time. The estimate never mutates what the
// remote side recorded.
package clock

import (
	"sync"
	"time"
)

// DefaultWindow is the number of samples retained for the fit.
const DefaultWindow = 32

// Sample is one echo round trip: local send time, the remote clock reading
// it returned, and local receive time. All in nanoseconds.
type Sample struct {
	LocalSend int64
	Remote    int64
	LocalRecv int64
}

// mid is the local midpoint approximation of when the remote read its clock.
func (s Sample) mid() int64 {
	return s.LocalSend + (s.LocalRecv-s.LocalSend)/2
}

// Estimator holds a sliding window of samples and a least-squares fit of
// remote time as a function of local time. Safe for concurrent use.
type Estimator struct {
	mu      sync.Mutex
	window  int
	samples []Sample

	// remote ≈ slope*(local-x0) + intercept + y0, with x0/y0 anchoring the
	// fit at the first retained sample to keep the arithmetic well scaled.
	slope     float64
	intercept float64
	x0        int64
	y0        int64

	lastOut int64
	clamped bool
}

// NewEstimator creates an Estimator keeping up to window samples.
// window < 2 falls back to DefaultWindow.
func NewEstimator(window int) *Estimator {
	if window < 2 {
		window = DefaultWindow
	}
	return &Estimator{window: window, slope: 1}
}

// AddSample records one echo round trip and refits the model.
func (e *Estimator) AddSample(s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, s)
	if len(e.samples) > e.window {
		e.samples = e.samples[len(e.samples)-e.window:]
	}
	e.refit()
}

// Len returns the number of retained samples.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

func (e *Estimator) refit() {
	n := len(e.samples)
	if n < 2 {
		return
	}

	e.x0 = e.samples[0].mid()
	e.y0 = e.samples[0].Remote

	var sx, sy, sxx, sxy float64
	for _, s := range e.samples {
		x := float64(s.mid() - e.x0)
		y := float64(s.Remote - e.y0)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return
	}
	slope := (fn*sxy - sx*sy) / den
	if slope <= 0 {
		// A non-positive rate means the sample window is degenerate
		// (e.g. identical send times); keep the previous fit.
		return
	}
	e.slope = slope
	e.intercept = (sy - slope*sx) / fn
}

// Translate converts a remote-stamped timestamp into local time.
// With fewer than 2 samples it is the identity. Outputs are clamped
// monotonic non-decreasing: a later raw remote timestamp never translates
// to an earlier local time than a prior translation.
func (e *Estimator) Translate(remote int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := remote
	if len(e.samples) >= 2 {
		out = e.x0 + int64((float64(remote-e.y0)-e.intercept)/e.slope)
	}
	if e.clamped && out < e.lastOut {
		out = e.lastOut
	}
	e.lastOut = out
	e.clamped = true
	return out
}

// TranslateTime is Translate over time.Time values.
func (e *Estimator) TranslateTime(remote time.Time) time.Time {
	return time.Unix(0, e.Translate(remote.UnixNano()))
}

// Offset returns the current additive remote-to-local correction evaluated
// at the newest sample, or 0 with fewer than 2 samples.
func (e *Estimator) Offset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.samples) < 2 {
		return 0
	}
	s := e.samples[len(e.samples)-1]
	local := e.x0 + int64((float64(s.Remote-e.y0)-e.intercept)/e.slope)
	return time.Duration(local - s.Remote)
}

// Drift returns the fitted rate deviation: how many extra remote seconds
// elapse per local second. 0 means the clocks tick at the same rate.
func (e *Estimator) Drift() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.samples) < 2 {
		return 0
	}
	return e.slope - 1
}
