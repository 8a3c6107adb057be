// Package clock provides the time source shared by the transport clock,
// the highlight tracker and recording sessions.
//
// All engine timestamps are milliseconds on a single monotonic time base.
// Gesture timestamps pushed by the backend are expected on the same base;
// events that arrive without one are stamped from this source.
package clock

import "time"

// Source reports the current time in milliseconds.
//
// Implemented by Monotonic (production) and testutil.ManualClock (tests).
type Source interface {
	NowMs() float64
}

// Monotonic measures milliseconds elapsed since it was created.
//
// Backed by Go's monotonic clock reading, so wall-clock adjustments never
// move it backwards.
type Monotonic struct {
	start time.Time
}

// NewMonotonic creates a source whose zero is the moment of the call.
func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

// NowMs returns milliseconds since the source was created.
func (m *Monotonic) NowMs() float64 {
	return float64(time.Since(m.start)) / float64(time.Millisecond)
}

// Ms converts a duration to fractional milliseconds.
func Ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
