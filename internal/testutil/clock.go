package testutil

import (
	"sync"
	"time"
)

// ManualClock is a controllable millisecond time source for tests.
//
// Time only moves when the test says so, which makes phase extrapolation,
// highlight expiry and quantization fully deterministic.
//
// Implements clock.Source.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now float64
}

// NewManualClock creates a clock reading startMs.
func NewManualClock(startMs float64) *ManualClock {
	return &ManualClock{now: startMs}
}

// NowMs returns the current reading.
func (c *ManualClock) NowMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.AdvanceMs(float64(d) / float64(time.Millisecond))
}

// AdvanceMs moves the clock forward by ms milliseconds.
// Negative values are ignored; the clock is monotonic.
func (c *ManualClock) AdvanceMs(ms float64) {
	if ms <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

// Set jumps to an absolute reading. Setting an earlier time is allowed so
// a single clock can be rewound between table cases.
func (c *ManualClock) Set(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// Reset rewinds the clock to 0.
func (c *ManualClock) Reset() {
	c.Set(0)
}
