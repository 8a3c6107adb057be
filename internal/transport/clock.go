package transport

import (
	"math"

	"github.com/roach88/loopsync/internal/clock"
)

// Change describes what an Apply call did.
type Change struct {
	// PhaseSet is true when the update carried a usable phase.
	PhaseSet bool

	// PlayingChanged is true when the playing flag flipped.
	PlayingChanged bool

	// MeterChanged is true when bpm, beatPerBar or bars changed value.
	MeterChanged bool

	// Rejected lists fields that were present but malformed.
	Rejected []string
}

// Clock reconciles authoritative transport updates with a local
// frame-driven extrapolation of the phase.
//
// Not safe for concurrent use: owned by the engine's run loop.
//
// INVARIANTS:
//   - state.Phase is always in [0,1)
//   - running implies state.Playing
//   - phase == ((now - baseline) mod duration) / duration right after a Tick
type Clock struct {
	now      clock.Source
	state    Transport
	baseline float64
	running  bool
}

// NewClock creates a stopped clock with the default meter.
func NewClock(now clock.Source) *Clock {
	return &Clock{
		now:   now,
		state: Default(),
	}
}

// Snapshot returns the current transport state.
func (c *Clock) Snapshot() Transport {
	return c.state
}

// DurationMs returns the current cycle length.
func (c *Clock) DurationMs() float64 {
	return c.state.DurationMs()
}

// Running reports whether the local tick is extrapolating.
func (c *Clock) Running() bool {
	return c.running
}

// Apply merges an authoritative update, ignoring unset and malformed fields.
//
// A new phase, a start of playback, or a meter change during playback
// rebases the local extrapolation on the current phase. Stopping playback
// cancels the local tick and forces the phase to 0.
func (c *Clock) Apply(u Update) Change {
	var ch Change

	if u.BPM != nil {
		if v := *u.BPM; validBPM(v) {
			if v != c.state.BPM {
				c.state.BPM = v
				ch.MeterChanged = true
			}
		} else {
			ch.Rejected = append(ch.Rejected, "bpm")
		}
	}
	if u.BeatPerBar != nil {
		if v := *u.BeatPerBar; v >= 1 {
			if v != c.state.BeatPerBar {
				c.state.BeatPerBar = v
				ch.MeterChanged = true
			}
		} else {
			ch.Rejected = append(ch.Rejected, "beatPerBar")
		}
	}
	if u.Bars != nil {
		if v := *u.Bars; v >= 1 {
			if v != c.state.Bars {
				c.state.Bars = v
				ch.MeterChanged = true
			}
		} else {
			ch.Rejected = append(ch.Rejected, "bars")
		}
	}
	if u.Phase != nil {
		if p := *u.Phase; !math.IsNaN(p) && !math.IsInf(p, 0) {
			c.state.Phase = Wrap(p)
			ch.PhaseSet = true
		} else {
			ch.Rejected = append(ch.Rejected, "phase")
		}
	}
	if u.Playing != nil {
		ch.PlayingChanged = *u.Playing != c.state.Playing
		c.state.Playing = *u.Playing
		if !c.state.Playing {
			c.running = false
			c.state.Phase = 0
			return ch
		}
	}

	if c.state.Playing && (!c.running || ch.PhaseSet || ch.MeterChanged) {
		c.rebase()
	}
	return ch
}

// Reset re-initializes the clock for a fresh start: new meter, phase 0,
// playing, baseline at now.
func (c *Clock) Reset(cfg Config) {
	c.state = Transport{
		BPM:        cfg.BPM,
		BeatPerBar: cfg.BeatPerBar,
		Bars:       cfg.Bars,
		Playing:    true,
	}
	c.rebase()
}

// Tick advances the local extrapolation to now.
// Returns the phase and whether the clock is running.
func (c *Clock) Tick() (float64, bool) {
	if !c.running {
		return c.state.Phase, false
	}
	d := c.state.DurationMs()
	if d <= 0 {
		return c.state.Phase, false
	}
	elapsed := c.now.NowMs() - c.baseline
	c.state.Phase = Wrap(math.Mod(elapsed, d) / d)
	return c.state.Phase, true
}

// rebase anchors the baseline so that Tick at now yields the current phase.
func (c *Clock) rebase() {
	c.baseline = c.now.NowMs() - c.state.Phase*c.state.DurationMs()
	c.running = true
}
