// Package transport implements the shared musical clock.
//
// The backend is authoritative: every pushed Update overwrites the local
// copy. Between pushes, Clock.Tick extrapolates the phase from a baseline
// so renderers get a smoothly advancing playhead.
package transport

import (
	"errors"
	"fmt"
	"math"
)

// Defaults used until the first authoritative update arrives.
const (
	DefaultBPM        = 120.0
	DefaultBeatPerBar = 4
	DefaultBars       = 1
)

// Start-transport limits enforced by the backend.
const (
	MinBPM        = 30
	MaxBPM        = 300
	MaxBeatPerBar = 16
)

// ErrInvalidConfig is returned when a start-transport request is out of range.
var ErrInvalidConfig = errors.New("invalid transport config")

// Transport is a point-in-time view of the musical clock.
type Transport struct {
	BPM        float64 `json:"bpm"`
	BeatPerBar int     `json:"beatPerBar"`
	Bars       int     `json:"bars"`
	Playing    bool    `json:"playing"`
	Phase      float64 `json:"phase"`
}

// Default returns a stopped 120 BPM, 4/4, one-bar transport.
func Default() Transport {
	return Transport{
		BPM:        DefaultBPM,
		BeatPerBar: DefaultBeatPerBar,
		Bars:       DefaultBars,
	}
}

// DurationMs returns the length of one full cycle.
func (t Transport) DurationMs() float64 {
	return DurationMs(t.BPM, t.BeatPerBar, t.Bars)
}

// DurationMs computes beatPerBar * bars * (60000 / bpm).
// Returns 0 when any input is out of range.
func DurationMs(bpm float64, beatPerBar, bars int) float64 {
	if !validBPM(bpm) || beatPerBar < 1 || bars < 1 {
		return 0
	}
	return float64(beatPerBar*bars) * 60000 / bpm
}

// Wrap reduces x into [0,1). NaN and infinities map to 0.
func Wrap(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	w := math.Mod(x, 1)
	if w < 0 {
		w++
	}
	// -tiny + 1 rounds to exactly 1.
	if w >= 1 {
		return 0
	}
	return w
}

func validBPM(bpm float64) bool {
	return bpm > 0 && !math.IsInf(bpm, 0)
}

// Config is the meter sent with a start-transport command.
type Config struct {
	BPM        float64 `json:"bpm" yaml:"bpm"`
	BeatPerBar int     `json:"beatPerBar" yaml:"beat_per_bar"`
	Bars       int     `json:"bars" yaml:"bars"`
}

// DefaultConfig returns 120 BPM, 4 beats per bar, one bar.
func DefaultConfig() Config {
	return Config{BPM: DefaultBPM, BeatPerBar: DefaultBeatPerBar, Bars: DefaultBars}
}

// Validate checks the ranges the backend accepts for a start request.
func (c Config) Validate() error {
	if math.IsNaN(c.BPM) || c.BPM < MinBPM || c.BPM > MaxBPM {
		return fmt.Errorf("%w: bpm must be %d..%d, got %v", ErrInvalidConfig, MinBPM, MaxBPM, c.BPM)
	}
	if c.BeatPerBar < 1 || c.BeatPerBar > MaxBeatPerBar {
		return fmt.Errorf("%w: beatPerBar must be 1..%d, got %d", ErrInvalidConfig, MaxBeatPerBar, c.BeatPerBar)
	}
	if c.Bars < 1 {
		return fmt.Errorf("%w: bars must be >= 1, got %d", ErrInvalidConfig, c.Bars)
	}
	return nil
}

// DurationMs returns the cycle length for this meter.
func (c Config) DurationMs() float64 {
	return DurationMs(c.BPM, c.BeatPerBar, c.Bars)
}

// Update is a partial authoritative transport message.
// Nil fields are left untouched when merged.
type Update struct {
	Phase      *float64
	Playing    *bool
	BPM        *float64
	BeatPerBar *int
	Bars       *int
}

// IsEmpty reports whether no field is set.
func (u Update) IsEmpty() bool {
	return u.Phase == nil && u.Playing == nil && u.BPM == nil && u.BeatPerBar == nil && u.Bars == nil
}

// WithPhase returns a copy of u with Phase set.
func (u Update) WithPhase(p float64) Update {
	u.Phase = &p
	return u
}

// WithPlaying returns a copy of u with Playing set.
func (u Update) WithPlaying(playing bool) Update {
	u.Playing = &playing
	return u
}

// WithBPM returns a copy of u with BPM set.
func (u Update) WithBPM(bpm float64) Update {
	u.BPM = &bpm
	return u
}

// WithBeatPerBar returns a copy of u with BeatPerBar set.
func (u Update) WithBeatPerBar(n int) Update {
	u.BeatPerBar = &n
	return u
}

// WithBars returns a copy of u with Bars set.
func (u Update) WithBars(n int) Update {
	u.Bars = &n
	return u
}
