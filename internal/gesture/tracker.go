package gesture

import (
	"sort"
	"time"

	"github.com/roach88/loopsync/internal/clock"
)

// Default highlight windows.
const (
	DefaultObjectWindow = 600 * time.Millisecond
	DefaultFingerWindow = 400 * time.Millisecond
)

// Config sets how long an identifier stays highlighted after its last onset.
type Config struct {
	ObjectWindow time.Duration
	FingerWindow time.Duration
}

// DefaultConfig returns 600ms for objects and 400ms for fingers.
func DefaultConfig() Config {
	return Config{ObjectWindow: DefaultObjectWindow, FingerWindow: DefaultFingerWindow}
}

// Tracker maintains the active-object and active-finger highlight sets.
//
// Each identifier carries an expiry deadline. An onset (re)sets the
// deadline, so repeated onsets refresh rather than duplicate. Objects only
// leave by expiry; fingers also leave immediately on "off".
//
// Not safe for concurrent use: owned by the engine's run loop.
type Tracker struct {
	cfg     Config
	now     clock.Source
	objects map[string]float64
	fingers map[FingerKey]float64
}

// NewTracker creates an empty tracker. Zero windows fall back to defaults.
func NewTracker(now clock.Source, cfg Config) *Tracker {
	if cfg.ObjectWindow <= 0 {
		cfg.ObjectWindow = DefaultObjectWindow
	}
	if cfg.FingerWindow <= 0 {
		cfg.FingerWindow = DefaultFingerWindow
	}
	return &Tracker{
		cfg:     cfg,
		now:     now,
		objects: make(map[string]float64),
		fingers: make(map[FingerKey]float64),
	}
}

// Observe applies an event to the highlight sets.
// Returns true if set membership changed.
func (t *Tracker) Observe(ev Event) bool {
	now := t.now.NowMs()
	changed := false

	switch {
	case ev.Highlights():
		if ev.ObjectID != "" {
			if !liveObject(t.objects, ev.ObjectID, now) {
				changed = true
			}
			t.objects[ev.ObjectID] = now + clock.Ms(t.cfg.ObjectWindow)
		}
		if ev.Hand != "" && ev.Finger != "" {
			key := FingerKey{Hand: ev.Hand, Finger: ev.Finger}
			if !liveFinger(t.fingers, key, now) {
				changed = true
			}
			t.fingers[key] = now + clock.Ms(t.cfg.FingerWindow)
		}

	case ev.Kind == KindOff:
		if ev.Hand != "" && ev.Finger != "" {
			key := FingerKey{Hand: ev.Hand, Finger: ev.Finger}
			if liveFinger(t.fingers, key, now) {
				changed = true
			}
			delete(t.fingers, key)
		}
	}

	return changed
}

// Sweep drops every identifier whose deadline has passed.
// Returns true if anything was removed.
func (t *Tracker) Sweep() bool {
	now := t.now.NowMs()
	removed := false
	for id, deadline := range t.objects {
		if deadline <= now {
			delete(t.objects, id)
			removed = true
		}
	}
	for key, deadline := range t.fingers {
		if deadline <= now {
			delete(t.fingers, key)
			removed = true
		}
	}
	return removed
}

// ObjectActive reports whether an object is currently highlighted.
func (t *Tracker) ObjectActive(id string) bool {
	return liveObject(t.objects, id, t.now.NowMs())
}

// FingerActive reports whether a hand/finger pair is currently highlighted.
func (t *Tracker) FingerActive(hand, finger string) bool {
	return liveFinger(t.fingers, FingerKey{Hand: hand, Finger: finger}, t.now.NowMs())
}

// ActiveObjects returns the highlighted object ids, sorted.
func (t *Tracker) ActiveObjects() []string {
	now := t.now.NowMs()
	out := make([]string, 0, len(t.objects))
	for id, deadline := range t.objects {
		if deadline > now {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ActiveFingers returns the highlighted hand/finger pairs, sorted.
func (t *Tracker) ActiveFingers() []FingerKey {
	now := t.now.NowMs()
	out := make([]FingerKey, 0, len(t.fingers))
	for key, deadline := range t.fingers {
		if deadline > now {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hand != out[j].Hand {
			return out[i].Hand < out[j].Hand
		}
		return out[i].Finger < out[j].Finger
	})
	return out
}

func liveObject(set map[string]float64, id string, now float64) bool {
	deadline, ok := set[id]
	return ok && deadline > now
}

func liveFinger(set map[FingerKey]float64, key FingerKey, now float64) bool {
	deadline, ok := set[key]
	return ok && deadline > now
}
