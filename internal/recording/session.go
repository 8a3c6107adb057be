// Package recording buffers raw onset timestamps while a loop is selected
// and quantizes them into cycle-relative timings on finalize.
package recording

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/loopsync/internal/clock"
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/loop"
)

// ErrSessionOpen is returned by Open while another session is open.
var ErrSessionOpen = errors.New("recording session already open")

// Pending is a buffered onset awaiting quantization.
type Pending struct {
	ObjectID string
	Hand     string
	Finger   string
	TsMs     float64
}

// Mark is a buffered onset placed on the timeline before finalize.
type Mark struct {
	ObjectID string `json:"objectId"`
	Hand     string `json:"hand"`
	Finger   string `json:"finger"`

	// Position is the onset's place in the cycle, in percent [0,100).
	Position float64 `json:"position"`
}

// Status summarizes a session for renderers.
type Status struct {
	Open     bool    `json:"open"`
	LoopID   string  `json:"loopId,omitempty"`
	StartMs  float64 `json:"startMs"`
	Buffered int     `json:"buffered"`
}

// Session is the single recording slot.
//
// Not safe for concurrent use: owned by the engine's run loop.
type Session struct {
	now     clock.Source
	open    bool
	loopID  string
	startMs float64
	pending []Pending
}

// NewSession creates a closed session.
func NewSession(now clock.Source) *Session {
	return &Session{now: now}
}

// Open starts recording for a loop at the current time.
func (s *Session) Open(loopID string) error {
	if s.open {
		return fmt.Errorf("%w: recording %s", ErrSessionOpen, s.loopID)
	}
	s.open = true
	s.loopID = loopID
	s.startMs = s.now.NowMs()
	s.pending = nil
	return nil
}

// IsOpen reports whether a session is recording.
func (s *Session) IsOpen() bool {
	return s.open
}

// LoopID returns the recording target, or "" when closed.
func (s *Session) LoopID() string {
	return s.loopID
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	return Status{
		Open:     s.open,
		LoopID:   s.loopID,
		StartMs:  s.startMs,
		Buffered: len(s.pending),
	}
}

// Record buffers an onset. Off and aftertouch events, and events arriving
// while closed, are ignored. Returns true if the event was buffered.
func (s *Session) Record(ev gesture.Event) bool {
	if !s.open || !ev.On() {
		return false
	}
	ts := ev.TsMs
	if !ev.Stamped {
		ts = s.now.NowMs()
	}
	s.pending = append(s.pending, Pending{
		ObjectID: ev.ObjectID,
		Hand:     ev.Hand,
		Finger:   ev.Finger,
		TsMs:     ts,
	})
	return true
}

// Marks returns where each buffered onset will land once finalized,
// in buffer order. A closed session has no marks.
func (s *Session) Marks(durationMs float64) []Mark {
	out := make([]Mark, len(s.pending))
	for i, p := range s.pending {
		offset := Quantize(p.TsMs, s.startMs, durationMs) * durationMs
		out[i] = Mark{
			ObjectID: p.ObjectID,
			Hand:     p.Hand,
			Finger:   p.Finger,
			Position: gesture.TimelinePercent(offset, durationMs),
		}
	}
	return out
}

// Finalize quantizes every buffered onset against the cycle length and
// closes the session. Returns the target loop and the events to append;
// a closed session yields ("", nil).
func (s *Session) Finalize(durationMs float64) (string, []loop.Event) {
	if !s.open {
		return "", nil
	}
	events := make([]loop.Event, len(s.pending))
	for i, p := range s.pending {
		events[i] = loop.Event{
			ObjectID: p.ObjectID,
			Hand:     p.Hand,
			Finger:   p.Finger,
			Timing:   Quantize(p.TsMs, s.startMs, durationMs),
		}
	}
	id := s.loopID
	s.reset()
	return id, events
}

// Discard closes the session without producing events.
// Returns the loop that was being recorded.
func (s *Session) Discard() string {
	id := s.loopID
	s.reset()
	return id
}

func (s *Session) reset() {
	s.open = false
	s.loopID = ""
	s.startMs = 0
	s.pending = nil
}

// Quantize maps a timestamp to its position within a cycle that started
// at startMs. The result is in [0,1); exact multiples of the cycle map to 0.
func Quantize(tsMs, startMs, durationMs float64) float64 {
	if !(durationMs > 0) {
		return 0
	}
	delta := math.Mod(tsMs-startMs, durationMs)
	if delta < 0 {
		delta += durationMs
	}
	t := delta / durationMs
	if math.IsNaN(t) || t < 0 || t >= 1 {
		return 0
	}
	return t
}
