package engine

import (
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/loop"
	"github.com/roach88/loopsync/internal/recording"
	"github.com/roach88/loopsync/internal/transport"
)

// Snapshot is an immutable view of engine state for renderers.
//
// Loops share event slices with the registry; those slices are never
// written after publication.
type Snapshot struct {
	Seq            int64               `json:"seq"`
	Transport      transport.Transport `json:"transport"`
	DurationMs     float64             `json:"durationMs"`
	Loops          []loop.Loop         `json:"loops"`
	SelectedLoopID string              `json:"selectedLoopId"`
	PendingLoopID  string              `json:"pendingLoopId"`
	Recording      recording.Status    `json:"recording"`
	LiveMarks      []recording.Mark    `json:"liveMarks"`
	ActiveObjects  []string            `json:"activeObjects"`
	ActiveFingers  []gesture.FingerKey `json:"activeFingers"`
	Metronome      bool                `json:"metronome"`
}

// Loop returns the loop with the given id.
func (s Snapshot) Loop(id string) (loop.Loop, bool) {
	for _, l := range s.Loops {
		if l.ID == id {
			return l, true
		}
	}
	return loop.Loop{}, false
}

// LoopByName returns the first loop with the given name.
func (s Snapshot) LoopByName(name string) (loop.Loop, bool) {
	for _, l := range s.Loops {
		if l.Name == name {
			return l, true
		}
	}
	return loop.Loop{}, false
}

// ObjectActive reports whether an object id is highlighted.
func (s Snapshot) ObjectActive(id string) bool {
	for _, o := range s.ActiveObjects {
		if o == id {
			return true
		}
	}
	return false
}

// FingerActive reports whether a hand/finger pair is highlighted.
func (s Snapshot) FingerActive(hand, finger string) bool {
	for _, f := range s.ActiveFingers {
		if f.Hand == hand && f.Finger == finger {
			return true
		}
	}
	return false
}
