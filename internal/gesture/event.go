// Package gesture normalizes incoming gesture/touch events.
//
// It keeps two short-lived highlight sets for renderers (active object ids
// and active hand/finger pairs) and converts raw timestamps into timeline
// display positions. Recording of onsets is handled by the recording
// package; both consume the same Event.
package gesture

import "fmt"

// Kind is the phase of a gesture.
type Kind int

const (
	// KindOn is an onset (press / touch start).
	KindOn Kind = iota + 1
	// KindOff is a release.
	KindOff
	// KindAftertouch is continued pressure on an already active target.
	KindAftertouch
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindOn:
		return "on"
	case KindOff:
		return "off"
	case KindAftertouch:
		return "aftertouch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a wire name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "on":
		return KindOn, true
	case "off":
		return KindOff, true
	case "aftertouch":
		return KindAftertouch, true
	}
	return 0, false
}

// Event is a single gesture sample.
type Event struct {
	Kind     Kind
	ObjectID string
	Hand     string
	Finger   string

	// TsMs is the event time on the engine time base.
	TsMs float64

	// Stamped is false when the source supplied no timestamp; the engine
	// stamps such events on arrival.
	Stamped bool
}

// On reports whether the event is an onset. Only onsets are recorded.
func (e Event) On() bool {
	return e.Kind == KindOn
}

// Highlights reports whether the event lights up its targets.
func (e Event) Highlights() bool {
	return e.Kind == KindOn || e.Kind == KindAftertouch
}

// FingerKey identifies a sensor on a hand.
type FingerKey struct {
	Hand   string `json:"hand"`
	Finger string `json:"finger"`
}

// String returns "hand:finger".
func (k FingerKey) String() string {
	return k.Hand + ":" + k.Finger
}

// TestEvent is a synthetic event injected into the backend's current loop.
type TestEvent struct {
	ObjectID string  `json:"objectId"`
	Hand     string  `json:"hand"`
	Finger   string  `json:"finger"`
	Velocity float64 `json:"velocity"`
	Label    string  `json:"label"`
}
