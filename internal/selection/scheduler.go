// Package selection defers loop selection to the start of a cycle.
//
// A select request that arrives mid-cycle is parked as the single pending
// selection and committed on the first authoritative phase sample that is
// close enough to the downbeat. Deselection is never deferred and is
// handled by the engine directly.
package selection

// DefaultThreshold is the "close enough to the downbeat" tolerance.
const DefaultThreshold = 0.02

// State is the scheduler's position in its two-state machine.
type State int

const (
	// Idle has no pending selection.
	Idle State = iota
	// PendingSelect holds a loop id waiting for the phase to wrap.
	PendingSelect
)

// String returns a readable state name.
func (s State) String() string {
	if s == PendingSelect {
		return "pending"
	}
	return "idle"
}

// Scheduler holds at most one pending selection. Last request wins.
//
// Not safe for concurrent use: owned by the engine's run loop.
type Scheduler struct {
	threshold float64
	pending   string
}

// New creates an idle scheduler. A non-positive threshold uses the default.
func New(threshold float64) *Scheduler {
	if !(threshold > 0) {
		threshold = DefaultThreshold
	}
	return &Scheduler{threshold: threshold}
}

// Threshold returns the near-zero tolerance.
func (s *Scheduler) Threshold() float64 {
	return s.threshold
}

// NearZero reports whether a phase is close enough to the cycle start.
func (s *Scheduler) NearZero(phase float64) bool {
	return phase < s.threshold
}

// RequestSelect decides whether a selection can be committed now.
// It returns true when the caller should commit immediately (any older
// pending request is dropped); otherwise loopID becomes the pending
// selection, replacing any previous one.
func (s *Scheduler) RequestSelect(loopID string, phase float64) bool {
	if s.NearZero(phase) {
		s.pending = ""
		return true
	}
	s.pending = loopID
	return false
}

// OnPhase checks the pending selection against an authoritative phase.
// When it fires, the pending slot is cleared and the loop id returned.
func (s *Scheduler) OnPhase(phase float64) (string, bool) {
	if s.pending == "" || !s.NearZero(phase) {
		return "", false
	}
	id := s.pending
	s.pending = ""
	return id, true
}

// Pending returns the pending loop id, if any.
func (s *Scheduler) Pending() (string, bool) {
	return s.pending, s.pending != ""
}

// State returns Idle or PendingSelect.
func (s *Scheduler) State() State {
	if s.pending != "" {
		return PendingSelect
	}
	return Idle
}

// Cancel drops the pending selection and returns it.
func (s *Scheduler) Cancel() string {
	id := s.pending
	s.pending = ""
	return id
}

// CancelFor drops the pending selection only if it targets loopID.
func (s *Scheduler) CancelFor(loopID string) bool {
	if s.pending == "" || s.pending != loopID {
		return false
	}
	s.pending = ""
	return true
}
