package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/loopsync/internal/backend"
	"github.com/roach88/loopsync/internal/engine"
)

// StepTrace records one executed step and the selection state after it.
type StepTrace struct {
	Index     int    `json:"index"`
	Step      string `json:"step"`
	Selected  string `json:"selected"`
	Pending   string `json:"pending"`
	Recording string `json:"recording"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation matched.
	Pass bool `json:"pass"`

	// Errors lists expectation mismatches. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Trace has one entry per step, in order.
	Trace []StepTrace `json:"trace"`

	// Snapshot is the engine state after the last step.
	Snapshot engine.Snapshot `json:"snapshot"`

	// Backend is the in-process service state after the last step.
	Backend backend.LocalState `json:"backend"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Trace:  []StepTrace{},
	}
}

// AddError adds a mismatch and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Summary renders the trace and final state as stable text. Golden files
// hold this text.
func (r *Result) Summary(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	b.WriteString("steps:\n")
	for _, st := range r.Trace {
		fmt.Fprintf(&b, "  %02d %s -> sel=%s pend=%s rec=%s\n",
			st.Index, st.Step, dash(st.Selected), dash(st.Pending), dash(st.Recording))
	}

	snap := r.Snapshot
	tr := snap.Transport
	state := "stopped"
	if tr.Playing {
		state = "playing"
	}
	metronome := "off"
	if snap.Metronome {
		metronome = "on"
	}

	b.WriteString("final:\n")
	fmt.Fprintf(&b, "  transport: %s bpm=%g beat_per_bar=%d bars=%d phase=%.4f\n",
		state, tr.BPM, tr.BeatPerBar, tr.Bars, tr.Phase)
	fmt.Fprintf(&b, "  metronome: %s\n", metronome)
	fmt.Fprintf(&b, "  selected: %s\n", dash(snap.SelectedLoopID))
	fmt.Fprintf(&b, "  pending: %s\n", dash(snap.PendingLoopID))
	fmt.Fprintf(&b, "  recording: %s\n", dash(recordingLabel(snap)))
	fmt.Fprintf(&b, "  objects: %s\n", dash(strings.Join(snap.ActiveObjects, ",")))
	fmt.Fprintf(&b, "  fingers: %s\n", dash(strings.Join(fingerLabels(snap), ",")))

	for _, l := range snap.Loops {
		flag := "active"
		if !l.Active {
			flag = "inactive"
		}
		timings := make([]string, len(l.Events))
		for i, ev := range l.Events {
			timings[i] = fmt.Sprintf("%.4f", ev.Timing)
		}
		fmt.Fprintf(&b, "  loop %s %q %s timings=[%s]\n", l.ID, l.Name, flag, strings.Join(timings, " "))
	}

	ids := make([]string, len(r.Backend.Loops))
	for i, l := range r.Backend.Loops {
		ids[i] = l.ID
	}
	fmt.Fprintf(&b, "  backend: current=%s loops=%s\n", dash(r.Backend.CurrentID), dash(strings.Join(ids, ",")))

	return b.String()
}

func recordingLabel(snap engine.Snapshot) string {
	if !snap.Recording.Open {
		return ""
	}
	return fmt.Sprintf("%s(%d)", snap.Recording.LoopID, snap.Recording.Buffered)
}

func fingerLabels(snap engine.Snapshot) []string {
	out := make([]string, len(snap.ActiveFingers))
	for i, f := range snap.ActiveFingers {
		out[i] = f.String()
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
