package harness

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/loopsync/internal/engine"
)

// timingTolerance absorbs float noise in quantized timings and phases.
const timingTolerance = 1e-9

// CheckExpect compares a snapshot against expectations and returns one
// message per mismatch.
func CheckExpect(exp Expect, snap engine.Snapshot) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if exp.Selected != nil && *exp.Selected != snap.SelectedLoopID {
		fail("selected: expected %q, got %q", *exp.Selected, snap.SelectedLoopID)
	}
	if exp.Pending != nil && *exp.Pending != snap.PendingLoopID {
		fail("pending: expected %q, got %q", *exp.Pending, snap.PendingLoopID)
	}

	if r := exp.Recording; r != nil {
		got := snap.Recording
		switch {
		case r.Open != got.Open:
			fail("recording.open: expected %t, got %t", r.Open, got.Open)
		case r.Loop != "" && r.Loop != got.LoopID:
			fail("recording.loop: expected %q, got %q", r.Loop, got.LoopID)
		case r.Buffered != nil && *r.Buffered != got.Buffered:
			fail("recording.buffered: expected %d, got %d", *r.Buffered, got.Buffered)
		}
	}

	if exp.Loops != nil {
		errs = append(errs, checkLoops(exp.Loops, snap)...)
	}

	if exp.Objects != nil && !sameSet(exp.Objects, snap.ActiveObjects) {
		fail("objects: expected %v, got %v", exp.Objects, snap.ActiveObjects)
	}
	if exp.Fingers != nil {
		if got := fingerLabels(snap); !sameSet(exp.Fingers, got) {
			fail("fingers: expected %v, got %v", exp.Fingers, got)
		}
	}

	if exp.Phase != nil && math.Abs(*exp.Phase-snap.Transport.Phase) > timingTolerance {
		fail("phase: expected %v, got %v", *exp.Phase, snap.Transport.Phase)
	}
	if exp.Playing != nil && *exp.Playing != snap.Transport.Playing {
		fail("playing: expected %t, got %t", *exp.Playing, snap.Transport.Playing)
	}
	if exp.Metronome != nil && *exp.Metronome != snap.Metronome {
		fail("metronome: expected %t, got %t", *exp.Metronome, snap.Metronome)
	}

	return errs
}

func checkLoops(want []LoopExpect, snap engine.Snapshot) []string {
	var errs []string
	if len(want) != len(snap.Loops) {
		ids := make([]string, len(snap.Loops))
		for i, l := range snap.Loops {
			ids[i] = l.ID
		}
		return []string{fmt.Sprintf("loops: expected %d, got %d [%s]", len(want), len(snap.Loops), strings.Join(ids, ","))}
	}

	for i, w := range want {
		got := snap.Loops[i]
		prefix := fmt.Sprintf("loops[%d]", i)
		if w.ID != got.ID {
			errs = append(errs, fmt.Sprintf("%s.id: expected %q, got %q", prefix, w.ID, got.ID))
			continue
		}
		if w.Name != "" && w.Name != got.Name {
			errs = append(errs, fmt.Sprintf("%s.name: expected %q, got %q", prefix, w.Name, got.Name))
		}
		if w.Active != nil && *w.Active != got.Active {
			errs = append(errs, fmt.Sprintf("%s.active: expected %t, got %t", prefix, *w.Active, got.Active))
		}

		timings := make([]float64, len(got.Events))
		for j, ev := range got.Events {
			timings[j] = ev.Timing
		}
		if !sameTimings(w.Timings, timings) {
			errs = append(errs, fmt.Sprintf("%s.timings: expected %v, got %v", prefix, w.Timings, timings))
		}
	}
	return errs
}

func sameTimings(want, got []float64) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > timingTolerance {
			return false
		}
	}
	return true
}

func sameSet(want, got []string) bool {
	a := slices.Clone(want)
	b := slices.Clone(got)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
