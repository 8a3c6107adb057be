// Package timeline renders an engine snapshot as fixed-width text: a
// header, a beat ruler with bar numbers, the playhead, and one lane per
// loop with its events placed at timing*width.
//
// Output is plain ASCII and deterministic for a given snapshot and width.
// Lines carries enough per-line metadata for a terminal UI to style
// selected, pending and inactive lanes.
package timeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/loopsync/internal/engine"
	"github.com/roach88/loopsync/internal/loop"
)

// MinWidth is the narrowest lane drawn; smaller widths are raised to it.
const MinWidth = 8

// labelWidth is the name column before every lane, marker included.
const labelWidth = 14

// Kind identifies what a line shows.
type Kind int

const (
	KindHeader Kind = iota
	KindRuler
	KindPlayhead
	KindLane
	KindStatus
)

// Line is one rendered row.
type Line struct {
	Kind Kind
	Text string

	// Lane metadata, set for KindLane only.
	LoopID   string
	Active   bool
	Selected bool
	Pending  bool
}

// Render returns the timeline as newline-terminated text.
func Render(snap engine.Snapshot, width int) string {
	var b strings.Builder
	for _, l := range Lines(snap, width) {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Lines renders the timeline row by row.
func Lines(snap engine.Snapshot, width int) []Line {
	if width < MinWidth {
		width = MinWidth
	}
	pad := strings.Repeat(" ", labelWidth)

	lines := []Line{
		{Kind: KindHeader, Text: header(snap)},
		{Kind: KindRuler, Text: pad + ruler(snap.Transport.BeatPerBar, snap.Transport.Bars, width)},
		{Kind: KindPlayhead, Text: pad + playhead(snap.Transport.Phase, width)},
	}

	if len(snap.Loops) == 0 {
		lines = append(lines, Line{Kind: KindStatus, Text: "(no loops)"})
	}
	for _, l := range snap.Loops {
		lines = append(lines, lane(snap, l, width))
	}

	if st := status(snap); st != "" {
		lines = append(lines, Line{Kind: KindStatus, Text: st})
	}
	return lines
}

func header(snap engine.Snapshot) string {
	t := snap.Transport
	state := "stopped"
	if t.Playing {
		state = "playing"
	}
	h := fmt.Sprintf("%s  %g bpm  %d/4 x%d  phase %.3f  cycle %.0fms",
		state, t.BPM, t.BeatPerBar, t.Bars, t.Phase, snap.DurationMs)
	if snap.Metronome {
		h += "  metronome"
	}
	return h
}

// ruler marks every beat start; bar starts carry the bar number.
func ruler(beatPerBar, bars, width int) string {
	cells := []byte(strings.Repeat("-", width))
	beats := beatPerBar * bars
	if beats < 1 {
		return string(cells)
	}

	for b := beats - 1; b >= 0; b-- {
		at := b * width / beats
		if b%beatPerBar != 0 {
			cells[at] = '.'
			continue
		}
		label := strconv.Itoa(b/beatPerBar + 1)
		for i := 0; i < len(label) && at+i < width; i++ {
			cells[at+i] = label[i]
		}
	}
	return string(cells)
}

func playhead(phase float64, width int) string {
	cells := []byte(strings.Repeat(" ", width))
	cells[cell(phase, width)] = '^'
	return string(cells)
}

func lane(snap engine.Snapshot, l loop.Loop, width int) Line {
	selected := l.ID == snap.SelectedLoopID
	pending := l.ID == snap.PendingLoopID

	marker := " "
	switch {
	case selected && snap.Recording.Open:
		marker = "*"
	case selected:
		marker = ">"
	case pending:
		marker = "~"
	}

	base, hit, many := byte('-'), byte('x'), byte('X')
	if !l.Active {
		base, hit, many = '.', 'o', 'O'
	}

	cells := []byte(strings.Repeat(string(base), width))
	for _, ev := range l.Events {
		at := cell(ev.Timing, width)
		if cells[at] == base {
			cells[at] = hit
		} else {
			cells[at] = many
		}
	}

	return Line{
		Kind:     KindLane,
		Text:     marker + " " + label(l.Name, labelWidth-3) + " " + string(cells),
		LoopID:   l.ID,
		Active:   l.Active,
		Selected: selected,
		Pending:  pending,
	}
}

func status(snap engine.Snapshot) string {
	var parts []string
	if snap.Recording.Open {
		name := snap.Recording.LoopID
		if l, ok := snap.Loop(name); ok {
			name = l.Name
		}
		parts = append(parts, fmt.Sprintf("recording %s (%d buffered)", name, snap.Recording.Buffered))
	}
	if len(snap.ActiveObjects) > 0 {
		parts = append(parts, "objects "+strings.Join(snap.ActiveObjects, ","))
	}
	if len(snap.ActiveFingers) > 0 {
		keys := make([]string, len(snap.ActiveFingers))
		for i, f := range snap.ActiveFingers {
			keys[i] = f.String()
		}
		parts = append(parts, "fingers "+strings.Join(keys, ","))
	}
	return strings.Join(parts, "  ")
}

// cell maps a [0,1) position onto a lane index.
func cell(pos float64, width int) int {
	if math.IsNaN(pos) || pos < 0 {
		return 0
	}
	at := int(pos * float64(width))
	if at >= width {
		at = width - 1
	}
	return at
}

// label pads or truncates name to exactly n runes.
func label(name string, n int) string {
	r := []rune(name)
	if len(r) > n {
		return string(r[:n-1]) + "~"
	}
	return name + strings.Repeat(" ", n-len(r))
}
