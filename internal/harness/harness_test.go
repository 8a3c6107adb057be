package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return s
}

func TestRun_ScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(s.Steps))
		})
	}
}

func TestRun_ReportsMismatches(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "expectations that do not hold"
steps:
  - create: Drums
  - start: { bpm: 120, beat_per_bar: 4, bars: 1 }
expect:
  selected: loop-1
  playing: false
  loops:
    - id: loop-1
      timings: [0.5]
`)
	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		`selected: expected "loop-1", got ""`,
		`loops[0].timings: expected [0.5], got []`,
		`playing: expected false, got true`,
	}, result.Errors)
}

func TestRun_UnknownEventKind(t *testing.T) {
	s := mustParse(t, `
name: bad_kind
description: "unknown gesture kind"
steps:
  - event: { kind: squeeze, object: a }
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step 1: unknown event kind "squeeze"`)
}

func TestRun_InitialMeterAndThreshold(t *testing.T) {
	// 60 bpm, 2/4, 1 bar: a 2000ms cycle. A 0.3 threshold lets a select at
	// phase 0.25 commit immediately.
	s := mustParse(t, `
name: meter
description: "scenario-level meter and threshold"
transport: { bpm: 60, beat_per_bar: 2, bars: 1 }
threshold: 0.3
steps:
  - create: Solo
  - transport: { playing: true }
  - advance: 500
  - frame: true
  - select: Solo
expect:
  selected: loop-1
  pending: ""
  recording: { open: true, loop: loop-1, buffered: 0 }
  phase: 0.25
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, 60.0, result.Snapshot.Transport.BPM)
	assert.Equal(t, 2000.0, result.Snapshot.DurationMs)
}

func TestRun_Idle(t *testing.T) {
	s := mustParse(t, `
name: idle
description: "no backend state changes"
steps:
  - frame: true
expect:
  playing: false
  metronome: false
  loops: []
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Backend.Loops)
	assert.Nil(t, result.Backend.Transport)
}

func TestSummary_Empty(t *testing.T) {
	result := NewResult()
	assert.Equal(t, `scenario: empty
steps:
final:
  transport: stopped bpm=0 beat_per_bar=0 bars=0 phase=0.0000
  metronome: off
  selected: -
  pending: -
  recording: -
  objects: -
  fingers: -
  backend: current=- loops=-
`, result.Summary("empty"))
}

func TestDescribe(t *testing.T) {
	s := mustParse(t, `
name: describe
description: "step rendering"
steps:
  - transport: { phase: 0.5, playing: false, bpm: 90, beat_per_bar: 3, bars: 2 }
  - event: { kind: aftertouch, object: o }
  - toggle: Bass
  - clear: loop-3
`)
	got := make([]string, len(s.Steps))
	for i, step := range s.Steps {
		got[i] = describe(step)
	}
	assert.Equal(t, []string{
		"transport phase=0.5 playing=false bpm=90 beat_per_bar=3 bars=2",
		"event aftertouch o",
		"toggle Bass",
		"clear loop-3",
	}, got)
}
