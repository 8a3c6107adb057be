// Package harness runs scripted sessions against the engine.
//
// A scenario feeds steps (loop commands, transport updates, gestures,
// clock advances, injected backend failures) to a fresh engine that runs
// on a manual clock with the in-process backend, then checks the final
// snapshot.
//
// # Scenario Format
//
//	name: deferred_select
//	description: "A select away from the downbeat waits for phase ~0"
//	transport: { bpm: 120, beat_per_bar: 4, bars: 1 }
//	steps:
//	  - create: Drums
//	  - start: { bpm: 120, beat_per_bar: 4, bars: 1 }
//	  - advance: 500
//	  - frame: true
//	  - select: Drums
//	  - transport: { phase: 0.01 }
//	  - event: { object: a, hand: left, finger: "1" }
//	  - deselect: true
//	expect:
//	  selected: ""
//	  loops:
//	    - id: loop-1
//	      timings: [0]
//
// Each step holds exactly one action. Loop references accept an id or a
// name. Expectations left out are not checked.
//
// # Golden Files
//
// RunWithGolden compares Result.Summary against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
