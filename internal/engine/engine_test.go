package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/loop"
	"github.com/roach88/loopsync/internal/recording"
	"github.com/roach88/loopsync/internal/testutil"
	"github.com/roach88/loopsync/internal/transport"
)

// newTestEngine returns an engine with a synchronous dispatcher, so a
// single Drain applies commands and their completions.
func newTestEngine(t *testing.T, opts ...Option) (*Engine, *testutil.FakeBackend, *testutil.ManualClock) {
	t.Helper()
	b := testutil.NewFakeBackend()
	clock := testutil.NewManualClock(0)
	base := []Option{
		WithDispatcher(SyncDispatcher),
		WithRequestIDs(testutil.NewSequentialIDs("req")),
	}
	e := New(b, clock, append(base, opts...)...)
	return e, b, clock
}

func startTransport(t *testing.T, e *Engine, bpm float64, bpb, bars int) {
	t.Helper()
	require.True(t, e.StartTransport(transport.Config{BPM: bpm, BeatPerBar: bpb, Bars: bars}))
	e.Drain()
	require.True(t, e.Snapshot().Transport.Playing)
}

func createLoop(t *testing.T, e *Engine, name string) string {
	t.Helper()
	before := len(e.Snapshot().Loops)
	require.True(t, e.CreateLoop(name))
	e.Drain()
	loops := e.Snapshot().Loops
	require.Len(t, loops, before+1)
	return loops[len(loops)-1].ID
}

func onset(objectID, hand, finger string, tsMs float64) gesture.Event {
	return gesture.Event{Kind: gesture.KindOn, ObjectID: objectID, Hand: hand, Finger: finger, TsMs: tsMs, Stamped: true}
}

func timings(l loop.Loop) []float64 {
	out := make([]float64, len(l.Events))
	for i, ev := range l.Events {
		out[i] = ev.Timing
	}
	return out
}

type memJournal struct {
	mu      sync.Mutex
	saved   map[string]loop.Loop
	deleted []string
}

func newMemJournal() *memJournal {
	return &memJournal{saved: make(map[string]loop.Loop)}
}

func (j *memJournal) SaveLoop(ctx context.Context, l loop.Loop) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved[l.ID] = l
	return nil
}

func (j *memJournal) DeleteLoop(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.saved, id)
	j.deleted = append(j.deleted, id)
	return nil
}

func TestEngine_New(t *testing.T) {
	e, _, _ := newTestEngine(t)

	snap := e.Snapshot()
	assert.Equal(t, int64(1), snap.Seq, "initial snapshot is published")
	assert.Equal(t, transport.Default(), snap.Transport)
	assert.Equal(t, 2000.0, snap.DurationMs)
	assert.Empty(t, snap.Loops)
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)
	assert.True(t, snap.Metronome, "metronome starts on")
}

func TestEngine_WithMetronome(t *testing.T) {
	e, _, _ := newTestEngine(t, WithMetronome(false))
	assert.False(t, e.Snapshot().Metronome)
}

func TestEngine_WithTransportAndLoops(t *testing.T) {
	seed := []loop.Loop{
		{ID: "a", Name: "", Active: false, Events: []loop.Event{{ObjectID: "1", Timing: 0.5}}},
		{ID: "a", Name: "dup"},
		{ID: "b", Name: "bass", Active: true},
	}
	e, _, _ := newTestEngine(t,
		WithTransport(transport.Config{BPM: 90, BeatPerBar: 3, Bars: 2}),
		WithLoops(seed),
	)

	snap := e.Snapshot()
	assert.Equal(t, 4000.0, snap.DurationMs)
	assert.False(t, snap.Transport.Playing, "initial meter does not start playback")

	require.Len(t, snap.Loops, 2, "duplicate id is skipped")
	assert.Equal(t, loop.DefaultName, snap.Loops[0].Name)
	assert.False(t, snap.Loops[0].Active)
	assert.Equal(t, []float64{0.5}, timings(snap.Loops[0]))
	assert.Equal(t, "bass", snap.Loops[1].Name)
}

func TestEngine_Enqueue_AfterStop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Stop()

	assert.False(t, e.CreateLoop("x"))
	assert.False(t, e.PushTransport(transport.Update{}.WithPhase(0.1)))
	assert.False(t, e.PushGesture(onset("1", "left", "0", 0)))
}

// Start 120/4/1, select at phase 0, onset at 500ms, deselect.
func TestEngine_RecordAndFinalize(t *testing.T) {
	e, b, _ := newTestEngine(t)

	startTransport(t, e, 120, 4, 1)
	assert.Equal(t, 2000.0, e.Snapshot().DurationMs)

	l1 := createLoop(t, e, "L1")
	e.RequestSelect(l1)
	e.Drain()

	snap := e.Snapshot()
	assert.Equal(t, l1, snap.SelectedLoopID)
	assert.True(t, snap.Recording.Open, "session opens immediately near phase 0")
	assert.Equal(t, l1, snap.Recording.LoopID)

	e.PushGesture(onset("7", "left", "1", 500))
	e.Drain()
	assert.Equal(t, 1, e.Snapshot().Recording.Buffered)

	e.RequestDeselect()
	e.Drain()

	snap = e.Snapshot()
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)

	got, ok := snap.Loop(l1)
	require.True(t, ok)
	require.Len(t, got.Events, 1)
	assert.Equal(t, loop.Event{ObjectID: "7", Hand: "left", Finger: "1", Timing: 0.25}, got.Events[0])

	assert.Equal(t, []string{"StartTransport", "CreateLoop", "SelectLoop", "DeselectLoop"}, b.Methods())
}

// Select at phase 0.5 waits for an authoritative phase near zero.
func TestEngine_DeferredSelect(t *testing.T) {
	e, b, clock := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l2 := createLoop(t, e, "L2")

	clock.AdvanceMs(1000)
	e.Frame()
	require.InDelta(t, 0.5, e.Snapshot().Transport.Phase, 1e-9)

	e.RequestSelect(l2)
	e.Drain()

	snap := e.Snapshot()
	assert.Equal(t, l2, snap.PendingLoopID)
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)
	assert.Zero(t, b.Count("SelectLoop"), "backend is not told until commit")

	// A phase far from the downbeat leaves the request pending
	e.PushTransport(transport.Update{}.WithPhase(0.5))
	e.Drain()
	assert.Equal(t, l2, e.Snapshot().PendingLoopID)

	e.PushTransport(transport.Update{}.WithPhase(0.01))
	e.Drain()

	snap = e.Snapshot()
	assert.Empty(t, snap.PendingLoopID)
	assert.Equal(t, l2, snap.SelectedLoopID)
	assert.True(t, snap.Recording.Open)
	assert.Equal(t, 1, b.Count("SelectLoop"))
}

func TestEngine_DeferredSelect_LastRequestWins(t *testing.T) {
	e, b, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	a := createLoop(t, e, "A")
	c := createLoop(t, e, "C")

	e.PushTransport(transport.Update{}.WithPhase(0.3))
	e.RequestSelect(a)
	e.RequestSelect(c)
	e.Drain()
	assert.Equal(t, c, e.Snapshot().PendingLoopID)

	e.PushTransport(transport.Update{}.WithPhase(0))
	e.Drain()

	assert.Equal(t, c, e.Snapshot().SelectedLoopID)
	require.Len(t, b.Calls(), 4)
	assert.Equal(t, "SelectLoop("+c+")", b.Calls()[3].String(), "only the last request is committed")
}

func TestEngine_DeferredSelect_LocalTickNeverCommits(t *testing.T) {
	e, _, clock := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.PushTransport(transport.Update{}.WithPhase(0.5))
	e.RequestSelect(l)
	e.Drain()

	// Local extrapolation wraps through the downbeat
	clock.AdvanceMs(1010)
	e.Frame()
	require.Less(t, e.Snapshot().Transport.Phase, 0.02)

	snap := e.Snapshot()
	assert.Equal(t, l, snap.PendingLoopID)
	assert.False(t, snap.Recording.Open)
}

func TestEngine_DeferredSelect_StopCountsAsDownbeat(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.PushTransport(transport.Update{}.WithPhase(0.5))
	e.RequestSelect(l)
	e.Drain()
	require.Equal(t, l, e.Snapshot().PendingLoopID)

	// Stopping forces the phase to zero even though 0.5 was sent.
	e.PushTransport(transport.Update{}.WithPhase(0.5).WithPlaying(false))
	e.Drain()

	snap := e.Snapshot()
	assert.Zero(t, snap.Transport.Phase)
	assert.Empty(t, snap.PendingLoopID)
	assert.Equal(t, l, snap.SelectedLoopID)
}

func TestEngine_DeferredSelect_WrappedPhase(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.PushTransport(transport.Update{}.WithPhase(0.7))
	e.RequestSelect(l)
	e.PushTransport(transport.Update{}.WithPhase(3.01))
	e.Drain()

	assert.Equal(t, l, e.Snapshot().SelectedLoopID, "phase is taken modulo 1")
}

// Object 7 on with no off: gone after the object window.
func TestEngine_HighlightExpiry(t *testing.T) {
	e, _, clock := newTestEngine(t)

	e.PushGesture(gesture.Event{Kind: gesture.KindOn, ObjectID: "7", Hand: "right", Finger: "2"})
	e.Drain()

	snap := e.Snapshot()
	assert.True(t, snap.ObjectActive("7"))
	assert.True(t, snap.FingerActive("right", "2"))

	clock.AdvanceMs(400)
	e.Frame()
	snap = e.Snapshot()
	assert.True(t, snap.ObjectActive("7"))
	assert.False(t, snap.FingerActive("right", "2"), "finger window is shorter")

	clock.AdvanceMs(199)
	e.Frame()
	assert.True(t, e.Snapshot().ObjectActive("7"))

	clock.AdvanceMs(1)
	e.Frame()
	assert.False(t, e.Snapshot().ObjectActive("7"))
	assert.Empty(t, e.Snapshot().ActiveObjects)
}

func TestEngine_HighlightOffRemovesFinger(t *testing.T) {
	e, _, _ := newTestEngine(t, WithHighlightConfig(gesture.Config{
		ObjectWindow: time.Second,
		FingerWindow: time.Second,
	}))

	e.PushGesture(gesture.Event{Kind: gesture.KindOn, ObjectID: "3", Hand: "left", Finger: "0"})
	e.PushGesture(gesture.Event{Kind: gesture.KindOff, ObjectID: "3", Hand: "left", Finger: "0"})
	e.Drain()

	snap := e.Snapshot()
	assert.False(t, snap.FingerActive("left", "0"))
	assert.True(t, snap.ObjectActive("3"), "objects only expire by timeout")
}

// Clear while recording keeps the session; later finalize appends.
func TestEngine_ClearWhileRecording(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l1 := createLoop(t, e, "L1")

	e.RequestSelect(l1)
	e.PushGesture(onset("1", "left", "0", 500))
	e.RequestDeselect()
	e.Drain()
	got, _ := e.Snapshot().Loop(l1)
	require.Equal(t, []float64{0.25}, timings(got))

	e.RequestSelect(l1)
	e.PushGesture(onset("2", "left", "0", 1000))
	e.ClearLoop(l1)
	e.Drain()

	snap := e.Snapshot()
	got, _ = snap.Loop(l1)
	assert.Empty(t, got.Events)
	assert.NotNil(t, got.Events)
	assert.True(t, snap.Recording.Open, "clear does not stop the session")
	assert.Equal(t, 1, snap.Recording.Buffered)

	e.RequestDeselect()
	e.Drain()
	got, _ = e.Snapshot().Loop(l1)
	assert.Equal(t, []float64{0.5}, timings(got))
}

func TestEngine_FinalizeAppendsToExistingEvents(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	for _, ts := range []float64{0, 2000, 2500} {
		e.RequestSelect(l)
		e.PushGesture(onset("9", "right", "4", ts))
		e.RequestDeselect()
	}
	e.Drain()

	got, _ := e.Snapshot().Loop(l)
	assert.Equal(t, []float64{0, 0, 0.25}, timings(got), "multiples of the cycle quantize to 0")
}

func TestEngine_OnlyOnsetsAreRecorded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 100))
	e.PushGesture(gesture.Event{Kind: gesture.KindOff, ObjectID: "1", Hand: "left", Finger: "0", TsMs: 200, Stamped: true})
	e.PushGesture(gesture.Event{Kind: gesture.KindAftertouch, ObjectID: "1", Hand: "left", Finger: "0", TsMs: 300, Stamped: true})
	e.RequestDeselect()
	e.Drain()

	got, _ := e.Snapshot().Loop(l)
	assert.Len(t, got.Events, 1)
}

func TestEngine_LiveMarksFollowTheSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("7", "left", "1", 500))
	e.PushGesture(onset("8", "right", "2", 1500))
	e.Drain()

	assert.Equal(t, []recording.Mark{
		{ObjectID: "7", Hand: "left", Finger: "1", Position: 25},
		{ObjectID: "8", Hand: "right", Finger: "2", Position: 75},
	}, e.Snapshot().LiveMarks)

	e.RequestDeselect()
	e.Drain()

	assert.Empty(t, e.Snapshot().LiveMarks)
	got, _ := e.Snapshot().Loop(l)
	assert.Equal(t, []float64{0.25, 0.75}, timings(got), "marks match the finalized timings")
}

func TestEngine_GesturesWithoutSessionAreNotRecorded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.PushGesture(onset("1", "left", "0", 100))
	e.RequestSelect(l)
	e.RequestDeselect()
	e.Drain()

	got, _ := e.Snapshot().Loop(l)
	assert.Empty(t, got.Events)
}

func TestEngine_UnstampedGestureUsesEngineTime(t *testing.T) {
	e, _, clock := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.Drain()

	clock.AdvanceMs(1500)
	e.PushGesture(gesture.Event{Kind: gesture.KindOn, ObjectID: "5", Hand: "left", Finger: "3"})
	e.RequestDeselect()
	e.Drain()

	got, _ := e.Snapshot().Loop(l)
	assert.Equal(t, []float64{0.75}, timings(got))
}

func TestEngine_SelectAnotherLoopFinalizesFirst(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	a := createLoop(t, e, "A")
	b := createLoop(t, e, "B")

	e.RequestSelect(a)
	e.PushGesture(onset("1", "left", "0", 500))
	e.RequestSelect(b)
	e.Drain()

	snap := e.Snapshot()
	assert.Equal(t, b, snap.SelectedLoopID)
	assert.Equal(t, b, snap.Recording.LoopID)
	assert.Zero(t, snap.Recording.Buffered)

	got, _ := snap.Loop(a)
	assert.Equal(t, []float64{0.25}, timings(got), "previous session is finalized, not dropped")
}

func TestEngine_SelectSelectedLoopIsNoop(t *testing.T) {
	e, b, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 500))
	e.RequestSelect(l)
	e.Drain()

	snap := e.Snapshot()
	assert.Equal(t, 1, snap.Recording.Buffered, "session is not restarted")
	assert.Equal(t, 1, b.Count("SelectLoop"))
}

func TestEngine_ToggleLoop(t *testing.T) {
	e, b, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.ToggleLoop(l)
	e.Drain()
	assert.Equal(t, l, e.Snapshot().SelectedLoopID)

	e.ToggleLoop(l)
	e.Drain()
	assert.Empty(t, e.Snapshot().SelectedLoopID)
	assert.Equal(t, 1, b.Count("DeselectLoop"))
}

func TestEngine_DeselectWithoutSelectionIsNoop(t *testing.T) {
	e, b, _ := newTestEngine(t)

	e.RequestDeselect()
	e.Drain()

	assert.Zero(t, b.Count("DeselectLoop"))
}

func TestEngine_DeleteSelectedLoopDiscardsSession(t *testing.T) {
	j := newMemJournal()
	e, _, _ := newTestEngine(t, WithJournal(j))
	startTransport(t, e, 120, 4, 1)
	keep := createLoop(t, e, "keep")
	gone := createLoop(t, e, "gone")

	e.RequestSelect(gone)
	e.PushGesture(onset("1", "left", "0", 500))
	e.DeleteLoop(gone)
	e.Drain()

	snap := e.Snapshot()
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)
	_, ok := snap.Loop(gone)
	assert.False(t, ok)
	_, ok = snap.Loop(keep)
	assert.True(t, ok)

	assert.Equal(t, []string{gone}, j.deleted)
	assert.Contains(t, j.saved, keep)
	assert.NotContains(t, j.saved, gone)
}

func TestEngine_DeleteCancelsPendingSelection(t *testing.T) {
	e, b, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.PushTransport(transport.Update{}.WithPhase(0.5))
	e.RequestSelect(l)
	e.DeleteLoop(l)
	e.PushTransport(transport.Update{}.WithPhase(0))
	e.Drain()

	assert.Empty(t, e.Snapshot().PendingLoopID)
	assert.Zero(t, b.Count("SelectLoop"))
}

func TestEngine_SetLoopActive(t *testing.T) {
	j := newMemJournal()
	e, b, _ := newTestEngine(t, WithJournal(j))
	l := createLoop(t, e, "L")

	e.SetLoopActive(l, false)
	e.Drain()

	got, _ := e.Snapshot().Loop(l)
	assert.False(t, got.Active)
	assert.False(t, j.saved[l].Active)
	assert.Equal(t, "ToggleLoopActive("+l+", false)", b.Calls()[1].String())
}

func TestEngine_JournalSeesFinalizedEvents(t *testing.T) {
	j := newMemJournal()
	e, _, _ := newTestEngine(t, WithJournal(j))
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 1000))
	e.RequestDeselect()
	e.Drain()

	assert.Equal(t, []float64{0.5}, timings(j.saved[l]))
}

func TestEngine_BackendFailureLeavesStateUntouched(t *testing.T) {
	e, b, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	b.Fail("SelectLoop", errors.New("connection refused"))
	e.RequestSelect(l)
	e.Drain()

	snap := e.Snapshot()
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)

	// Not retried
	assert.Equal(t, 1, b.Count("SelectLoop"))

	b.Fail("CreateLoop", errors.New("timeout"))
	e.CreateLoop("never")
	e.Drain()
	assert.Len(t, e.Snapshot().Loops, 1)
}

func TestEngine_DeselectIsNotRolledBack(t *testing.T) {
	e, b, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 500))
	e.Drain()

	b.Fail("DeselectLoop", errors.New("500"))
	e.RequestDeselect()
	e.Drain()

	snap := e.Snapshot()
	assert.Empty(t, snap.SelectedLoopID, "local deselect stands")
	got, _ := snap.Loop(l)
	assert.Equal(t, []float64{0.25}, timings(got))
}

// gatedDispatcher runs calls inline until held; held calls wait for release.
type gatedDispatcher struct {
	mu     sync.Mutex
	held   bool
	parked []func()
}

func (g *gatedDispatcher) dispatch(call func()) {
	g.mu.Lock()
	if g.held {
		g.parked = append(g.parked, call)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	call()
}

func (g *gatedDispatcher) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = true
}

// release runs the parked calls in dispatch order.
func (g *gatedDispatcher) release() {
	g.mu.Lock()
	parked := g.parked
	g.parked = nil
	g.held = false
	g.mu.Unlock()
	for _, call := range parked {
		call()
	}
}

func TestEngine_DeselectWhileSelectInFlight(t *testing.T) {
	gate := &gatedDispatcher{}
	e, b, _ := newTestEngine(t, WithDispatcher(gate.dispatch))
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	gate.hold()
	e.RequestSelect(l)
	e.Drain()
	require.Empty(t, e.Snapshot().SelectedLoopID, "select waits for the backend")

	e.RequestDeselect()
	e.Drain()

	// The select response arrives after the deselect was issued.
	gate.release()
	e.Drain()

	e.PushGesture(onset("1", "left", "0", 500))
	e.Drain()

	snap := e.Snapshot()
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)
	got, _ := snap.Loop(l)
	assert.Empty(t, got.Events)
	assert.Equal(t, []string{"StartTransport", "CreateLoop", "SelectLoop", "DeselectLoop"}, b.Methods())
}

func TestEngine_ToggleOffWhileSelectInFlight(t *testing.T) {
	gate := &gatedDispatcher{}
	e, b, _ := newTestEngine(t, WithDispatcher(gate.dispatch))
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	gate.hold()
	e.ToggleLoop(l)
	e.Drain()
	e.ToggleLoop(l)
	e.Drain()
	gate.release()
	e.Drain()

	snap := e.Snapshot()
	assert.Empty(t, snap.SelectedLoopID)
	assert.False(t, snap.Recording.Open)
	assert.Equal(t, 1, b.Count("SelectLoop"))
	assert.Equal(t, 1, b.Count("DeselectLoop"))
}

func TestEngine_SelectAfterStaleSelectStillCommits(t *testing.T) {
	gate := &gatedDispatcher{}
	e, _, _ := newTestEngine(t, WithDispatcher(gate.dispatch))
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	gate.hold()
	e.RequestSelect(l)
	e.Drain()
	e.RequestDeselect()
	e.Drain()
	e.RequestSelect(l)
	e.Drain()
	gate.release()
	e.Drain()

	snap := e.Snapshot()
	assert.Equal(t, l, snap.SelectedLoopID, "only the first select went stale")
	assert.True(t, snap.Recording.Open)
}

func TestEngine_CompletionAppliesBeforeQueuedInput(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	// All three are queued before anything runs.
	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 500))
	e.RequestDeselect()
	e.Drain()

	got, _ := e.Snapshot().Loop(l)
	assert.Equal(t, []float64{0.25}, timings(got), "gesture lands in the session opened by the select")
}

func TestEngine_ClearStandsWhenBackendFails(t *testing.T) {
	j := newMemJournal()
	e, b, _ := newTestEngine(t, WithJournal(j))
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 500))
	e.RequestDeselect()
	e.Drain()
	require.Len(t, j.saved[l].Events, 1)

	b.Fail("ClearLoop", errors.New("503"))
	e.ClearLoop(l)
	e.Drain()

	got, ok := e.Snapshot().Loop(l)
	require.True(t, ok)
	assert.Empty(t, got.Events)
	assert.Empty(t, j.saved[l].Events)
	assert.Equal(t, 1, b.Count("ClearLoop"), "not retried")
}

func TestEngine_DeleteStandsWhenBackendFails(t *testing.T) {
	t.Run("selected_loop", func(t *testing.T) {
		j := newMemJournal()
		e, b, _ := newTestEngine(t, WithJournal(j))
		startTransport(t, e, 120, 4, 1)
		l := createLoop(t, e, "L")

		e.RequestSelect(l)
		e.PushGesture(onset("1", "left", "0", 500))
		e.Drain()
		require.True(t, e.Snapshot().Recording.Open)

		b.Fail("DeleteLoop", errors.New("503"))
		e.DeleteLoop(l)
		e.Drain()

		snap := e.Snapshot()
		_, ok := snap.Loop(l)
		assert.False(t, ok)
		assert.Empty(t, snap.SelectedLoopID)
		assert.False(t, snap.Recording.Open, "session is discarded")
		assert.Equal(t, []string{l}, j.deleted)
	})

	t.Run("pending_loop", func(t *testing.T) {
		e, b, _ := newTestEngine(t)
		startTransport(t, e, 120, 4, 1)
		l := createLoop(t, e, "L")

		e.PushTransport(transport.Update{}.WithPhase(0.5))
		e.RequestSelect(l)
		e.Drain()
		require.Equal(t, l, e.Snapshot().PendingLoopID)

		b.Fail("DeleteLoop", errors.New("503"))
		e.DeleteLoop(l)
		e.PushTransport(transport.Update{}.WithPhase(0))
		e.Drain()

		snap := e.Snapshot()
		assert.Empty(t, snap.PendingLoopID)
		assert.Empty(t, snap.Loops)
		assert.Zero(t, b.Count("SelectLoop"))
	})
}

func TestEngine_DeleteFailureIsReported(t *testing.T) {
	e, b, _ := newTestEngine(t)
	l := createLoop(t, e, "L")

	b.Fail("DeleteLoop", errors.New("503"))
	err := e.process(Event{Type: EventTypeCommand, Command: &Command{Kind: CmdDelete, LoopID: l}})
	require.NoError(t, err)

	event, ok := e.queue.TryDequeue()
	require.True(t, ok)
	err = e.process(event)
	assert.True(t, IsBackendError(err))
	assert.False(t, e.loops.Has(l), "the loop is gone locally")
}

func TestEngine_ProcessErrors(t *testing.T) {
	e, b, _ := newTestEngine(t)

	err := e.process(Event{Type: EventTypeCommand, Command: &Command{Kind: CmdSelect, LoopID: "nope"}})
	assert.True(t, IsUnknownLoop(err))

	err = e.process(Event{Type: EventTypeCommand, Command: &Command{Kind: CmdClear, LoopID: "nope"}})
	assert.True(t, IsUnknownLoop(err))

	err = e.process(Event{Type: EventTypeCommand, Command: &Command{
		Kind:      CmdStartTransport,
		Transport: transport.Config{BPM: 10, BeatPerBar: 4, Bars: 1},
	}})
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInvalidConfig, ce.Code)
	assert.ErrorIs(t, err, transport.ErrInvalidConfig)
	assert.Zero(t, b.Count("StartTransport"), "invalid config never reaches the backend")

	boom := errors.New("boom")
	e.selecting["req-9"] = "x"
	err = e.process(Event{Type: EventTypeCompletion, Completion: &Completion{
		Command: Command{Kind: CmdSelect, LoopID: "x", RequestID: "req-9"},
		Err:     boom,
	}})
	assert.True(t, IsBackendError(err))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "BACKEND_FAILED: select (loop=x)")

	e.selecting["req-10"] = "x"
	err = e.process(Event{Type: EventTypeCompletion, Completion: &Completion{
		Command: Command{Kind: CmdSelect, LoopID: "x", RequestID: "req-10"},
	}})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeRegistryRejected, ce.Code)

	// A select completion nobody is waiting for is dropped quietly.
	err = e.process(Event{Type: EventTypeCompletion, Completion: &Completion{
		Command: Command{Kind: CmdSelect, LoopID: "x", RequestID: "req-11"},
		Err:     boom,
	}})
	assert.NoError(t, err)

	err = e.process(Event{Type: EventTypeCommand})
	assert.Error(t, err)

	err = e.process(Event{Type: EventTypeCommand, Command: &Command{Kind: "bogus"}})
	assert.Error(t, err)
}

func TestEngine_StartTransportResetsPhase(t *testing.T) {
	e, _, clock := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)

	clock.AdvanceMs(700)
	e.Frame()
	require.InDelta(t, 0.35, e.Snapshot().Transport.Phase, 1e-9)

	startTransport(t, e, 90, 3, 2)
	snap := e.Snapshot()
	assert.Equal(t, 0.0, snap.Transport.Phase)
	assert.Equal(t, 4000.0, snap.DurationMs)

	clock.AdvanceMs(1000)
	e.Frame()
	assert.InDelta(t, 0.25, e.Snapshot().Transport.Phase, 1e-9)
}

func TestEngine_ToggleTransportStopForcesPhaseZero(t *testing.T) {
	e, _, clock := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)

	clock.AdvanceMs(500)
	e.Frame()

	e.ToggleTransport(false)
	e.Drain()

	snap := e.Snapshot()
	assert.False(t, snap.Transport.Playing)
	assert.Equal(t, 0.0, snap.Transport.Phase)

	// The local tick is cancelled
	seq := snap.Seq
	clock.AdvanceMs(500)
	e.Frame()
	assert.Equal(t, seq, e.Snapshot().Seq, "a stopped frame publishes nothing")
	assert.Equal(t, 0.0, e.Snapshot().Transport.Phase)

	e.ToggleTransport(true)
	e.Drain()
	clock.AdvanceMs(500)
	e.Frame()
	assert.InDelta(t, 0.25, e.Snapshot().Transport.Phase, 1e-9, "playback restarts from a clean cycle")
}

func TestEngine_ServerPhaseWins(t *testing.T) {
	e, _, clock := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)

	clock.AdvanceMs(200)
	e.Frame()
	require.InDelta(t, 0.1, e.Snapshot().Transport.Phase, 1e-9)

	e.PushTransport(transport.Update{}.WithPhase(0.6))
	e.Drain()
	assert.InDelta(t, 0.6, e.Snapshot().Transport.Phase, 1e-9)

	clock.AdvanceMs(200)
	e.Frame()
	assert.InDelta(t, 0.7, e.Snapshot().Transport.Phase, 1e-9, "extrapolation rebases on the pushed phase")
}

func TestEngine_MalformedTransportFieldsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)

	e.PushTransport(transport.Update{}.WithBPM(-5).WithBars(0).WithBeatPerBar(3).WithPhase(math.NaN()))
	e.Drain()

	tr := e.Snapshot().Transport
	assert.Equal(t, 120.0, tr.BPM)
	assert.Equal(t, 1, tr.Bars)
	assert.Equal(t, 3, tr.BeatPerBar, "valid fields in the same update still apply")
	assert.Equal(t, 0.0, tr.Phase)
}

func TestEngine_PhaseAlwaysInRange(t *testing.T) {
	e, _, clock := newTestEngine(t)
	startTransport(t, e, 137, 7, 3)

	updates := []transport.Update{
		transport.Update{}.WithPhase(1.0),
		transport.Update{}.WithPhase(-0.25),
		transport.Update{}.WithPhase(3.7),
		transport.Update{}.WithPhase(math.Inf(1)),
		transport.Update{}.WithBPM(299.5),
		transport.Update{}.WithPlaying(false),
		transport.Update{}.WithPlaying(true).WithPhase(0.999999),
		transport.Update{}.WithBars(5),
	}
	for i, u := range updates {
		e.PushTransport(u)
		e.Drain()
		for k := 0; k < 25; k++ {
			clock.AdvanceMs(float64(37*(i+1) + k))
			e.Frame()
			p := e.Snapshot().Transport.Phase
			require.GreaterOrEqual(t, p, 0.0)
			require.Less(t, p, 1.0)
		}
	}
}

func TestEngine_Metronome(t *testing.T) {
	e, b, _ := newTestEngine(t)

	e.ToggleMetronome(false)
	e.Drain()
	assert.False(t, e.Snapshot().Metronome)

	b.Fail("ToggleMetronome", errors.New("down"))
	e.ToggleMetronome(true)
	e.Drain()
	assert.False(t, e.Snapshot().Metronome, "failed toggle keeps the old flag")
}

func TestEngine_TestEventsPassThrough(t *testing.T) {
	e, b, _ := newTestEngine(t)

	e.AddTestEvent(gesture.TestEvent{ObjectID: "4", Hand: "left", Finger: "2", Velocity: 0.8})
	e.ClearTestEvents()
	e.Drain()

	assert.Equal(t, []string{"AddTestEvent", "ClearTestEvents"}, b.Methods())
	assert.Equal(t, "AddTestEvent(4, left, 2)", b.Calls()[0].String())
}

func TestEngine_SnapshotsAreImmutable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	startTransport(t, e, 120, 4, 1)
	l := createLoop(t, e, "L")

	e.RequestSelect(l)
	e.PushGesture(onset("1", "left", "0", 500))
	e.RequestDeselect()
	e.Drain()
	before := e.Snapshot()

	e.ClearLoop(l)
	e.RequestSelect(l)
	e.PushGesture(onset("2", "left", "0", 1500))
	e.RequestDeselect()
	e.Drain()

	got, _ := before.Loop(l)
	assert.Equal(t, []float64{0.25}, timings(got), "earlier snapshot is unaffected")
	got, _ = e.Snapshot().Loop(l)
	assert.Equal(t, []float64{0.75}, timings(got))
	assert.Greater(t, e.Snapshot().Seq, before.Seq)
}

func TestEngine_Run_StopsOnContext(t *testing.T) {
	b := testutil.NewFakeBackend()
	e := New(b, testutil.NewManualClock(0), WithFrameInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
	assert.False(t, e.CreateLoop("late"), "queue is closed after Run returns")
}

func TestEngine_Run_StopsOnStop(t *testing.T) {
	e := New(testutil.NewFakeBackend(), testutil.NewManualClock(0))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Stop")
	}
}

func TestEngine_Run_ProcessesCommandsAsync(t *testing.T) {
	b := testutil.NewFakeBackend()
	clock := testutil.NewManualClock(0)
	e := New(b, clock, WithFrameInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.StartTransport(transport.Config{BPM: 120, BeatPerBar: 4, Bars: 1})
	e.CreateLoop("async")

	require.Eventually(t, func() bool {
		snap := e.Snapshot()
		return snap.Transport.Playing && len(snap.Loops) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Frames run off the ticker
	clock.AdvanceMs(500)
	require.Eventually(t, func() bool {
		return math.Abs(e.Snapshot().Transport.Phase-0.25) < 1e-9
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-e.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected an update signal")
	}
}
