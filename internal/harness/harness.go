package harness

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/loopsync/internal/backend"
	"github.com/roach88/loopsync/internal/engine"
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/testutil"
	"github.com/roach88/loopsync/internal/transport"
)

// Harness drives one engine through a scenario.
type Harness struct {
	clock   *testutil.ManualClock
	backend *backend.Local
	engine  *engine.Engine
	logger  *slog.Logger
}

// Run executes a scenario against a fresh engine and returns the result.
//
// The engine runs on a manual clock starting at 0ms, with the in-process
// backend (loop ids "loop-1", "loop-2", ...) called synchronously. After
// every step the event queue is drained, so each step sees the effects of
// the previous one, backend completions included.
//
// An error means the scenario could not be executed; expectation
// mismatches are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with step logging sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	clock := testutil.NewManualClock(0)
	local := backend.NewLocal(
		backend.WithIDs(testutil.NewSequentialIDs("loop").Generate),
		backend.WithClock(clock),
	)

	opts := []engine.Option{
		engine.WithDispatcher(engine.SyncDispatcher),
		engine.WithRequestIDs(testutil.NewSequentialIDs("req")),
	}
	if scenario.Transport != nil {
		opts = append(opts, engine.WithTransport(*scenario.Transport))
	}
	if scenario.Threshold > 0 {
		opts = append(opts, engine.WithSelectThreshold(scenario.Threshold))
	}

	h := &Harness{
		clock:   clock,
		backend: local,
		engine:  engine.New(local, clock, opts...),
		logger:  logger,
	}
	defer h.engine.Stop()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		h.engine.Drain()

		snap := h.engine.Snapshot()
		trace := StepTrace{
			Index:     i + 1,
			Step:      describe(step),
			Selected:  snap.SelectedLoopID,
			Pending:   snap.PendingLoopID,
			Recording: recordingLabel(snap),
		}
		result.Trace = append(result.Trace, trace)

		h.logger.Debug("step executed",
			"step", trace.Index,
			"action", trace.Step,
			"selected", trace.Selected,
			"pending", trace.Pending,
			"now_ms", clock.NowMs(),
		)
	}

	result.Snapshot = h.engine.Snapshot()
	result.Backend = local.State()

	for _, msg := range CheckExpect(scenario.Expect, result.Snapshot) {
		result.AddError(msg)
	}
	return result, nil
}

// execute feeds one step to the engine.
func (h *Harness) execute(step Step) error {
	e := h.engine
	switch {
	case step.Start != nil:
		e.StartTransport(*step.Start)

	case step.Transport != nil:
		e.PushTransport(step.Transport.update())

	case step.Create != nil:
		e.CreateLoop(*step.Create)

	case step.Select != "":
		e.RequestSelect(h.resolve(step.Select))

	case step.Toggle != "":
		e.ToggleLoop(h.resolve(step.Toggle))

	case step.Deselect:
		e.RequestDeselect()

	case step.Clear != "":
		e.ClearLoop(h.resolve(step.Clear))

	case step.Delete != "":
		e.DeleteLoop(h.resolve(step.Delete))

	case step.Active != nil:
		e.SetLoopActive(h.resolve(step.Active.Loop), step.Active.Active)

	case step.Event != nil:
		ev, err := step.Event.gesture()
		if err != nil {
			return err
		}
		e.PushGesture(ev)

	case step.Advance != nil:
		h.clock.AdvanceMs(*step.Advance)

	case step.Frame:
		e.Frame()

	case step.Fail != "":
		h.backend.FailNext(step.Fail, fmt.Errorf("injected %s failure", step.Fail))

	default:
		return fmt.Errorf("empty step")
	}
	return nil
}

// resolve maps a loop reference to an id. Unknown references pass through
// unchanged so that scenarios can exercise unknown-loop handling.
func (h *Harness) resolve(ref string) string {
	snap := h.engine.Snapshot()
	if _, ok := snap.Loop(ref); ok {
		return ref
	}
	if l, ok := snap.LoopByName(ref); ok {
		return l.ID
	}
	return ref
}

func (t TransportStep) update() transport.Update {
	var u transport.Update
	if t.Phase != nil {
		u = u.WithPhase(*t.Phase)
	}
	if t.Playing != nil {
		u = u.WithPlaying(*t.Playing)
	}
	if t.BPM != nil {
		u = u.WithBPM(*t.BPM)
	}
	if t.BeatPerBar != nil {
		u = u.WithBeatPerBar(*t.BeatPerBar)
	}
	if t.Bars != nil {
		u = u.WithBars(*t.Bars)
	}
	return u
}

func (s EventStep) gesture() (gesture.Event, error) {
	kind := gesture.KindOn
	if s.Kind != "" {
		k, ok := gesture.ParseKind(s.Kind)
		if !ok {
			return gesture.Event{}, fmt.Errorf("unknown event kind %q", s.Kind)
		}
		kind = k
	}
	ev := gesture.Event{
		Kind:     kind,
		ObjectID: s.Object,
		Hand:     s.Hand,
		Finger:   s.Finger,
	}
	if s.TsMs != nil {
		ev.TsMs = *s.TsMs
		ev.Stamped = true
	}
	return ev, nil
}

// describe renders a step for the trace.
func describe(step Step) string {
	switch {
	case step.Start != nil:
		c := step.Start
		return fmt.Sprintf("start bpm=%g beat_per_bar=%d bars=%d", c.BPM, c.BeatPerBar, c.Bars)
	case step.Transport != nil:
		t := step.Transport
		parts := []string{"transport"}
		if t.Phase != nil {
			parts = append(parts, fmt.Sprintf("phase=%g", *t.Phase))
		}
		if t.Playing != nil {
			parts = append(parts, fmt.Sprintf("playing=%t", *t.Playing))
		}
		if t.BPM != nil {
			parts = append(parts, fmt.Sprintf("bpm=%g", *t.BPM))
		}
		if t.BeatPerBar != nil {
			parts = append(parts, fmt.Sprintf("beat_per_bar=%d", *t.BeatPerBar))
		}
		if t.Bars != nil {
			parts = append(parts, fmt.Sprintf("bars=%d", *t.Bars))
		}
		return strings.Join(parts, " ")
	case step.Create != nil:
		return fmt.Sprintf("create %q", *step.Create)
	case step.Select != "":
		return "select " + step.Select
	case step.Toggle != "":
		return "toggle " + step.Toggle
	case step.Deselect:
		return "deselect"
	case step.Clear != "":
		return "clear " + step.Clear
	case step.Delete != "":
		return "delete " + step.Delete
	case step.Active != nil:
		return fmt.Sprintf("active %s %t", step.Active.Loop, step.Active.Active)
	case step.Event != nil:
		ev := step.Event
		kind := ev.Kind
		if kind == "" {
			kind = "on"
		}
		s := fmt.Sprintf("event %s %s", kind, ev.Object)
		if ev.Hand != "" || ev.Finger != "" {
			s += fmt.Sprintf(" %s:%s", ev.Hand, ev.Finger)
		}
		if ev.TsMs != nil {
			s += fmt.Sprintf(" ts=%g", *ev.TsMs)
		}
		return s
	case step.Advance != nil:
		return fmt.Sprintf("advance %gms", *step.Advance)
	case step.Frame:
		return "frame"
	case step.Fail != "":
		return "fail " + step.Fail
	}
	return "?"
}
