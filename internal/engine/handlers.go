package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// process routes one event to its handler.
func (e *Engine) process(event Event) error {
	switch event.Type {
	case EventTypeTransport:
		if event.Transport == nil {
			return fmt.Errorf("transport event without payload")
		}
		return e.handleTransport(*event.Transport)
	case EventTypeGesture:
		if event.Gesture == nil {
			return fmt.Errorf("gesture event without payload")
		}
		e.handleGesture(*event.Gesture)
		return nil
	case EventTypeCommand:
		if event.Command == nil {
			return fmt.Errorf("command event without payload")
		}
		return e.handleCommand(*event.Command)
	case EventTypeCompletion:
		if event.Completion == nil {
			return fmt.Errorf("completion event without payload")
		}
		return e.handleCompletion(*event.Completion)
	default:
		return fmt.Errorf("unknown event type %d", event.Type)
	}
}

// handleTransport merges an authoritative update and checks the pending
// selection against the phase it carries.
//
// The pending check only runs for updates that carry a phase: a local
// tick is an approximation and never commits a selection. The check sees
// the phase the clock settled on, so a stop in the same update counts as
// the downbeat.
func (e *Engine) handleTransport(u transport.Update) error {
	ch := e.clock.Apply(u)
	if len(ch.Rejected) > 0 {
		slog.Debug("ignored malformed transport fields", "fields", ch.Rejected)
	}
	if !ch.PhaseSet {
		return nil
	}

	phase := e.clock.Snapshot().Phase
	id, fire := e.selector.OnPhase(phase)
	if !fire {
		return nil
	}
	if !e.loops.Has(id) {
		return newCommandError(ErrCodeUnknownLoop, Command{Kind: CmdSelect, LoopID: id}, nil)
	}
	slog.Debug("committing deferred selection", "loop_id", id, "phase", phase)
	e.call(Command{Kind: CmdSelect, LoopID: id})
	return nil
}

// handleGesture updates the highlight sets and feeds the recording session.
func (e *Engine) handleGesture(g gesture.Event) {
	if !g.Stamped {
		g.TsMs = e.now.NowMs()
		g.Stamped = true
	}
	e.gestures.Observe(g)
	e.session.Record(g)
}

// handleCommand applies a user command. Commands that need the backend
// are dispatched; local state changes when the completion arrives.
func (e *Engine) handleCommand(cmd Command) error {
	switch cmd.Kind {
	case CmdSelect:
		return e.requestSelect(cmd)
	case CmdToggle:
		if cmd.LoopID != "" && (cmd.LoopID == e.loops.Selected() || e.selectInFlight(cmd.LoopID)) {
			return e.deselect()
		}
		return e.requestSelect(Command{Kind: CmdSelect, LoopID: cmd.LoopID})
	case CmdDeselect:
		return e.deselect()
	case CmdDelete, CmdClear, CmdSetActive:
		if !e.loops.Has(cmd.LoopID) {
			return newCommandError(ErrCodeUnknownLoop, cmd, nil)
		}
	case CmdStartTransport:
		if err := cmd.Transport.Validate(); err != nil {
			return newCommandError(ErrCodeInvalidConfig, cmd, err)
		}
	case CmdCreate, CmdToggleTransport, CmdMetronome, CmdAddTestEvent, CmdClearTestEvents:
	default:
		return fmt.Errorf("unknown command %q", cmd.Kind)
	}

	e.call(cmd)
	return nil
}

// requestSelect commits a selection now if the phase is near the
// downbeat, otherwise parks it as the pending selection.
func (e *Engine) requestSelect(cmd Command) error {
	if !e.loops.Has(cmd.LoopID) {
		return newCommandError(ErrCodeUnknownLoop, cmd, nil)
	}
	if cmd.LoopID == e.loops.Selected() {
		e.selector.Cancel()
		return nil
	}

	phase := e.clock.Snapshot().Phase
	if !e.selector.RequestSelect(cmd.LoopID, phase) {
		slog.Debug("selection deferred", "loop_id", cmd.LoopID, "phase", phase)
		return nil
	}
	e.call(cmd)
	return nil
}

// deselect is never deferred: the open session is finalized into its
// loop, the registry is cleared, and the backend is told afterwards.
// Selects still in flight become stale. A pending selection is kept.
func (e *Engine) deselect() error {
	if e.loops.Selected() == "" && !e.session.IsOpen() && len(e.selecting) == 0 {
		return nil
	}
	if len(e.selecting) > 0 {
		slog.Debug("dropping in-flight selection", "count", len(e.selecting))
		clear(e.selecting)
	}
	e.finalizeOpen()
	e.loops.Deselect()
	e.call(Command{Kind: CmdDeselect})
	return nil
}

// selectInFlight reports whether a select round-trip for id is in flight.
func (e *Engine) selectInFlight(id string) bool {
	for _, pending := range e.selecting {
		if pending == id {
			return true
		}
	}
	return false
}

// finalizeOpen quantizes the open session into its loop and persists it.
func (e *Engine) finalizeOpen() {
	id, events := e.session.Finalize(e.clock.DurationMs())
	if id == "" {
		return
	}
	if err := e.loops.Append(id, events); err != nil {
		slog.Warn("dropping finalized events", "loop_id", id, "count", len(events), "error", err)
		return
	}
	slog.Debug("recording finalized", "loop_id", id, "events", len(events))
	e.persist(id)
}

// persist writes a loop through the journal, if one is configured.
func (e *Engine) persist(id string) {
	if e.journal == nil {
		return
	}
	l, ok := e.loops.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	if err := e.journal.SaveLoop(ctx, l); err != nil {
		slog.Error("journal save failed", "loop_id", id, "error", err)
	}
}

// unpersist removes a loop from the journal, if one is configured.
func (e *Engine) unpersist(id string) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	if err := e.journal.DeleteLoop(ctx, id); err != nil {
		slog.Error("journal delete failed", "loop_id", id, "error", err)
	}
}
