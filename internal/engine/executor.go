package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/loopsync/internal/loop"
	"github.com/roach88/loopsync/internal/transport"
)

// call dispatches the backend round-trip for a command.
//
// The call runs through the dispatcher (off the run loop by default).
// Its outcome comes back as a Completion event, so local state changes
// happen on the run loop, in arrival order, after the round-trip
// resolves. Completions jump ahead of queued input. If the engine has
// stopped by then, the completion is dropped.
//
// Calls are never retried or sequenced: a slow response can land after
// a later command for the same loop, and the last completion wins. The
// one exception is select: a deselect issued while a select is in flight
// makes that select stale, and its completion is ignored.
func (e *Engine) call(cmd Command) {
	cmd.RequestID = e.reqIDs.Generate()
	if cmd.Kind == CmdSelect {
		e.selecting[cmd.RequestID] = cmd.LoopID
	}
	slog.Debug("dispatching backend call",
		"command", cmd.Kind,
		"loop_id", cmd.LoopID,
		"request_id", cmd.RequestID,
	)

	backend := e.backend
	timeout := e.callTimeout
	queue := e.queue
	e.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		id, err := invoke(ctx, backend, cmd)
		completion := &Completion{Command: cmd, LoopID: id, Err: err}
		if !queue.Enqueue(Event{Type: EventTypeCompletion, Completion: completion}) {
			slog.Debug("dropping completion after stop", "command", cmd.Kind, "request_id", cmd.RequestID)
		}
	})
}

// handleCompletion applies the local effect of a finished round-trip.
//
// A failed round-trip leaves local state untouched, except for clear and
// delete: those are applied locally anyway so the user's edit is not
// lost, and the failure is still reported.
func (e *Engine) handleCompletion(c Completion) error {
	cmd := c.Command
	if cmd.Kind == CmdSelect {
		if _, ok := e.selecting[cmd.RequestID]; !ok {
			slog.Debug("ignoring stale select completion",
				"loop_id", cmd.LoopID,
				"request_id", cmd.RequestID,
				"failed", c.Err != nil,
			)
			return nil
		}
		delete(e.selecting, cmd.RequestID)
	}

	if c.Err != nil {
		failed := newCommandError(ErrCodeBackendFailed, cmd, c.Err)
		switch cmd.Kind {
		case CmdDelete:
			if err := e.deleteLocal(cmd); err != nil {
				slog.Warn("local delete after backend failure", "loop_id", cmd.LoopID, "error", err)
			}
		case CmdClear:
			if err := e.clearLocal(cmd); err != nil {
				slog.Warn("local clear after backend failure", "loop_id", cmd.LoopID, "error", err)
			}
		}
		return failed
	}

	switch cmd.Kind {
	case CmdSelect:
		return e.commitSelect(cmd)

	case CmdDeselect:
		// Local state changed when the command was handled.
		return nil

	case CmdCreate:
		l, err := e.loops.Add(c.LoopID, cmd.Name)
		if err != nil {
			cmd.LoopID = c.LoopID
			return newCommandError(ErrCodeRegistryRejected, cmd, err)
		}
		slog.Info("loop created", "loop_id", l.ID, "name", l.Name)
		e.persist(l.ID)

	case CmdDelete:
		return e.deleteLocal(cmd)

	case CmdClear:
		return e.clearLocal(cmd)

	case CmdSetActive:
		if err := e.loops.SetActive(cmd.LoopID, cmd.Active); err != nil {
			return newCommandError(ErrCodeRegistryRejected, cmd, err)
		}
		e.persist(cmd.LoopID)

	case CmdStartTransport:
		e.clock.Reset(cmd.Transport)
		slog.Info("transport started",
			"bpm", cmd.Transport.BPM,
			"beat_per_bar", cmd.Transport.BeatPerBar,
			"bars", cmd.Transport.Bars,
		)

	case CmdToggleTransport:
		e.clock.Apply(transport.Update{}.WithPlaying(cmd.Playing))

	case CmdMetronome:
		e.metronome = cmd.Enabled

	case CmdAddTestEvent, CmdClearTestEvents:
		slog.Debug("test event command acknowledged", "command", cmd.Kind)
	}
	return nil
}

// deleteLocal removes a loop from the registry along with anything
// pointing at it: the open session, a pending selection and in-flight
// selects.
func (e *Engine) deleteLocal(cmd Command) error {
	wasSelected, err := e.loops.Remove(cmd.LoopID)
	if err != nil {
		return newCommandError(ErrCodeRegistryRejected, cmd, err)
	}
	if wasSelected {
		// The open buffer goes with the loop; it is never finalized.
		e.session.Discard()
	}
	e.selector.CancelFor(cmd.LoopID)
	for reqID, id := range e.selecting {
		if id == cmd.LoopID {
			delete(e.selecting, reqID)
		}
	}
	e.unpersist(cmd.LoopID)
	slog.Info("loop deleted", "loop_id", cmd.LoopID, "was_selected", wasSelected)
	return nil
}

// clearLocal empties a loop's committed events. An open session for the
// loop keeps recording.
func (e *Engine) clearLocal(cmd Command) error {
	if err := e.loops.Clear(cmd.LoopID); err != nil {
		return newCommandError(ErrCodeRegistryRejected, cmd, err)
	}
	e.persist(cmd.LoopID)
	return nil
}

// commitSelect makes a loop the recording target once the backend has
// accepted it. A session that is still open for another loop is
// finalized first, so no recording is ever dropped.
func (e *Engine) commitSelect(cmd Command) error {
	if !e.loops.Has(cmd.LoopID) {
		return newCommandError(ErrCodeRegistryRejected, cmd, loop.ErrLoopNotFound)
	}
	if e.loops.Selected() == cmd.LoopID && e.session.IsOpen() {
		return nil
	}

	if e.session.IsOpen() {
		e.finalizeOpen()
		e.loops.Deselect()
	}
	if err := e.loops.Select(cmd.LoopID); err != nil {
		return newCommandError(ErrCodeRegistryRejected, cmd, err)
	}
	if err := e.session.Open(cmd.LoopID); err != nil {
		e.loops.Deselect()
		return newCommandError(ErrCodeRegistryRejected, cmd, err)
	}
	slog.Info("recording started", "loop_id", cmd.LoopID, "phase", e.clock.Snapshot().Phase)
	return nil
}
