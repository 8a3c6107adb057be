package engine

import (
	"context"
	"fmt"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// CommandKind names a user command.
type CommandKind string

// Command kinds.
const (
	CmdSelect          CommandKind = "select"
	CmdDeselect        CommandKind = "deselect"
	CmdToggle          CommandKind = "toggle"
	CmdCreate          CommandKind = "create"
	CmdDelete          CommandKind = "delete"
	CmdClear           CommandKind = "clear"
	CmdSetActive       CommandKind = "set_active"
	CmdStartTransport  CommandKind = "start_transport"
	CmdToggleTransport CommandKind = "toggle_transport"
	CmdMetronome       CommandKind = "metronome"
	CmdAddTestEvent    CommandKind = "add_test_event"
	CmdClearTestEvents CommandKind = "clear_test_events"
)

// Command is a user-initiated request. Only the fields relevant to Kind
// are read.
type Command struct {
	Kind      CommandKind
	LoopID    string
	Name      string
	Active    bool
	Playing   bool
	Enabled   bool
	Transport transport.Config
	TestEvent gesture.TestEvent

	// RequestID correlates log lines for one backend round-trip.
	// Assigned by the engine when the command is dispatched.
	RequestID string
}

// Completion is the outcome of a backend call made for a command.
type Completion struct {
	Command Command

	// LoopID is the id assigned by the backend for CmdCreate.
	LoopID string

	Err error
}

// Backend is the authoritative loop service.
//
// Implemented by backend.HTTPClient (production), backend.Local (offline
// mode) and testutil.FakeBackend (tests). Calls are made off the run loop.
type Backend interface {
	StartTransport(ctx context.Context, cfg transport.Config) error
	ToggleTransport(ctx context.Context, playing bool) error
	CreateLoop(ctx context.Context, name string) (string, error)
	SelectLoop(ctx context.Context, id string) error
	DeselectLoop(ctx context.Context) error
	DeleteLoop(ctx context.Context, id string) error
	ClearLoop(ctx context.Context, id string) error
	ToggleLoopActive(ctx context.Context, id string, active bool) error
	ToggleMetronome(ctx context.Context, enabled bool) error
	AddTestEvent(ctx context.Context, ev gesture.TestEvent) error
	ClearTestEvents(ctx context.Context) error
}

// invoke performs the backend call for a command.
func invoke(ctx context.Context, b Backend, cmd Command) (string, error) {
	switch cmd.Kind {
	case CmdSelect:
		return "", b.SelectLoop(ctx, cmd.LoopID)
	case CmdDeselect:
		return "", b.DeselectLoop(ctx)
	case CmdCreate:
		return b.CreateLoop(ctx, cmd.Name)
	case CmdDelete:
		return "", b.DeleteLoop(ctx, cmd.LoopID)
	case CmdClear:
		return "", b.ClearLoop(ctx, cmd.LoopID)
	case CmdSetActive:
		return "", b.ToggleLoopActive(ctx, cmd.LoopID, cmd.Active)
	case CmdStartTransport:
		return "", b.StartTransport(ctx, cmd.Transport)
	case CmdToggleTransport:
		return "", b.ToggleTransport(ctx, cmd.Playing)
	case CmdMetronome:
		return "", b.ToggleMetronome(ctx, cmd.Enabled)
	case CmdAddTestEvent:
		return "", b.AddTestEvent(ctx, cmd.TestEvent)
	case CmdClearTestEvents:
		return "", b.ClearTestEvents(ctx)
	default:
		return "", fmt.Errorf("no backend call for command %q", cmd.Kind)
	}
}

// Dispatcher runs a backend call. The default starts a goroutine;
// tests pass a synchronous dispatcher for deterministic ordering.
type Dispatcher func(call func())

// AsyncDispatcher runs each call on its own goroutine.
func AsyncDispatcher(call func()) {
	go call()
}

// SyncDispatcher runs each call inline.
func SyncDispatcher(call func()) {
	call()
}
