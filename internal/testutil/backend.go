package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// Call is one recorded backend invocation.
type Call struct {
	Method string
	Args   []any
}

// String renders the call as "Method(arg, ...)".
func (c Call) String() string {
	s := c.Method + "("
	for i, a := range c.Args {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprint(a)
	}
	return s + ")"
}

// FakeBackend records every call and succeeds unless told otherwise.
//
// Loop ids are "loop-1", "loop-2", ... in creation order. Fail arms a
// one-shot error for the next call to a method.
//
// Implements engine.Backend.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeBackend struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string]error
	ids   *SequentialIDs
}

// NewFakeBackend creates a backend that accepts everything.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		fail: make(map[string]error),
		ids:  NewSequentialIDs("loop"),
	}
}

// Fail makes the next call to method return err.
func (b *FakeBackend) Fail(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[method] = err
}

// Calls returns a copy of the recorded calls.
func (b *FakeBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Methods returns the method names of the recorded calls, in order.
func (b *FakeBackend) Methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.Method
	}
	return out
}

// Count returns how many times method was called.
func (b *FakeBackend) Count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (b *FakeBackend) record(method string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Method: method, Args: args})
	if err, ok := b.fail[method]; ok {
		delete(b.fail, method)
		return err
	}
	return nil
}

func (b *FakeBackend) StartTransport(ctx context.Context, cfg transport.Config) error {
	return b.record("StartTransport", cfg.BPM, cfg.BeatPerBar, cfg.Bars)
}

func (b *FakeBackend) ToggleTransport(ctx context.Context, playing bool) error {
	return b.record("ToggleTransport", playing)
}

func (b *FakeBackend) CreateLoop(ctx context.Context, name string) (string, error) {
	if err := b.record("CreateLoop", name); err != nil {
		return "", err
	}
	return b.ids.Generate(), nil
}

func (b *FakeBackend) SelectLoop(ctx context.Context, id string) error {
	return b.record("SelectLoop", id)
}

func (b *FakeBackend) DeselectLoop(ctx context.Context) error {
	return b.record("DeselectLoop")
}

func (b *FakeBackend) DeleteLoop(ctx context.Context, id string) error {
	return b.record("DeleteLoop", id)
}

func (b *FakeBackend) ClearLoop(ctx context.Context, id string) error {
	return b.record("ClearLoop", id)
}

func (b *FakeBackend) ToggleLoopActive(ctx context.Context, id string, active bool) error {
	return b.record("ToggleLoopActive", id, active)
}

func (b *FakeBackend) ToggleMetronome(ctx context.Context, enabled bool) error {
	return b.record("ToggleMetronome", enabled)
}

func (b *FakeBackend) AddTestEvent(ctx context.Context, ev gesture.TestEvent) error {
	return b.record("AddTestEvent", ev.ObjectID, ev.Hand, ev.Finger)
}

func (b *FakeBackend) ClearTestEvents(ctx context.Context) error {
	return b.record("ClearTestEvents")
}
