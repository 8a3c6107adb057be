package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/loopsync/internal/clock"
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/loop"
	"github.com/roach88/loopsync/internal/transport"
)

// Local backend errors.
var (
	ErrNotFound               = errors.New("loop not found")
	ErrNoSelection            = errors.New("no loop selected")
	ErrTransportNotConfigured = errors.New("transport not configured; start it first")
)

// LocalLoop is the service-side view of a loop.
type LocalLoop struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Active     bool                `json:"active"`
	TestEvents []gesture.TestEvent `json:"testEvents"`
}

// LocalState is a copy of everything Local holds.
type LocalState struct {
	Transport *transport.Config `json:"transport"`
	Playing   bool              `json:"playing"`
	Loops     []LocalLoop       `json:"loops"`
	CurrentID string            `json:"currentLoopId"`
	Metronome bool              `json:"metronome"`
}

// Local is an in-process loop service with the same rules as the real
// one: server-assigned ids, default names, range-checked transport start,
// and not-found errors for unknown loops.
//
// Thread-safety: Local is safe for concurrent use via internal mutex.
type Local struct {
	mu        sync.Mutex
	newID     func() string
	now       clock.Source
	meter     *transport.Config
	playing   bool
	startMs   float64
	order     []string
	loops     map[string]*LocalLoop
	current   string
	metronome bool
	fail      map[string]error
}

// LocalOption configures a Local backend.
type LocalOption func(*Local)

// WithIDs overrides loop id generation (random UUIDs by default).
func WithIDs(gen func() string) LocalOption {
	return func(l *Local) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// WithClock sets the time source Broadcast derives the phase from
// (a monotonic clock by default).
func WithClock(now clock.Source) LocalOption {
	return func(l *Local) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLocal creates an empty service with a stopped, unconfigured transport
// and the metronome on.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		newID:     uuid.NewString,
		now:       clock.NewMonotonic(),
		loops:     make(map[string]*LocalLoop),
		metronome: true,
		fail:      make(map[string]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next call to method (for example "SelectLoop")
// return err without changing state.
func (l *Local) FailNext(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[method] = err
}

// State returns a copy of the service state.
func (l *Local) State() LocalState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := LocalState{
		Playing:   l.playing,
		CurrentID: l.current,
		Metronome: l.metronome,
		Loops:     make([]LocalLoop, 0, len(l.order)),
	}
	if l.meter != nil {
		m := *l.meter
		st.Transport = &m
	}
	for _, id := range l.order {
		lp := *l.loops[id]
		lp.TestEvents = append([]gesture.TestEvent{}, lp.TestEvents...)
		st.Loops = append(st.Loops, lp)
	}
	return st
}

// injected consumes an armed failure. Callers hold l.mu.
func (l *Local) injected(method string) error {
	if err, ok := l.fail[method]; ok {
		delete(l.fail, method)
		return err
	}
	return nil
}

func (l *Local) lookup(id string) (*LocalLoop, error) {
	lp, ok := l.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return lp, nil
}

func (l *Local) StartTransport(ctx context.Context, cfg transport.Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("StartTransport"); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.meter = &cfg
	l.playing = true
	l.startMs = l.now.NowMs()
	return nil
}

func (l *Local) ToggleTransport(ctx context.Context, playing bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ToggleTransport"); err != nil {
		return err
	}
	if playing && l.meter == nil {
		return ErrTransportNotConfigured
	}
	if playing && !l.playing {
		l.startMs = l.now.NowMs()
	}
	l.playing = playing
	return nil
}

func (l *Local) CreateLoop(ctx context.Context, name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("CreateLoop"); err != nil {
		return "", err
	}
	id := l.newID()
	if _, dup := l.loops[id]; dup {
		return "", fmt.Errorf("loop id %s already issued", id)
	}
	l.loops[id] = &LocalLoop{ID: id, Name: loop.NormalizeName(name), Active: true}
	l.order = append(l.order, id)
	return id, nil
}

func (l *Local) SelectLoop(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("SelectLoop"); err != nil {
		return err
	}
	if _, err := l.lookup(id); err != nil {
		return err
	}
	l.current = id
	return nil
}

func (l *Local) DeselectLoop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("DeselectLoop"); err != nil {
		return err
	}
	l.current = ""
	return nil
}

func (l *Local) DeleteLoop(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("DeleteLoop"); err != nil {
		return err
	}
	if _, err := l.lookup(id); err != nil {
		return err
	}
	delete(l.loops, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
	if l.current == id {
		l.current = ""
	}
	return nil
}

func (l *Local) ClearLoop(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ClearLoop"); err != nil {
		return err
	}
	lp, err := l.lookup(id)
	if err != nil {
		return err
	}
	lp.TestEvents = nil
	return nil
}

func (l *Local) ToggleLoopActive(ctx context.Context, id string, active bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ToggleLoopActive"); err != nil {
		return err
	}
	lp, err := l.lookup(id)
	if err != nil {
		return err
	}
	lp.Active = active
	return nil
}

func (l *Local) ToggleMetronome(ctx context.Context, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ToggleMetronome"); err != nil {
		return err
	}
	l.metronome = enabled
	return nil
}

// MetronomeState reports whether the metronome is on.
func (l *Local) MetronomeState(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("MetronomeState"); err != nil {
		return false, err
	}
	return l.metronome, nil
}

// AddTestEvent appends a synthetic event to the selected loop.
func (l *Local) AddTestEvent(ctx context.Context, ev gesture.TestEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("AddTestEvent"); err != nil {
		return err
	}
	if l.current == "" {
		return ErrNoSelection
	}
	lp := l.loops[l.current]
	lp.TestEvents = append(lp.TestEvents, ev)
	return nil
}

// ClearTestEvents empties the selected loop's synthetic events.
func (l *Local) ClearTestEvents(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected("ClearTestEvents"); err != nil {
		return err
	}
	if l.current == "" {
		return ErrNoSelection
	}
	l.loops[l.current].TestEvents = nil
	return nil
}
