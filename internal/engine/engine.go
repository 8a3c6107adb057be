package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/loopsync/internal/clock"
	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/loop"
	"github.com/roach88/loopsync/internal/recording"
	"github.com/roach88/loopsync/internal/selection"
	"github.com/roach88/loopsync/internal/transport"
)

// DefaultFrameInterval is the local tick period (about 60 frames/s).
const DefaultFrameInterval = 16 * time.Millisecond

// DefaultCallTimeout bounds each backend round-trip.
const DefaultCallTimeout = 5 * time.Second

// Journal persists loops after registry mutations.
// Implemented by store.Store.
type Journal interface {
	SaveLoop(ctx context.Context, l loop.Loop) error
	DeleteLoop(ctx context.Context, id string) error
}

// Engine is the single-writer coordinator for transport, recording and
// loop state.
//
// Thread-safety model:
//   - PushTransport, PushGesture, Submit and helpers: safe from any goroutine
//   - Snapshot, Updates: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - Drain, Frame: for tests and the harness; never concurrently with Run
//
// INVARIANTS:
//   - at most one recording session is open
//   - registry.Selected() == session.LoopID() at all times
//   - transport phase and every loop event timing are in [0,1)
type Engine struct {
	now      clock.Source
	clock    *transport.Clock
	gestures *gesture.Tracker
	session  *recording.Session
	selector *selection.Scheduler
	loops    *loop.Registry

	backend  Backend
	journal  Journal
	dispatch Dispatcher
	reqIDs   RequestIDGenerator

	queue     *eventQueue
	seq       *SeqClock
	metronome bool

	// selecting maps the request id of every select round-trip in flight
	// to its loop. A completion whose id is missing here is stale.
	selecting map[string]string

	frameInterval time.Duration
	callTimeout   time.Duration
	highlightCfg  gesture.Config
	threshold     float64
	initialMeter  *transport.Config
	initialLoops  []loop.Loop

	snapshot atomic.Pointer[Snapshot]
	updates  chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithFrameInterval sets the local tick period used by Run.
func WithFrameInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.frameInterval = d
		}
	}
}

// WithCallTimeout bounds each backend round-trip.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithHighlightConfig sets the object and finger highlight windows.
func WithHighlightConfig(cfg gesture.Config) Option {
	return func(e *Engine) {
		e.highlightCfg = cfg
	}
}

// WithSelectThreshold sets the near-zero phase tolerance for selection.
func WithSelectThreshold(threshold float64) Option {
	return func(e *Engine) {
		e.threshold = threshold
	}
}

// WithJournal persists loops after every registry mutation.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithDispatcher overrides how backend calls are run.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatch = d
		}
	}
}

// WithRequestIDs overrides the request id generator.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.reqIDs = g
		}
	}
}

// WithTransport sets the meter the clock starts with (stopped).
func WithTransport(cfg transport.Config) Option {
	return func(e *Engine) {
		e.initialMeter = &cfg
	}
}

// WithMetronome sets the metronome flag reported before any toggle,
// typically read from the backend at startup. The default is on.
func WithMetronome(enabled bool) Option {
	return func(e *Engine) {
		e.metronome = enabled
	}
}

// WithLoops seeds the registry, typically from the journal.
func WithLoops(loops []loop.Loop) Option {
	return func(e *Engine) {
		e.initialLoops = loops
	}
}

// New creates an Engine around a backend and a time source.
func New(b Backend, now clock.Source, opts ...Option) *Engine {
	e := &Engine{
		now:           now,
		backend:       b,
		dispatch:      AsyncDispatcher,
		reqIDs:        UUIDv7Generator{},
		queue:         newEventQueue(),
		seq:           NewSeqClock(),
		metronome:     true,
		selecting:     make(map[string]string),
		frameInterval: DefaultFrameInterval,
		callTimeout:   DefaultCallTimeout,
		highlightCfg:  gesture.DefaultConfig(),
		threshold:     selection.DefaultThreshold,
		updates:       make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.clock = transport.NewClock(now)
	e.gestures = gesture.NewTracker(now, e.highlightCfg)
	e.session = recording.NewSession(now)
	e.selector = selection.New(e.threshold)
	e.loops = loop.NewRegistry()

	if m := e.initialMeter; m != nil {
		e.clock.Apply(transport.Update{}.WithBPM(m.BPM).WithBeatPerBar(m.BeatPerBar).WithBars(m.Bars))
	}
	for _, l := range e.initialLoops {
		if err := e.loops.Restore(l); err != nil {
			slog.Warn("skipping restored loop", "loop_id", l.ID, "error", err)
		}
	}
	e.initialLoops = nil

	e.publish()
	return e
}

// PushTransport enqueues an authoritative transport update.
// Returns false if the engine has been stopped.
func (e *Engine) PushTransport(u transport.Update) bool {
	return e.queue.Enqueue(Event{Type: EventTypeTransport, Transport: &u})
}

// PushGesture enqueues a gesture event.
// Returns false if the engine has been stopped.
func (e *Engine) PushGesture(g gesture.Event) bool {
	return e.queue.Enqueue(Event{Type: EventTypeGesture, Gesture: &g})
}

// Submit enqueues a user command.
// Returns false if the engine has been stopped.
func (e *Engine) Submit(cmd Command) bool {
	return e.queue.Enqueue(Event{Type: EventTypeCommand, Command: &cmd})
}

// RequestSelect asks to start recording into a loop at the next downbeat.
func (e *Engine) RequestSelect(id string) bool {
	return e.Submit(Command{Kind: CmdSelect, LoopID: id})
}

// RequestDeselect stops recording immediately.
func (e *Engine) RequestDeselect() bool {
	return e.Submit(Command{Kind: CmdDeselect})
}

// ToggleLoop deselects the loop if it is selected, otherwise requests it.
func (e *Engine) ToggleLoop(id string) bool {
	return e.Submit(Command{Kind: CmdToggle, LoopID: id})
}

// CreateLoop asks the backend for a new loop.
func (e *Engine) CreateLoop(name string) bool {
	return e.Submit(Command{Kind: CmdCreate, Name: name})
}

// DeleteLoop removes a loop.
func (e *Engine) DeleteLoop(id string) bool {
	return e.Submit(Command{Kind: CmdDelete, LoopID: id})
}

// ClearLoop empties a loop's committed events.
func (e *Engine) ClearLoop(id string) bool {
	return e.Submit(Command{Kind: CmdClear, LoopID: id})
}

// SetLoopActive sets a loop's audibility flag.
func (e *Engine) SetLoopActive(id string, active bool) bool {
	return e.Submit(Command{Kind: CmdSetActive, LoopID: id, Active: active})
}

// StartTransport (re)starts the transport with a new meter.
func (e *Engine) StartTransport(cfg transport.Config) bool {
	return e.Submit(Command{Kind: CmdStartTransport, Transport: cfg})
}

// ToggleTransport starts or stops playback.
func (e *Engine) ToggleTransport(playing bool) bool {
	return e.Submit(Command{Kind: CmdToggleTransport, Playing: playing})
}

// ToggleMetronome enables or disables the backend metronome.
func (e *Engine) ToggleMetronome(enabled bool) bool {
	return e.Submit(Command{Kind: CmdMetronome, Enabled: enabled})
}

// AddTestEvent injects a synthetic event into the backend's current loop.
func (e *Engine) AddTestEvent(ev gesture.TestEvent) bool {
	return e.Submit(Command{Kind: CmdAddTestEvent, TestEvent: ev})
}

// ClearTestEvents removes the backend's synthetic events.
func (e *Engine) ClearTestEvents() bool {
	return e.Submit(Command{Kind: CmdClearTestEvents})
}

// Snapshot returns the most recently published state.
func (e *Engine) Snapshot() Snapshot {
	return *e.snapshot.Load()
}

// Updates signals after each publish. Signals coalesce; read Snapshot
// after receiving one.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// QueueLen returns the number of unprocessed events.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a failing event is logged with its context and
// processing continues. Nothing is retried.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "frame_interval", e.frameInterval)

	ticker := time.NewTicker(e.frameInterval)
	defer ticker.Stop()

	for {
		if event, ok := e.queue.TryDequeue(); ok {
			e.handle(event)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-ticker.C:
			e.Frame()

		case _, open := <-e.queue.Wait():
			if !open && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue, which makes Run return once drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Drain processes every queued event synchronously, including
// completions enqueued while draining. Returns the number processed.
func (e *Engine) Drain() int {
	n := 0
	for {
		event, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		e.handle(event)
		n++
	}
}

// Frame runs one local tick: phase extrapolation and highlight expiry.
func (e *Engine) Frame() {
	_, ticked := e.clock.Tick()
	swept := e.gestures.Sweep()
	if ticked || swept {
		e.publish()
	}
}

func (e *Engine) handle(event Event) {
	if err := e.process(event); err != nil {
		logEventError(event, err)
	}
	e.publish()
}

// publish stores a fresh immutable snapshot and signals subscribers.
func (e *Engine) publish() {
	pending, _ := e.selector.Pending()
	snap := &Snapshot{
		Seq:            e.seq.Next(),
		Transport:      e.clock.Snapshot(),
		DurationMs:     e.clock.DurationMs(),
		Loops:          e.loops.List(),
		SelectedLoopID: e.loops.Selected(),
		PendingLoopID:  pending,
		Recording:      e.session.Status(),
		LiveMarks:      e.session.Marks(e.clock.DurationMs()),
		ActiveObjects:  e.gestures.ActiveObjects(),
		ActiveFingers:  e.gestures.ActiveFingers(),
		Metronome:      e.metronome,
	}
	e.snapshot.Store(snap)

	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// logEventError logs a processing failure with full event context.
func logEventError(event Event, err error) {
	switch {
	case event.Type == EventTypeCommand && event.Command != nil:
		slog.Error("command failed",
			"error", err,
			"command", event.Command.Kind,
			"loop_id", event.Command.LoopID,
		)
	case event.Type == EventTypeCompletion && event.Completion != nil:
		c := event.Completion
		slog.Error("backend command failed",
			"error", err,
			"command", c.Command.Kind,
			"loop_id", c.Command.LoopID,
			"request_id", c.Command.RequestID,
		)
	default:
		slog.Error("event processing failed",
			"error", err,
			"event_type", event.Type,
		)
	}
}
