package engine

import (
	"sync"

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeTransport is an authoritative transport push.
	EventTypeTransport EventType = iota + 1
	// EventTypeGesture is a gesture/touch push.
	EventTypeGesture
	// EventTypeCommand is a user command.
	EventTypeCommand
	// EventTypeCompletion is a finished backend round-trip.
	EventTypeCompletion
)

// String returns a log-friendly name.
func (t EventType) String() string {
	switch t {
	case EventTypeTransport:
		return "transport"
	case EventTypeGesture:
		return "gesture"
	case EventTypeCommand:
		return "command"
	case EventTypeCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// Event wraps every input of the run loop.
type Event struct {
	Type       EventType
	Transport  *transport.Update
	Gesture    *gesture.Event
	Command    *Command
	Completion *Completion
}

// eventQueue is a thread-safe queue for events with two FIFO lanes.
//
// Completions go to the front lane and are dequeued before anything in
// the back lane, so a finished round-trip is applied before input that
// was queued behind it. Within a lane, order is arrival order.
//
// The queue is unbounded so that push bursts never block the network
// reader. A buffered signal channel of size 1 wakes the run loop; multiple
// enqueues coalesce into one wake-up.
type eventQueue struct {
	mu     sync.Mutex
	front  []Event
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of its lane.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if e.Type == EventTypeCompletion {
		q.front = append(q.front, e)
	} else {
		q.events = append(q.events, e)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the next event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.front) > 0 {
		return popFront(&q.front), true
	}
	if len(q.events) > 0 {
		return popFront(&q.events), true
	}
	return Event{}, false
}

// popFront removes the first element of a non-empty lane.
func popFront(lane *[]Event) Event {
	events := *lane
	e := events[0]

	// Release pointers held by the vacated slot.
	events[0] = Event{}

	if len(events) == 1 {
		*lane = events[:0]
	} else {
		*lane = events[1:]
	}
	return e
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting events and wakes any waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
