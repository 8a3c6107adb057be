// Package engine implements the loop transport coordinator.
//
// The engine owns every piece of mutable state (the transport clock, the
// highlight tracker, the recording session, the selection scheduler and
// the loop registry) and mutates it only from its run loop.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Push messages, user commands and backend completions are enqueued from
// any goroutine and applied one at a time by Run. A frame ticker inside
// the same loop drives the local phase extrapolation and highlight expiry.
// Each handler runs to completion before the next, so recording buffer
// writes, finalize, and selection decisions are atomic with respect to
// each other without locks.
//
// Event Processing Flow:
//  1. Producers call PushTransport, PushGesture or Submit (enqueue only)
//  2. Run dequeues backend completions first, then everything else, each
//     in arrival order
//  3. process() routes to the matching handler
//  4. Commands that need the backend are dispatched off-loop; their
//     completion is enqueued back and applied when it arrives
//  5. After every event or frame, an immutable Snapshot is published
//
// Backend authority:
// The backend's transport pushes always win over local extrapolation.
// Local registry state changes only after the matching backend call
// returns. Failed calls are logged, not retried, not rolled back, and
// have no local effect unless they clear or delete a loop. A deselect
// makes any select still in flight stale.
//
// Deterministic testing:
// Tests inject a manual clock.Source, a synchronous Dispatcher, and drive
// the loop with Drain and Frame instead of Run.
package engine
