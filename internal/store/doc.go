// Package store provides SQLite-backed durable storage for loops.
//
// The store is a journal of the latest state, not a history:
//   - loops: id, name, active flag, and seq (creation order)
//   - loop_events: the quantized events of each loop, by position
//
// SaveLoop replaces a loop's row and all of its events in one
// transaction, so a reader never sees a half-written loop.
//
// # Ordering
//
// Loops are returned ORDER BY seq ASC, id ASC COLLATE BINARY. Seq is
// assigned on first save and kept across later saves, so restored loops
// come back in creation order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Deleting a loop cascades to its events
package store
