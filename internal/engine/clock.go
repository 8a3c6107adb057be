package engine

import "sync/atomic"

// SeqClock is a monotonic logical clock for snapshot ordering.
//
// Every published Snapshot is stamped with a strictly increasing Seq, so
// readers can tell whether they have already rendered a state without
// comparing contents.
//
// Thread-safety: SeqClock is safe for concurrent use (atomic operations),
// though only the run loop calls Next.
type SeqClock struct {
	seq atomic.Int64
}

// NewSeqClock creates a clock starting at 0.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// Next returns the next sequence number and increments the clock.
func (c *SeqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *SeqClock) Current() int64 {
	return c.seq.Load()
}
