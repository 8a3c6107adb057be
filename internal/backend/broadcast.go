package backend

import (
	"context"
	"math"
	"time"

	"github.com/roach88/loopsync/internal/transport"
)

// DefaultBroadcastInterval is how often Broadcast pushes transport state.
const DefaultBroadcastInterval = 20 * time.Millisecond

// TransportUpdate returns the authoritative transport state Local would
// push now. ok is false until the transport has been started once.
func (l *Local) TransportUpdate() (u transport.Update, ok bool) {
	u, _, ok = l.transportState()
	return u, ok
}

// transportState also returns the index of the current cycle, or -1 when
// stopped.
func (l *Local) transportState() (transport.Update, int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.meter == nil {
		return transport.Update{}, -1, false
	}
	m := *l.meter
	u := transport.Update{}.
		WithBPM(m.BPM).
		WithBeatPerBar(m.BeatPerBar).
		WithBars(m.Bars).
		WithPlaying(l.playing)
	if !l.playing {
		return u, -1, true
	}

	d := m.DurationMs()
	elapsed := math.Max(0, l.now.NowMs()-l.startMs)
	cycle := int64(elapsed / d)
	return u.WithPhase(math.Mod(elapsed, d) / d), cycle, true
}

// Broadcast pushes transport state every interval until ctx is done or
// push returns false, standing in for the service's push channel.
//
// The first update of every cycle carries phase 0 exactly, so a
// downbeat is never skipped however coarse the interval is relative to
// the cycle.
func (l *Local) Broadcast(ctx context.Context, interval time.Duration, push func(transport.Update) bool) error {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		u, cycle, ok := l.transportState()
		if !ok {
			continue
		}
		if cycle >= 0 && cycle != last {
			u = u.WithPhase(0)
		}
		last = cycle
		if !push(u) {
			return nil
		}
	}
}
