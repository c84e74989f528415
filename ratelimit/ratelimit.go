// Package ratelimit paces frame producers to a fixed frames-per-second rate.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerFrame int64
	sent       uint64
	nextCheck  uint64
	checkEvery uint64
	start      time.Time

	now func() time.Time
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled and New returns nil, which is a
// valid Throttle that never waits.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	// Look at the clock roughly every 10ms worth of frames, at least every
	// 32 frames and at most every 1024.
	every := min(max(fps/100, 1), 1024)
	if fps >= 3200 {
		every = max(every, 32)
	}
	t := &Throttle{
		nsPerFrame: int64(time.Second) / int64(fps),
		checkEvery: every,
		now:        time.Now,
	}
	t.Reset()
	return t
}

// Reset restarts the schedule at the current time.
func (t *Throttle) Reset() {
	if t == nil {
		return
	}
	t.sent = 0
	t.nextCheck = t.checkEvery
	t.start = t.now()
}

// Sent returns the number of frames accounted for since the last Reset.
func (t *Throttle) Sent() uint64 {
	if t == nil {
		return 0
	}
	return t.sent
}

// Wait accounts for n more frames and blocks until the schedule allows
// them, or until ctx is done. A producer that fell behind is not allowed
// to burst to catch up beyond the schedule.
func (t *Throttle) Wait(ctx context.Context, n uint64) error {
	if t == nil || n == 0 {
		return ctx.Err()
	}

	t.sent += n
	if t.sent < t.nextCheck {
		return nil
	}
	t.nextCheck = t.sent + t.checkEvery

	due := t.start.Add(time.Duration(int64(t.sent) * t.nsPerFrame))
	d := due.Sub(t.now())
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
