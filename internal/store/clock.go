package store

import "sync/atomic"

// Clock is the monotonic logical clock that orders writes.
//
// Fetches take a seq when they are issued and mutations take one when they
// apply optimistically. Whichever write holds the higher seq wins for an id,
// regardless of the order responses arrive in.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Observe advances the clock to at least seq. Restored snapshots call it so
// that new writes always outrank persisted ones.
func (c *Clock) Observe(seq int64) {
	for {
		cur := c.seq.Load()
		if cur >= seq || c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
