package clock

import "sync/atomic"

// Lamport is a monotonic logical clock.
//
// Thread-safety: Lamport is safe for concurrent use (atomic operations).
// Replicas still hold their own state lock around Witness + log append so that
// log order and clock order agree.
type Lamport struct {
	t atomic.Int64
}

// New creates a clock starting at 0.
func New() *Lamport {
	return &Lamport{}
}

// NewAt creates a clock starting at a specific value.
// Replicas start at 1, customer agents at 0.
func NewAt(start int64) *Lamport {
	c := &Lamport{}
	c.t.Store(start)
	return c
}

// Tick advances the clock for a locally originated step and returns the new value.
func (c *Lamport) Tick() int64 {
	return c.t.Add(1)
}

// Witness applies the receive rule for a message stamped with remote:
// the clock becomes max(current, remote) + 1. Returns the new value.
func (c *Lamport) Witness(remote int64) int64 {
	for {
		cur := c.t.Load()
		next := cur
		if remote > next {
			next = remote
		}
		next++
		if c.t.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Current returns the clock value without advancing it.
func (c *Lamport) Current() int64 {
	return c.t.Load()
}
