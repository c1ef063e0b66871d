package dtime

import (
	"sync/atomic"
	"time"
)

// Clock is a node's local source of Timestamps. It advances once per Tick
// duration and wraps per Timestamp's 16-bit range; callers read it with Now.
type Clock struct {
	tick time.Duration
	val  atomic.Uint32 // holds a Timestamp, widened for atomic access
}

// NewClock creates a Clock that advances by one tick every d.
func NewClock(d time.Duration) *Clock {
	return &Clock{tick: d}
}

// Now returns the current timestamp.
func (c *Clock) Now() Timestamp {
	return Timestamp(c.val.Load())
}

// Advance moves the clock forward by one tick, wrapping at Max, and returns
// the new value. Safe to call from any goroutine, but in the engine's
// cooperative model it is only ever called from the event loop.
func (c *Clock) Advance() Timestamp {
	for {
		old := c.val.Load()
		next := uint32((Timestamp(old) + 1))
		if c.val.CompareAndSwap(old, next) {
			return Timestamp(next)
		}
	}
}

// Tick returns the configured tick duration, used to build a time.Ticker.
func (c *Clock) Tick() time.Duration {
	return c.tick
}

// Set forces the clock to a specific value. Used by tests to reproduce
// wraparound scenarios deterministically.
func (c *Clock) Set(ts Timestamp) {
	c.val.Store(uint32(ts))
}
