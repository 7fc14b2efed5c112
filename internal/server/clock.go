package server

import (
	"sync"
	"time"
)

// Clock issues strictly increasing millisecond timestamps. Every write gets
// its own tick so a pull page can end exactly at its last row.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a clock that never goes below floor
func NewClock(floor int64) *Clock {
	return &Clock{last: floor, now: time.Now}
}

// Next returns a timestamp greater than any previously issued
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Current returns a timestamp at least as large as every issued one. Ticks
// issued afterwards are strictly greater, so a client holding it as its
// watermark sees every later write.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = max(c.now().UnixMilli(), c.last)
	return c.last
}
