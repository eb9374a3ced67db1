package llm

import (
	"strings"
	"time"
)

// Bounds limit how provider stream deltas are grouped into session-event
// chunks.
type Bounds struct {
	FlushChars    int           // flush once the pending buffer reaches this size
	FlushInterval time.Duration // flush once the oldest pending delta is this stale
	MaxEvents     int           // hard cap on emitted chunks per completion
	MaxChars      int           // hard cap on total emitted characters
}

// DefaultBounds are the production limits.
var DefaultBounds = Bounds{
	FlushChars:    256,
	FlushInterval: 400 * time.Millisecond,
	MaxEvents:     40,
	MaxChars:      16384,
}

// Coalescer buffers streamed text deltas and emits them as bounded chunks.
// Not safe for concurrent use; one stream feeds one coalescer.
type Coalescer struct {
	bounds    Bounds
	emit      func(chunk string)
	now       func() time.Time
	buf       strings.Builder
	firstAt   time.Time
	events    int
	total     int
	truncated bool
}

// NewCoalescer builds a coalescer that calls emit for each flushed chunk.
func NewCoalescer(bounds Bounds, emit func(chunk string)) *Coalescer {
	if bounds.FlushChars <= 0 {
		bounds = DefaultBounds
	}
	return &Coalescer{bounds: bounds, emit: emit, now: time.Now}
}

// SetClock overrides the wall clock for tests.
func (c *Coalescer) SetClock(now func() time.Time) { c.now = now }

// Truncated reports whether output was cut by MaxEvents or MaxChars.
func (c *Coalescer) Truncated() bool { return c.truncated }

// Push appends one streamed delta, flushing when a bound trips. Once either
// hard cap is hit the remainder of the stream is dropped.
func (c *Coalescer) Push(delta string) {
	if delta == "" || c.truncated {
		return
	}
	if c.total+c.buf.Len()+len(delta) > c.bounds.MaxChars {
		keep := c.bounds.MaxChars - c.total - c.buf.Len()
		if keep > 0 {
			c.buf.WriteString(delta[:keep])
		}
		c.truncated = true
		c.flush()
		return
	}
	if c.buf.Len() == 0 {
		c.firstAt = c.now()
	}
	c.buf.WriteString(delta)
	if c.buf.Len() >= c.bounds.FlushChars || c.now().Sub(c.firstAt) >= c.bounds.FlushInterval {
		c.flush()
	}
}

// Close flushes whatever is pending. Call once when the stream ends.
func (c *Coalescer) Close() {
	c.flush()
}

func (c *Coalescer) flush() {
	if c.buf.Len() == 0 {
		return
	}
	if c.events >= c.bounds.MaxEvents {
		c.truncated = true
		c.buf.Reset()
		return
	}
	chunk := c.buf.String()
	c.buf.Reset()
	c.events++
	c.total += len(chunk)
	c.emit(chunk)
}
