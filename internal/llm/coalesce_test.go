package llm

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectCoalescer(bounds Bounds) (*Coalescer, *[]string) {
	chunks := &[]string{}
	c := NewCoalescer(bounds, func(chunk string) {
		*chunks = append(*chunks, chunk)
	})
	return c, chunks
}

func TestCoalescerFlushesOnSize(t *testing.T) {
	c, chunks := collectCoalescer(Bounds{FlushChars: 10, FlushInterval: time.Hour, MaxEvents: 40, MaxChars: 16384})

	c.Push("hello ")
	assert.Empty(t, *chunks, "below flushChars should buffer")
	c.Push("world")
	require.Len(t, *chunks, 1)
	assert.Equal(t, "hello world", (*chunks)[0])

	c.Push("tail")
	c.Close()
	require.Len(t, *chunks, 2)
	assert.Equal(t, "tail", (*chunks)[1])
	assert.False(t, c.Truncated())
}

func TestCoalescerFlushesOnInterval(t *testing.T) {
	c, chunks := collectCoalescer(Bounds{FlushChars: 1000, FlushInterval: 400 * time.Millisecond, MaxEvents: 40, MaxChars: 16384})
	now := time.Unix(1700000000, 0)
	c.SetClock(func() time.Time { return now })

	c.Push("a")
	c.Push("b")
	assert.Empty(t, *chunks)

	now = now.Add(401 * time.Millisecond)
	c.Push("c")
	require.Len(t, *chunks, 1)
	assert.Equal(t, "abc", (*chunks)[0])
}

func TestCoalescerCapsEvents(t *testing.T) {
	c, chunks := collectCoalescer(Bounds{FlushChars: 1, FlushInterval: time.Hour, MaxEvents: 3, MaxChars: 16384})

	for i := 0; i < 10; i++ {
		c.Push("x")
	}
	c.Close()
	assert.Len(t, *chunks, 3)
	assert.True(t, c.Truncated())
}

func TestCoalescerCapsTotalChars(t *testing.T) {
	c, chunks := collectCoalescer(Bounds{FlushChars: 4, FlushInterval: time.Hour, MaxEvents: 40, MaxChars: 10})

	c.Push("aaaa")
	c.Push("bbbb")
	c.Push("cccc")
	c.Push("ignored after cap")
	c.Close()

	total := 0
	for _, chunk := range *chunks {
		total += len(chunk)
	}
	assert.Equal(t, 10, total, "emitted characters stop exactly at the cap")
	assert.True(t, c.Truncated())
	assert.Equal(t, "aaaabbbbcc", strings.Join(*chunks, ""))
}

func TestCoalescerIgnoresEmptyDeltas(t *testing.T) {
	c, chunks := collectCoalescer(Bounds{FlushChars: 2, FlushInterval: time.Hour, MaxEvents: 40, MaxChars: 100})
	c.Push("")
	c.Close()
	assert.Empty(t, *chunks)
}
