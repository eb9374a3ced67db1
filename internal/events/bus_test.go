package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFillsEnvelope(t *testing.T) {
	b := newTestBus()
	ch, cancel := b.Subscribe("")
	defer cancel()

	b.Publish(Event{Type: TypeRunQueued, Subject: "run-1"})
	e := recv(t, ch)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, TypeRunQueued, e.Type)
}

func TestSubjectFilter(t *testing.T) {
	b := newTestBus()
	all, cancelAll := b.Subscribe("")
	defer cancelAll()
	one, cancelOne := b.Subscribe("session-1")
	defer cancelOne()

	b.Publish(Event{Type: TypeSessionEventAppended, Subject: "session-1"})
	b.Publish(Event{Type: TypeSessionEventAppended, Subject: "session-2"})

	assert.Equal(t, "session-1", recv(t, all).Subject)
	assert.Equal(t, "session-2", recv(t, all).Subject)

	e := recv(t, one)
	assert.Equal(t, "session-1", e.Subject)
	select {
	case extra := <-one:
		t.Fatalf("filtered subscriber received %q", extra.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesAndUnsubscribes(t *testing.T) {
	b := newTestBus()
	ch, cancel := b.Subscribe("")
	cancel()

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	// Publishing after cancel must not panic on the closed channel.
	b.Publish(Event{Type: TypeRunQueued, Subject: "run-1"})
	cancel() // idempotent
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newTestBus()
	ch, cancel := b.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < b.bufferSize+10; i++ {
			b.Publish(Event{Type: TypeRunQueued, Subject: "run-1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.Len(t, ch, b.bufferSize, "overflow is dropped, the buffer keeps the first events")
}
