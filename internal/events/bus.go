// Package events is the control plane's domain event fanout. The in-memory
// bus pushes lifecycle events to in-process subscribers (the session event
// live-tail); the Pub/Sub publisher mirrors every event to a topic for
// downstream consumers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the coordinators.
const (
	TypeRunQueued            = "run.queued"
	TypeRunDeleted           = "run.deleted"
	TypeSessionCreated       = "session.created"
	TypeSessionEventAppended = "session.event.appended"
	TypeSessionReset         = "session.reset"
	TypeCreditsApplied       = "credits.applied"
)

// Event is the envelope carried across the bus. Subject identifies the
// entity (run id, session id, org id) the event is about.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	OrgID   string          `json:"orgId,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Publisher is the interface coordinators publish through.
type Publisher interface {
	Publish(e Event)
}

// Bus is an in-process pub/sub fanout. Slow subscribers drop events rather
// than block the publishing request.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int]*subscription
	nextSubID  int
	bufferSize int
	logger     *slog.Logger
}

type subscription struct {
	ch      chan Event
	subject string // empty subscribes to everything
}

// NewBus creates an in-memory event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[int]*subscription),
		bufferSize: 64,
		logger:     logger,
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.subject != "" && sub.subject != e.Subject {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				"type", e.Type, "subject", e.Subject)
		}
	}
}

// Subscribe registers a subscriber for events about one subject (or all
// events when subject is empty). The returned cancel func must be called to
// release the subscription.
func (b *Bus) Subscribe(subject string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscription{ch: make(chan Event, b.bufferSize), subject: subject}
	b.subs[id] = sub
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}
