package gateway

import (
	"errors"
	"sync"
	"time"
)

// breaker guards the outbound gateway connection. Closed passes requests
// through; repeated failures trip it open; after the open timeout a limited
// number of half-open probes decide whether to close again.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

var errBreakerOpen = errors.New("gateway breaker open")

type breaker struct {
	mu sync.Mutex

	state        breakerState
	failures     int
	halfOpenHits int
	openedAt     time.Time

	failureThreshold int
	openTimeout      time.Duration
	halfOpenMax      int
}

func newBreaker() *breaker {
	return &breaker{
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		halfOpenMax:      2,
	}
}

func (b *breaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if now.Sub(b.openedAt) < b.openTimeout {
			return errBreakerOpen
		}
		b.state = stateHalfOpen
		b.halfOpenHits = 0
		fallthrough
	case stateHalfOpen:
		if b.halfOpenHits >= b.halfOpenMax {
			return errBreakerOpen
		}
		b.halfOpenHits++
	}
	return nil
}

func (b *breaker) record(now time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.failureThreshold {
		b.state = stateOpen
		b.openedAt = now
		b.failures = 0
	}
}
