package queue

import (
	"context"
	"sync"
)

// Memory collects enqueued jobs in order. FailNext makes the next n enqueues
// fail, which tests use to exercise the compensating delete.
type Memory struct {
	mu       sync.Mutex
	jobs     []RunJob
	failNext int
}

// NewMemory creates an in-memory queue.
func NewMemory() *Memory {
	return &Memory{}
}

// Enqueue records the job, or fails if a failure was armed.
func (m *Memory) Enqueue(_ context.Context, job RunJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return ErrUnavailable
	}
	m.jobs = append(m.jobs, job)
	return nil
}

// FailNext arms the next n enqueues to fail.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Jobs returns a copy of everything enqueued so far.
func (m *Memory) Jobs() []RunJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunJob, len(m.jobs))
	copy(out, m.jobs)
	return out
}
