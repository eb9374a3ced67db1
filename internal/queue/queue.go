// Package queue hands workflow runs off to the execution tier. The Cloud
// Tasks implementation enqueues one HTTP task per run; the in-memory
// implementation backs tests and local development.
package queue

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the queue rejects or cannot accept a job.
// The run coordinator compensates by deleting the run row and surfaces 503.
var ErrUnavailable = errors.New("queue unavailable")

// RunJob is the enqueue payload for one workflow run.
type RunJob struct {
	RunID             string `json:"runId"`
	OrganizationID    string `json:"organizationId"`
	WorkflowID        string `json:"workflowId"`
	RequestedByUserID string `json:"requestedByUserId,omitempty"`
	MaxAttempts       int    `json:"maxAttempts"`
}

// Queue accepts run jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job RunJob) error
}
