// Package workflow owns workflow definitions and the run coordinator. The
// run path keeps one contract: either a run row exists and the queue
// accepted the job, or neither observable state remains.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/events"
	"github.com/vespid/control-plane/internal/queue"
	"github.com/vespid/control-plane/internal/store"
)

const defaultMaxAttempts = 3

// Service coordinates workflow definitions and runs.
type Service struct {
	store  store.Store
	queue  queue.Queue
	bus    events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the coordinator.
func NewService(st store.Store, q queue.Queue, bus events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		queue:  q,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ============================================================================
// DEFINITIONS
// ============================================================================

// Create stores a new draft workflow as revision 1 of a fresh family.
func (s *Service) Create(ctx context.Context, t store.Tenant, orgID, name string, dsl, editorState json.RawMessage, actor string) (*store.Workflow, error) {
	if name == "" {
		return nil, apierr.Validation("workflow name is required")
	}
	if err := ValidateDSL(dsl); err != nil {
		return nil, err
	}
	now := s.now()
	w := &store.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		FamilyID:       uuid.NewString(),
		Revision:       1,
		Name:           name,
		Status:         store.WorkflowDraft,
		Version:        1,
		DSL:            dsl,
		EditorState:    editorState,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateWorkflow(ctx, t, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get loads one workflow.
func (s *Service) Get(ctx context.Context, t store.Tenant, orgID, id string) (*store.Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, t, orgID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound(apierr.CodeNotFound, "workflow not found")
	}
	return w, err
}

// List pages the org's workflows, newest first.
func (s *Service) List(ctx context.Context, t store.Tenant, orgID string, page store.Page) ([]*store.Workflow, string, error) {
	return s.store.ListWorkflows(ctx, t, orgID, page)
}

// Revisions lists every revision of the workflow's family.
func (s *Service) Revisions(ctx context.Context, t store.Tenant, orgID, id string) ([]*store.Workflow, error) {
	w, err := s.Get(ctx, t, orgID, id)
	if err != nil {
		return nil, err
	}
	return s.store.ListWorkflowRevisions(ctx, t, orgID, w.FamilyID)
}

// UpdateDraft patches a draft. A published workflow is immutable: 409.
func (s *Service) UpdateDraft(ctx context.Context, t store.Tenant, orgID, id string, patch store.WorkflowDraftPatch) (*store.Workflow, error) {
	if patch.DSL != nil {
		if err := ValidateDSL(patch.DSL); err != nil {
			return nil, err
		}
	}
	w, err := s.store.UpdateWorkflowDraft(ctx, t, orgID, id, patch, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound(apierr.CodeNotFound, "workflow not found")
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.Conflict(apierr.CodeConflict, "a published workflow cannot be edited")
		}
		return nil, err
	}
	return w, nil
}

// Publish freezes the draft. Publishing twice is a 409.
func (s *Service) Publish(ctx context.Context, t store.Tenant, orgID, id string) (*store.Workflow, error) {
	w, err := s.store.PublishWorkflow(ctx, t, orgID, id, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound(apierr.CodeNotFound, "workflow not found")
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, apierr.Conflict(apierr.CodeConflict, "workflow is already published")
		}
		return nil, err
	}
	return w, nil
}

// NewDraft creates the family's next revision from a published workflow.
func (s *Service) NewDraft(ctx context.Context, t store.Tenant, orgID, id, actor string) (*store.Workflow, error) {
	src, err := s.Get(ctx, t, orgID, id)
	if err != nil {
		return nil, err
	}
	if src.Status != store.WorkflowPublished {
		return nil, apierr.Conflict(apierr.CodeConflict, "drafts are created from published workflows")
	}
	maxRev, err := s.store.MaxWorkflowRevision(ctx, t, orgID, src.FamilyID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	draft := &store.Workflow{
		ID:               uuid.NewString(),
		OrganizationID:   orgID,
		FamilyID:         src.FamilyID,
		Revision:         maxRev + 1,
		SourceWorkflowID: src.ID,
		Name:             src.Name,
		Status:           store.WorkflowDraft,
		Version:          1,
		DSL:              src.DSL,
		EditorState:      src.EditorState,
		CreatedBy:        actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateWorkflow(ctx, t, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// ============================================================================
// RUNS
// ============================================================================

// StartRun creates a run row and enqueues it. If the queue refuses the job,
// the queued row is deleted before the 503 surfaces, so no orphan run is
// ever observable.
func (s *Service) StartRun(ctx context.Context, t store.Tenant, orgID, workflowID, triggerType string, input json.RawMessage, requestedBy string) (*store.WorkflowRun, error) {
	w, err := s.Get(ctx, t, orgID, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status != store.WorkflowPublished {
		return nil, apierr.Conflict(apierr.CodeConflict, "only published workflows can run")
	}

	now := s.now()
	run := &store.WorkflowRun{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		WorkflowID:     workflowID,
		TriggerType:    triggerType,
		Status:         store.RunQueued,
		AttemptCount:   0,
		MaxAttempts:    defaultMaxAttempts,
		Input:          input,
		RequestedBy:    requestedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, t, run); err != nil {
		return nil, err
	}

	job := queue.RunJob{
		RunID:             run.ID,
		OrganizationID:    orgID,
		WorkflowID:        workflowID,
		RequestedByUserID: requestedBy,
		MaxAttempts:       run.MaxAttempts,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// Compensating delete; only legal while status=queued and
		// attemptCount=0, which both hold here.
		if delErr := s.store.DeleteQueuedRun(ctx, t, orgID, run.ID); delErr != nil {
			s.logger.Error("compensating run delete failed", "runId", run.ID, "error", delErr)
		}
		s.logger.Warn("run enqueue failed", "runId", run.ID, "workflowId", workflowID, "error", err)
		return nil, apierr.Unavailable(apierr.CodeQueueUnavailable, "the run queue is unavailable, try again shortly")
	}

	s.bus.Publish(events.Event{
		Type:    events.TypeRunQueued,
		OrgID:   orgID,
		Subject: run.ID,
	})
	return run, nil
}

// GetRun loads one run.
func (s *Service) GetRun(ctx context.Context, t store.Tenant, orgID, id string) (*store.WorkflowRun, error) {
	r, err := s.store.GetRun(ctx, t, orgID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound(apierr.CodeNotFound, "run not found")
	}
	return r, err
}

// ListRuns pages runs for one workflow, newest first.
func (s *Service) ListRuns(ctx context.Context, t store.Tenant, orgID, workflowID string, page store.Page) ([]*store.WorkflowRun, string, error) {
	return s.store.ListRuns(ctx, t, orgID, workflowID, page)
}

// ListRunEvents pages a run's event log in seq order.
func (s *Service) ListRunEvents(ctx context.Context, t store.Tenant, orgID, runID string, page store.Page) ([]*store.WorkflowRunEvent, string, error) {
	if _, err := s.GetRun(ctx, t, orgID, runID); err != nil {
		return nil, "", err
	}
	return s.store.ListRunEvents(ctx, t, orgID, runID, page)
}
