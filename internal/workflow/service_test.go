package workflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/events"
	"github.com/vespid/control-plane/internal/queue"
	"github.com/vespid/control-plane/internal/store"
)

var validDSL = json.RawMessage(`{"nodes":[{"id":"start","type":"trigger"},{"id":"reply","type":"llm"}],"edges":[{"from":"start","to":"reply"}]}`)

func newTestWorkflows(t *testing.T) (*Service, *store.Memory, *queue.Memory, store.Tenant, string) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, q, events.NewBus(logger), logger)
	orgID := uuid.NewString()
	tn := store.Tenant{ActorUserID: uuid.NewString(), OrgID: orgID}
	return svc, st, q, tn, orgID
}

func TestValidateDSL(t *testing.T) {
	assert.NoError(t, ValidateDSL(validDSL))

	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "nope"},
		{"no nodes", `{"nodes":[],"edges":[]}`},
		{"node without type", `{"nodes":[{"id":"a"}]}`},
		{"duplicate node id", `{"nodes":[{"id":"a","type":"x"},{"id":"a","type":"y"}]}`},
		{"edge to unknown node", `{"nodes":[{"id":"a","type":"x"}],"edges":[{"from":"a","to":"ghost"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDSL(json.RawMessage(tc.raw))
			e, ok := apierr.As(err)
			require.True(t, ok)
			assert.Equal(t, 400, e.Status)
		})
	}
}

func TestCreateStartsAsDraftRevisionOne(t *testing.T) {
	svc, _, _, tn, orgID := newTestWorkflows(t)
	w, err := svc.Create(context.Background(), tn, orgID, "Support triage", validDSL, nil, tn.ActorUserID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowDraft, w.Status)
	assert.Equal(t, 1, w.Revision)
	assert.NotEmpty(t, w.FamilyID)
}

func TestPublishedWorkflowIsImmutable(t *testing.T) {
	svc, _, _, tn, orgID := newTestWorkflows(t)
	ctx := context.Background()
	w, err := svc.Create(ctx, tn, orgID, "wf", validDSL, nil, "u")
	require.NoError(t, err)

	name := "renamed"
	_, err = svc.UpdateDraft(ctx, tn, orgID, w.ID, store.WorkflowDraftPatch{Name: &name})
	require.NoError(t, err, "drafts are editable")

	_, err = svc.Publish(ctx, tn, orgID, w.ID)
	require.NoError(t, err)

	_, err = svc.UpdateDraft(ctx, tn, orgID, w.ID, store.WorkflowDraftPatch{Name: &name})
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 409, e.Status)

	_, err = svc.Publish(ctx, tn, orgID, w.ID)
	e, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 409, e.Status, "publishing twice conflicts")
}

func TestNewDraftIncrementsRevision(t *testing.T) {
	svc, _, _, tn, orgID := newTestWorkflows(t)
	ctx := context.Background()
	w, err := svc.Create(ctx, tn, orgID, "wf", validDSL, nil, "u")
	require.NoError(t, err)

	_, err = svc.NewDraft(ctx, tn, orgID, w.ID, "u")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 409, e.Status, "drafts only fork from published workflows")

	_, err = svc.Publish(ctx, tn, orgID, w.ID)
	require.NoError(t, err)

	draft, err := svc.NewDraft(ctx, tn, orgID, w.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, w.FamilyID, draft.FamilyID)
	assert.Equal(t, 2, draft.Revision)
	assert.Equal(t, w.ID, draft.SourceWorkflowID)
	assert.Equal(t, store.WorkflowDraft, draft.Status)

	revs, err := svc.Revisions(ctx, tn, orgID, w.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 2)
}

func TestStartRunRequiresPublished(t *testing.T) {
	svc, _, q, tn, orgID := newTestWorkflows(t)
	ctx := context.Background()
	w, err := svc.Create(ctx, tn, orgID, "wf", validDSL, nil, "u")
	require.NoError(t, err)

	_, err = svc.StartRun(ctx, tn, orgID, w.ID, "manual", nil, "u")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 409, e.Status)
	assert.Empty(t, q.Jobs())
}

func TestStartRunEnqueuesJob(t *testing.T) {
	svc, st, q, tn, orgID := newTestWorkflows(t)
	ctx := context.Background()
	w, err := svc.Create(ctx, tn, orgID, "wf", validDSL, nil, "u")
	require.NoError(t, err)
	_, err = svc.Publish(ctx, tn, orgID, w.ID)
	require.NoError(t, err)

	run, err := svc.StartRun(ctx, tn, orgID, w.ID, "manual", json.RawMessage(`{"k":"v"}`), "u")
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, run.Status)
	assert.Equal(t, defaultMaxAttempts, run.MaxAttempts)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, run.ID, jobs[0].RunID)

	got, err := st.GetRun(ctx, tn, orgID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.Status)
}

func TestStartRunCompensatesOnQueueFailure(t *testing.T) {
	svc, st, q, tn, orgID := newTestWorkflows(t)
	ctx := context.Background()
	w, err := svc.Create(ctx, tn, orgID, "wf", validDSL, nil, "u")
	require.NoError(t, err)
	_, err = svc.Publish(ctx, tn, orgID, w.ID)
	require.NoError(t, err)

	q.FailNext(1)
	_, err = svc.StartRun(ctx, tn, orgID, w.ID, "manual", nil, "u")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 503, e.Status)
	assert.Equal(t, apierr.CodeQueueUnavailable, e.Code)

	runs, _, err := st.ListRuns(ctx, tn, orgID, w.ID, store.Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, runs, "the queued row is deleted when the queue refuses the job")
	assert.Empty(t, q.Jobs())

	// The next attempt succeeds with a fresh run id.
	run, err := svc.StartRun(ctx, tn, orgID, w.ID, "manual", nil, "u")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Len(t, q.Jobs(), 1)
}

func TestListRunEventsChecksTheRunExists(t *testing.T) {
	svc, _, _, tn, orgID := newTestWorkflows(t)
	_, _, err := svc.ListRunEvents(context.Background(), tn, orgID, uuid.NewString(), store.Page{Limit: 10})
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.Status)
}
