package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTenant(orgID string) Tenant {
	return Tenant{ActorUserID: uuid.NewString(), OrgID: orgID}
}

func seedOrg(t *testing.T, m *Memory) (Tenant, *Organization) {
	t.Helper()
	ctx := context.Background()
	userID := uuid.NewString()
	org := &Organization{
		ID:        uuid.NewString(),
		Slug:      "org-" + uuid.NewString()[:8],
		Name:      "Test Org",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	owner := &Membership{
		OrganizationID: org.ID,
		UserID:         userID,
		RoleKey:        RoleOwner,
		CreatedAt:      org.CreatedAt,
	}
	require.NoError(t, m.CreateOrganization(ctx, Tenant{ActorUserID: userID}, org, owner))
	return Tenant{ActorUserID: userID, OrgID: org.ID}, org
}

func seedSession(t *testing.T, m *Memory, tn Tenant) *AgentSession {
	t.Helper()
	s := &AgentSession{
		ID:             uuid.NewString(),
		OrganizationID: tn.OrgID,
		SessionKey:     "agent:main:org:" + tn.OrgID + ":scope:main",
		Scope:          "main",
		EngineID:       "default",
		Status:         SessionActive,
		LastActivityAt: time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, m.CreateAgentSession(context.Background(), tn, s))
	return s
}

func TestSessionEventIdempotency(t *testing.T) {
	m := NewMemory()
	tn, _ := seedOrg(t, m)
	s := seedSession(t, m, tn)
	ctx := context.Background()

	first, created, err := m.AppendSessionEvent(ctx, tn, &AgentSessionEvent{
		SessionID:      s.ID,
		EventType:      "user_message",
		Level:          "info",
		IdempotencyKey: "k1",
		Payload:        json.RawMessage(`{"text":"hello"}`),
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.AppendSessionEvent(ctx, tn, &AgentSessionEvent{
		SessionID:      s.ID,
		EventType:      "user_message",
		Level:          "info",
		IdempotencyKey: "k1",
		Payload:        json.RawMessage(`{"text":"different"}`),
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.JSONEq(t, `{"text":"hello"}`, string(second.Payload))
}

func TestSessionEventSeqContiguous(t *testing.T) {
	m := NewMemory()
	tn, _ := seedOrg(t, m)
	s := seedSession(t, m, tn)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e, created, err := m.AppendSessionEvent(ctx, tn, &AgentSessionEvent{
			SessionID: s.ID,
			EventType: "agent_chunk",
			Level:     "info",
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		require.True(t, created)
		assert.Equal(t, int64(i), e.Seq)
	}

	events, next, err := m.ListSessionEvents(ctx, tn, tn.OrgID, s.ID, Page{Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Seq)
	}
}

func TestSessionEventPaginationBySeq(t *testing.T) {
	m := NewMemory()
	tn, _ := seedOrg(t, m)
	s := seedSession(t, m, tn)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, _, err := m.AppendSessionEvent(ctx, tn, &AgentSessionEvent{
			SessionID: s.ID,
			EventType: "agent_chunk",
			Level:     "info",
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	page1, next, err := m.ListSessionEvents(ctx, tn, tn.OrgID, s.ID, Page{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotEmpty(t, next)

	page2, next2, err := m.ListSessionEvents(ctx, tn, tn.OrgID, s.ID, Page{Limit: 3, Cursor: next})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, int64(3), page2[0].Seq)

	page3, next3, err := m.ListSessionEvents(ctx, tn, tn.OrgID, s.ID, Page{Limit: 3, Cursor: next2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, next3)

	// Cursor past the end yields an empty page and no next cursor.
	past := EncodeCursor(SeqCursor{Seq: 99})
	empty, nextEmpty, err := m.ListSessionEvents(ctx, tn, tn.OrgID, s.ID, Page{Limit: 3, Cursor: past})
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Empty(t, nextEmpty)
}

func TestInvalidCursorRejected(t *testing.T) {
	m := NewMemory()
	tn, _ := seedOrg(t, m)
	s := seedSession(t, m, tn)

	_, _, err := m.ListSessionEvents(context.Background(), tn, tn.OrgID, s.ID, Page{Cursor: "not-base64!!"})
	assert.Error(t, err)

	_, _, err = m.ListWorkflows(context.Background(), tn, tn.OrgID, Page{Cursor: "Z2FyYmFnZQ"})
	assert.Error(t, err)
}

func TestCreditsBalanceMatchesLedgerSum(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()

	deltas := []int64{500, 200, -100, 250}
	for i, d := range deltas {
		applied, _, err := m.ApplyCredit(ctx, tn, &CreditLedgerEntry{
			OrganizationID: org.ID,
			DeltaCredits:   d,
			Reason:         "test",
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	credits, err := m.GetCredits(ctx, tn, org.ID)
	require.NoError(t, err)

	entries, _, err := m.ListLedger(ctx, tn, org.ID, Page{Limit: 100})
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.DeltaCredits
	}
	assert.Equal(t, sum, credits.BalanceCredits)
	assert.Equal(t, int64(850), credits.BalanceCredits)
}

func TestApplyCreditStripeEventAtMostOnce(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()

	entry := func() *CreditLedgerEntry {
		return &CreditLedgerEntry{
			OrganizationID: org.ID,
			DeltaCredits:   1000,
			Reason:         "stripe_topup",
			StripeEventID:  "evt_1",
			CreatedAt:      time.Now().UTC(),
		}
	}

	applied, bal, err := m.ApplyCredit(ctx, tn, entry())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1000), bal.BalanceCredits)

	applied, bal, err = m.ApplyCredit(ctx, tn, entry())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1000), bal.BalanceCredits)

	entries, _, err := m.ListLedger(ctx, tn, org.ID, Page{Limit: 100})
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if e.StripeEventID == "evt_1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestApplyCreditRejectsOverdraft(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)

	_, _, err := m.ApplyCredit(context.Background(), tn, &CreditLedgerEntry{
		OrganizationID: org.ID,
		DeltaCredits:   -10,
		Reason:         "run_debit",
		CreatedAt:      time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPublishedWorkflowRejectsDraftUpdate(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &Workflow{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		FamilyID:       uuid.NewString(),
		Revision:       1,
		Name:           "wf",
		Status:         WorkflowDraft,
		Version:        1,
		DSL:            json.RawMessage(`{"nodes":[]}`),
		CreatedBy:      tn.ActorUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateWorkflow(ctx, tn, w))

	_, err := m.PublishWorkflow(ctx, tn, org.ID, w.ID, now)
	require.NoError(t, err)

	name := "renamed"
	_, err = m.UpdateWorkflowDraft(ctx, tn, org.ID, w.ID, WorkflowDraftPatch{Name: &name}, now)
	assert.ErrorIs(t, err, ErrConflict)

	// Publishing twice conflicts as well.
	_, err = m.PublishWorkflow(ctx, tn, org.ID, w.ID, now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDeleteQueuedRunGuard(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &WorkflowRun{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		WorkflowID:     uuid.NewString(),
		TriggerType:    TriggerManual,
		Status:         RunQueued,
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateRun(ctx, tn, run))
	require.NoError(t, m.DeleteQueuedRun(ctx, tn, org.ID, run.ID))

	_, err := m.GetRun(ctx, tn, org.ID, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// A run that has started cannot be compensated away.
	started := &WorkflowRun{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		WorkflowID:     uuid.NewString(),
		TriggerType:    TriggerManual,
		Status:         RunRunning,
		AttemptCount:   1,
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateRun(ctx, tn, started))
	assert.ErrorIs(t, m.DeleteQueuedRun(ctx, tn, org.ID, started.ID), ErrConflict)
}

func TestPageCursorPagination(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		w := &Workflow{
			ID:             fmt.Sprintf("%d-%s", i, uuid.NewString()),
			OrganizationID: org.ID,
			FamilyID:       uuid.NewString(),
			Revision:       1,
			Name:           fmt.Sprintf("wf-%d", i),
			Status:         WorkflowDraft,
			Version:        1,
			CreatedBy:      tn.ActorUserID,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
			UpdatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, m.CreateWorkflow(ctx, tn, w))
	}

	page1, next, err := m.ListWorkflows(ctx, tn, org.ID, Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, next)
	assert.Equal(t, "wf-4", page1[0].Name) // newest first

	page2, next2, err := m.ListWorkflows(ctx, tn, org.ID, Page{Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "wf-2", page2[0].Name)

	page3, next3, err := m.ListWorkflows(ctx, tn, org.ID, Page{Limit: 2, Cursor: next2})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, next3)
}

func TestPairingTokenOneShot(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &PairingToken{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		ExecutorName:   "worker-1",
		SecretHash:     "hash-1",
		ExpiresAt:      now.Add(10 * time.Minute),
		CreatedBy:      tn.ActorUserID,
		CreatedAt:      now,
	}
	require.NoError(t, m.CreatePairingToken(ctx, tn, p))

	got, err := m.ConsumePairingToken(ctx, tn, p.ID, "hash-1", now)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.ExecutorName)

	// Second consume fails: the token is one-shot.
	_, err = m.ConsumePairingToken(ctx, tn, p.ID, "hash-1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPairingTokenRejectsWrongHashAndExpiry(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &PairingToken{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		ExecutorName:   "worker-2",
		SecretHash:     "hash-2",
		ExpiresAt:      now.Add(time.Minute),
		CreatedAt:      now,
	}
	require.NoError(t, m.CreatePairingToken(ctx, tn, p))

	_, err := m.ConsumePairingToken(ctx, tn, p.ID, "wrong", now)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.ConsumePairingToken(ctx, tn, p.ID, "hash-2", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeExecutorIdempotent(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	e := &Executor{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Name:           "runner",
		Kind:           ExecutorPaired,
		TokenHash:      "th",
		Status:         ExecutorStatusActive,
		CreatedAt:      now,
	}
	require.NoError(t, m.CreateExecutor(ctx, tn, e))

	changed, err := m.RevokeExecutor(ctx, tn, org.ID, e.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.RevokeExecutor(ctx, tn, org.ID, e.ID, now)
	require.NoError(t, err)
	assert.False(t, changed)

	// Revoked executors no longer resolve by token hash.
	_, err = m.GetExecutorByTokenHash(ctx, tn, "th")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToolsetPublishUnpublishRoundTrip(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	ts := &Toolset{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Name:           "automation kit",
		Definition:     json.RawMessage(`{"mcpServers":{}}`),
		Visibility:     VisibilityOrg,
		CreatedBy:      tn.ActorUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateToolset(ctx, tn, ts))

	published, err := m.PublishToolset(ctx, tn, org.ID, ts.ID, "automation-kit", now)
	require.NoError(t, err)
	assert.Equal(t, VisibilityPublic, published.Visibility)
	assert.Equal(t, "automation-kit", published.PublicSlug)
	require.NotNil(t, published.PublishedAt)

	// Slug is globally unique.
	tn2, org2 := seedOrg(t, m)
	other := &Toolset{
		ID:             uuid.NewString(),
		OrganizationID: org2.ID,
		Name:           "other",
		Definition:     json.RawMessage(`{}`),
		Visibility:     VisibilityOrg,
		CreatedBy:      tn2.ActorUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateToolset(ctx, tn2, other))
	_, err = m.PublishToolset(ctx, tn2, org2.ID, other.ID, "automation-kit", now)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	unpublished, err := m.UnpublishToolset(ctx, tn, org.ID, ts.ID, VisibilityPrivate, now)
	require.NoError(t, err)
	assert.Equal(t, VisibilityPrivate, unpublished.Visibility)
	assert.Empty(t, unpublished.PublicSlug)
	assert.Nil(t, unpublished.PublishedAt)

	// The slug is free again after unpublish.
	_, err = m.PublishToolset(ctx, tn2, org2.ID, other.ID, "automation-kit", now)
	require.NoError(t, err)
}

func TestSecretUniquePerOrgConnectorName(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(org, name string) *ConnectorSecret {
		return &ConnectorSecret{
			ID:             uuid.NewString(),
			OrganizationID: org,
			ConnectorID:    "github",
			Name:           name,
			CreatedBy:      tn.ActorUserID,
			UpdatedBy:      tn.ActorUserID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	require.NoError(t, m.CreateSecret(ctx, tn, mk(org.ID, "default")))
	assert.ErrorIs(t, m.CreateSecret(ctx, tn, mk(org.ID, "default")), ErrAlreadyExists)
	require.NoError(t, m.CreateSecret(ctx, tn, mk(org.ID, "secondary")))

	// Same name under a different org is fine.
	_, org2 := seedOrg(t, m)
	require.NoError(t, m.CreateSecret(ctx, tn, mk(org2.ID, "default")))
}

func TestOrgScopingHidesForeignRows(t *testing.T) {
	m := NewMemory()
	tn1, org1 := seedOrg(t, m)
	tn2, org2 := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &Workflow{
		ID:             uuid.NewString(),
		OrganizationID: org1.ID,
		FamilyID:       uuid.NewString(),
		Revision:       1,
		Name:           "wf",
		Status:         WorkflowDraft,
		Version:        1,
		CreatedBy:      tn1.ActorUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateWorkflow(ctx, tn1, w))

	_, err := m.GetWorkflow(ctx, tn2, org2.ID, w.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, _, err := m.ListWorkflows(ctx, tn2, org2.ID, Page{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAcceptInvitationIsIdempotentAtStoreLevel(t *testing.T) {
	m := NewMemory()
	tn, org := seedOrg(t, m)
	ctx := context.Background()
	now := time.Now().UTC()

	inv := &Invitation{
		ID:              uuid.NewString(),
		OrganizationID:  org.ID,
		EmailLower:      "new@user.co",
		RoleKey:         RoleMember,
		InvitedByUserID: tn.ActorUserID,
		Token:           org.ID + "." + uuid.NewString(),
		Status:          InvitationPending,
		ExpiresAt:       now.Add(72 * time.Hour),
		CreatedAt:       now,
	}
	require.NoError(t, m.CreateInvitation(ctx, tn, inv))

	userID := uuid.NewString()
	require.NoError(t, m.MarkInvitationAccepted(ctx, tn, inv.ID, userID, now))

	got, err := m.GetInvitationByToken(ctx, tn, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, InvitationAccepted, got.Status)
	assert.Equal(t, userID, got.AcceptedByUserID)
}
