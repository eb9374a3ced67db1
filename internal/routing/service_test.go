package routing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/gateway"
	"github.com/vespid/control-plane/internal/llm"
	"github.com/vespid/control-plane/internal/store"
)

type fakeGateway struct {
	dispatches []gateway.Dispatch
	resets     []string
	failNext   bool
}

func (g *fakeGateway) DispatchMessage(_ context.Context, d gateway.Dispatch) error {
	if g.failNext {
		g.failNext = false
		return gateway.ErrUnavailable
	}
	g.dispatches = append(g.dispatches, d)
	return nil
}

func (g *fakeGateway) NotifyReset(_ context.Context, sessionID string) {
	g.resets = append(g.resets, sessionID)
}

func newTestService(t *testing.T) (*Service, *store.Memory, *fakeGateway, store.Tenant, string) {
	t.Helper()
	m := store.NewMemory()
	gw := &fakeGateway{}
	reg := llm.NewRegistryWithClients(catalog.New(), nil)
	svc := NewService(m, reg, gw, nil, slog.Default())

	userID := uuid.NewString()
	now := time.Now().UTC()
	org := &store.Organization{
		ID:        uuid.NewString(),
		Slug:      "org-" + uuid.NewString()[:8],
		Name:      "Routing Org",
		CreatedAt: now,
		UpdatedAt: now,
	}
	owner := &store.Membership{
		OrganizationID: org.ID,
		UserID:         userID,
		RoleKey:        store.RoleOwner,
		CreatedAt:      now,
	}
	require.NoError(t, m.CreateOrganization(context.Background(), store.Tenant{ActorUserID: userID}, org, owner))
	return svc, m, gw, store.Tenant{ActorUserID: userID, OrgID: org.ID}, org.ID
}

func seedAgent(t *testing.T, m *store.Memory, tn store.Tenant, orgID, name string) *store.Agent {
	t.Helper()
	now := time.Now().UTC()
	a := &store.Agent{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		EngineID:       "default",
		LLM:            store.LLMConfig{Provider: "openai"},
		Status:         "active",
		CreatedBy:      tn.ActorUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, m.CreateAgent(context.Background(), tn, a))
	return a
}

func seedBinding(t *testing.T, m *store.Memory, tn store.Tenant, orgID, agentID, dimension string, match store.BindingMatch, priority int) *store.AgentBinding {
	t.Helper()
	b := &store.AgentBinding{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		AgentID:        agentID,
		Priority:       priority,
		Dimension:      dimension,
		Match:          match,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, m.CreateBinding(context.Background(), tn, b))
	return b
}

func TestCreateSessionRoutesByBinding(t *testing.T) {
	svc, m, _, tn, orgID := newTestService(t)
	ctx := context.Background()

	peerAgent := seedAgent(t, m, tn, orgID, "peer-agent")
	defaultAgent := seedAgent(t, m, tn, orgID, "default-agent")
	seedBinding(t, m, tn, orgID, peerAgent.ID, "peer", store.BindingMatch{Peer: "u1"}, 5)
	seedBinding(t, m, tn, orgID, defaultAgent.ID, "default", store.BindingMatch{}, 0)

	sess, reused, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, CreateSessionInput{
		Scope: ScopePerPeer,
		Peer:  "u1",
		LLM:   &store.LLMConfig{Provider: "openai"},
	})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, peerAgent.ID, sess.RoutedAgentID)
	assert.True(t, strings.HasSuffix(sess.SessionKey, ":peer:u1"), "key %q", sess.SessionKey)

	other, reused, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, CreateSessionInput{
		Scope: ScopeMain,
		Peer:  "u2",
		LLM:   &store.LLMConfig{Provider: "openai"},
	})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, defaultAgent.ID, other.RoutedAgentID)
	assert.NotContains(t, other.SessionKey, ":peer:")
}

func TestCreateSessionReusesActiveKey(t *testing.T) {
	svc, _, _, tn, orgID := newTestService(t)
	ctx := context.Background()
	in := CreateSessionInput{Scope: ScopeMain, LLM: &store.LLMConfig{Provider: "openai"}}

	first, reused, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, in)
	require.NoError(t, err)
	require.False(t, reused)

	second, reused, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, in)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	// Archiving frees the key for a new session.
	require.NoError(t, svc.Archive(ctx, tn, orgID, first.ID))
	third, reused, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, in)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateSessionMemberNeedsOrgDefault(t *testing.T) {
	svc, m, _, tn, orgID := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.CreateSession(ctx, tn, orgID, store.RoleMember, CreateSessionInput{
		Scope: ScopeMain,
		LLM:   &store.LLMConfig{Provider: "anthropic"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default LLM")

	_, err = m.UpdateOrganizationSettings(ctx, tn, orgID, store.OrgSettings{
		DefaultLLM: &store.LLMConfig{Provider: "openai"},
	}, time.Now().UTC())
	require.NoError(t, err)

	sess, _, err := svc.CreateSession(ctx, tn, orgID, store.RoleMember, CreateSessionInput{
		Scope: ScopeMain,
		LLM:   &store.LLMConfig{Provider: "anthropic"},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", sess.LLM.Provider, "member config is overridden by the org default")
}

func TestSendMessageIdempotentByKey(t *testing.T) {
	svc, _, gw, tn, orgID := newTestService(t)
	ctx := context.Background()

	sess, _, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, CreateSessionInput{
		Scope: ScopeMain, LLM: &store.LLMConfig{Provider: "openai"},
	})
	require.NoError(t, err)

	first, err := svc.SendMessage(ctx, tn, orgID, sess.ID, "hello", "k1")
	require.NoError(t, err)
	second, err := svc.SendMessage(ctx, tn, orgID, sess.ID, "hello", "k1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Len(t, gw.dispatches, 1, "duplicate key does not re-dispatch")
	assert.Equal(t, first.Seq, gw.dispatches[0].Seq)
}

func TestSendMessageGatewayFailureKeepsEvent(t *testing.T) {
	svc, m, gw, tn, orgID := newTestService(t)
	ctx := context.Background()

	sess, _, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, CreateSessionInput{
		Scope: ScopeMain, LLM: &store.LLMConfig{Provider: "openai"},
	})
	require.NoError(t, err)

	gw.failNext = true
	_, err = svc.SendMessage(ctx, tn, orgID, sess.ID, "hello", "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not dispatched")

	evs, _, err := m.ListSessionEvents(ctx, tn, orgID, sess.ID, store.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, evs, 1, "the user event survives the gateway failure")
	assert.Equal(t, EventUserMessage, evs[0].EventType)
}

func TestResetClearsPinAndNotifiesGateway(t *testing.T) {
	svc, m, gw, tn, orgID := newTestService(t)
	ctx := context.Background()

	sess, _, err := svc.CreateSession(ctx, tn, orgID, store.RoleOwner, CreateSessionInput{
		Scope: ScopeMain, LLM: &store.LLMConfig{Provider: "openai"},
	})
	require.NoError(t, err)

	reset, err := svc.Reset(ctx, tn, orgID, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, reset.PinnedAgentID)
	assert.Equal(t, []string{sess.ID}, gw.resets)

	evs, _, err := m.ListSessionEvents(ctx, tn, orgID, sess.ID, store.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSystem, evs[0].EventType)
}

func TestSendMessageUnknownSession(t *testing.T) {
	svc, _, _, tn, orgID := newTestService(t)
	_, err := svc.SendMessage(context.Background(), tn, orgID, uuid.NewString(), "hi", "")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
