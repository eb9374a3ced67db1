package builder

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/llm"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/vault"
)

type scriptedLLM struct {
	replies  []string
	requests []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "ok", nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func newTestEngine(t *testing.T) (*Engine, *scriptedLLM, store.Tenant, string) {
	t.Helper()
	m := store.NewMemory()
	cat := catalog.New()
	fake := &scriptedLLM{}
	reg := llm.NewRegistryWithClients(cat, map[string]llm.Client{
		catalog.APIKindOpenAI: fake,
	})
	v := vault.New(m, cat, "", nil)
	eng := NewEngine(m, cat, reg, v, slog.Default())

	userID := uuid.NewString()
	now := time.Now().UTC()
	org := &store.Organization{
		ID: uuid.NewString(), Slug: "org-" + uuid.NewString()[:8], Name: "Builder Org",
		CreatedAt: now, UpdatedAt: now,
	}
	owner := &store.Membership{OrganizationID: org.ID, UserID: userID, RoleKey: store.RoleOwner, CreatedAt: now}
	require.NoError(t, m.CreateOrganization(context.Background(), store.Tenant{ActorUserID: userID}, org, owner))
	return eng, fake, store.Tenant{ActorUserID: userID, OrgID: org.ID}, org.ID
}

func TestCreateSessionWithIntent(t *testing.T) {
	eng, fake, tn, orgID := newTestEngine(t)
	fake.replies = []string{"github-mcp would cover that"}

	reply, err := eng.CreateSession(context.Background(), tn, orgID, store.RoleOwner,
		"I need to manage github issues", &store.LLMConfig{Provider: "openai"})
	require.NoError(t, err)

	assert.Equal(t, store.BuilderActive, reply.Session.Status)
	assert.Equal(t, "github-mcp would cover that", reply.AssistantText)
	assert.Contains(t, reply.SuggestedKeys, "github-mcp")
	assert.Contains(t, reply.Session.SelectedComponentKeys, "github-mcp")
	require.Len(t, fake.requests, 1)
	assert.NotEmpty(t, fake.requests[0].System)
}

func TestCreateSessionWithoutIntentUsesCannedPrompt(t *testing.T) {
	eng, fake, tn, orgID := newTestEngine(t)

	reply, err := eng.CreateSession(context.Background(), tn, orgID, store.RoleOwner,
		"", &store.LLMConfig{Provider: "openai"})
	require.NoError(t, err)

	assert.Equal(t, cannedGreeting, reply.AssistantText)
	assert.Empty(t, fake.requests, "no model call without intent")
}

func TestCreateSessionVertexNeedsSecret(t *testing.T) {
	eng, _, tn, orgID := newTestEngine(t)

	_, err := eng.CreateSession(context.Background(), tn, orgID, store.RoleOwner,
		"x", &store.LLMConfig{Provider: "vertex"})
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	// vertex is not enabled for the builder context at all
	assert.Equal(t, apierr.CodeValidation, e.Code)
}

func TestChatRedactsAndMergesKeys(t *testing.T) {
	eng, fake, tn, orgID := newTestEngine(t)
	fake.replies = []string{"noted", "sure"}

	reply, err := eng.CreateSession(context.Background(), tn, orgID, store.RoleOwner,
		"slack automation", &store.LLMConfig{Provider: "openai"})
	require.NoError(t, err)

	chat, err := eng.Chat(context.Background(), tn, orgID, reply.Session.ID,
		"use my key sk-abc123def456ghi789jkl012 and also browse notion pages", []string{"puppeteer-mcp"})
	require.NoError(t, err)

	assert.Contains(t, chat.Session.SelectedComponentKeys, "slack-mcp")
	assert.Contains(t, chat.Session.SelectedComponentKeys, "notion-mcp")
	assert.Contains(t, chat.Session.SelectedComponentKeys, "puppeteer-mcp", "caller selection survives the union")

	turns, err := eng.store.ListBuilderTurns(context.Background(), tn, reply.Session.ID, 20)
	require.NoError(t, err)
	for _, turn := range turns {
		assert.NotContains(t, turn.MessageText, "sk-abc123def456ghi789jkl012", "secrets never persist in turns")
	}
}

func TestFinalizeProducesToolsetAndLocksSession(t *testing.T) {
	eng, fake, tn, orgID := newTestEngine(t)
	fake.replies = []string{
		"added",
		`{"name":"issue-bot","description":"triages issues","agentSkills":[{"name":"triage","format":"agentskills-v1","files":[{"path":"SKILL.md","content":"# triage"}]}]}`,
	}

	reply, err := eng.CreateSession(context.Background(), tn, orgID, store.RoleOwner,
		"github issue triage", &store.LLMConfig{Provider: "openai"})
	require.NoError(t, err)

	ts, err := eng.Finalize(context.Background(), tn, orgID, reply.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "issue-bot", ts.Name)
	assert.Equal(t, store.VisibilityPrivate, ts.Visibility)
	assert.Contains(t, string(ts.Definition), "github-mcp", "selected catalog components land in the draft")
	assert.Contains(t, string(ts.Definition), "SKILL.md")

	sess, err := eng.Get(context.Background(), tn, orgID, reply.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BuilderFinalized, sess.Status)

	_, err = eng.Chat(context.Background(), tn, orgID, reply.Session.ID, "more", nil)
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeBuilderFinalized, e.Code)

	_, err = eng.Finalize(context.Background(), tn, orgID, reply.Session.ID)
	require.Error(t, err, "finalize is terminal")
}

func TestFinalizeRejectsUnsafeSkills(t *testing.T) {
	eng, fake, tn, orgID := newTestEngine(t)
	fake.replies = []string{
		"added",
		`{"name":"bad","agentSkills":[{"name":"esc","format":"agentskills-v1","files":[{"path":"SKILL.md"},{"path":"../../etc/passwd"}]}]}`,
	}

	reply, err := eng.CreateSession(context.Background(), tn, orgID, store.RoleOwner,
		"github", &store.LLMConfig{Provider: "openai"})
	require.NoError(t, err)

	_, err = eng.Finalize(context.Background(), tn, orgID, reply.Session.ID)
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidSkillBundle, e.Code)

	sess, err := eng.Get(context.Background(), tn, orgID, reply.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BuilderActive, sess.Status, "a rejected draft leaves the session editable")
}

func TestRankComponents(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ranked := eng.RankComponents("github pull requests", 5)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "github-mcp", ranked[0].Component.Key)
	assert.LessOrEqual(t, len(ranked), 5)
}
