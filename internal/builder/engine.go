package builder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/llm"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/vault"
)

// Turn roles.
const (
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// chatContextTurns is how much history each assistant turn sees.
const chatContextTurns = 12

const cannedGreeting = "Tell me what the toolset should be able to do and I will suggest components from the catalog."

// Engine drives builder sessions through ACTIVE to FINALIZED.
type Engine struct {
	store   store.Store
	catalog *catalog.Catalog
	llm     *llm.Registry
	vault   *vault.Vault
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine wires the builder.
func NewEngine(st store.Store, cat *catalog.Catalog, reg *llm.Registry, v *vault.Vault, logger *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		catalog: cat,
		llm:     reg,
		vault:   v,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Reply is the result of a session create or chat call.
type Reply struct {
	Session       *store.BuilderSession
	AssistantText string
	SuggestedKeys []string
}

// validateLLM resolves cfg for the toolsetBuilder context and, when the
// provider needs OAuth, checks the secret belongs to the provider's connector.
func (e *Engine) validateLLM(ctx context.Context, t store.Tenant, orgID, roleKey string, cfg *store.LLMConfig) (*llm.Resolved, error) {
	org, err := e.store.GetOrganization(ctx, t, orgID)
	if err != nil {
		return nil, err
	}
	resolved, err := e.llm.Validate(org.Settings, roleKey, cfg, catalog.ContextToolsetBuilder)
	if err != nil {
		return nil, err
	}
	if resolved.Provider.RequiresOAuth {
		sec, err := e.store.GetSecret(ctx, t, orgID, resolved.Config.SecretID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apierr.Unprocessable(apierr.CodeLLMSecretRequired, "the referenced credential does not exist")
			}
			return nil, err
		}
		if sec.ConnectorID != llm.ExpectedConnector(resolved.Provider) {
			return nil, apierr.Unprocessable(apierr.CodeLLMSecretRequired,
				"the credential belongs to connector "+sec.ConnectorID+", expected "+llm.ExpectedConnector(resolved.Provider))
		}
	}
	return resolved, nil
}

// CreateSession opens a builder session. A non-empty intent runs one
// assistant turn immediately; otherwise only a canned greeting is recorded.
func (e *Engine) CreateSession(ctx context.Context, t store.Tenant, orgID, roleKey, intent string, cfg *store.LLMConfig) (*Reply, error) {
	resolved, err := e.validateLLM(ctx, t, orgID, roleKey, cfg)
	if err != nil {
		return nil, err
	}

	now := e.now()
	sess := &store.BuilderSession{
		ID:                    uuid.NewString(),
		OrganizationID:        orgID,
		CreatedBy:             t.ActorUserID,
		Status:                store.BuilderActive,
		LLM:                   resolved.Config,
		LatestIntent:          intent,
		SelectedComponentKeys: []string{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.store.CreateBuilderSession(ctx, t, sess); err != nil {
		return nil, err
	}

	if intent == "" {
		if err := e.appendTurn(ctx, t, sess.ID, RoleAssistant, cannedGreeting); err != nil {
			return nil, err
		}
		return &Reply{Session: sess, AssistantText: cannedGreeting, SuggestedKeys: []string{}}, nil
	}

	return e.assistantTurn(ctx, t, sess, resolved, intent, nil)
}

// Get loads one builder session.
func (e *Engine) Get(ctx context.Context, t store.Tenant, orgID, id string) (*store.BuilderSession, error) {
	sess, err := e.store.GetBuilderSession(ctx, t, orgID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.NotFound(apierr.CodeBuilderNotFound, "builder session not found")
	}
	return sess, err
}

// Chat appends a user turn (redacted) and runs one assistant turn over the
// recent history. The caller's selected keys are merged with the engine's
// suggestions and persisted as a union.
func (e *Engine) Chat(ctx context.Context, t store.Tenant, orgID, sessionID, message string, selectedKeys []string) (*Reply, error) {
	if message == "" {
		return nil, apierr.Validation("message is required")
	}
	sess, err := e.activeSession(ctx, t, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	org, err := e.store.GetOrganization(ctx, t, orgID)
	if err != nil {
		return nil, err
	}
	cfg := sess.LLM
	resolved, err := e.llm.Validate(org.Settings, store.RoleOwner, &cfg, catalog.ContextToolsetBuilder)
	if err != nil {
		return nil, err
	}
	sess.LatestIntent = message
	return e.assistantTurn(ctx, t, sess, resolved, message, selectedKeys)
}

// finalDraftShape is what the final LLM call is asked to return.
type finalDraftShape struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	AgentSkills []SkillBundle `json:"agentSkills"`
}

// Finalize runs the skill-producing LLM call, assembles the draft from the
// session's selected catalog components, validates it, marks the session
// FINALIZED, and stores the toolset as a private draft.
func (e *Engine) Finalize(ctx context.Context, t store.Tenant, orgID, sessionID string) (*store.Toolset, error) {
	sess, err := e.activeSession(ctx, t, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	org, err := e.store.GetOrganization(ctx, t, orgID)
	if err != nil {
		return nil, err
	}
	cfg := sess.LLM
	resolved, err := e.llm.Validate(org.Settings, store.RoleOwner, &cfg, catalog.ContextToolsetBuilder)
	if err != nil {
		return nil, err
	}

	history, err := e.store.ListBuilderTurns(ctx, t, sessionID, chatContextTurns)
	if err != nil {
		return nil, err
	}
	text, err := e.complete(ctx, t, orgID, resolved, finalizeSystemPrompt, history, sess.LatestIntent)
	if err != nil {
		return nil, err
	}

	var shape finalDraftShape
	if raw := extractJSON(text); raw != nil {
		if err := json.Unmarshal(raw, &shape); err != nil {
			e.logger.Warn("builder finalize produced unparseable draft", "sessionId", sessionID, "error", err)
		}
	}
	if shape.Name == "" {
		shape.Name = "toolset-" + sess.ID[:8]
	}

	draft := &Draft{
		Name:        shape.Name,
		Description: shape.Description,
		AgentSkills: shape.AgentSkills,
	}
	// MCP servers come from the catalog by selected key, never from the model.
	for _, key := range sess.SelectedComponentKeys {
		comp, ok := e.catalog.Component(key)
		if !ok {
			continue
		}
		draft.MCPServers = append(draft.MCPServers, MCPServer{
			Name:         comp.Key,
			ComponentKey: comp.Key,
			Command:      comp.Command,
			Args:         comp.Args,
			Env:          comp.Env,
			URL:          comp.URL,
			Transport:    comp.Transport,
		})
	}
	if err := ValidateDraft(draft); err != nil {
		return nil, err
	}

	definition, err := json.Marshal(draft)
	if err != nil {
		return nil, err
	}
	now := e.now()
	ts := &store.Toolset{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           draft.Name,
		Description:    draft.Description,
		Definition:     definition,
		Visibility:     store.VisibilityPrivate,
		CreatedBy:      t.ActorUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateToolset(ctx, t, ts); err != nil {
		return nil, err
	}

	sess.Status = store.BuilderFinalized
	sess.FinalDraft = definition
	sess.UpdatedAt = now
	if err := e.store.UpdateBuilderSession(ctx, t, sess); err != nil {
		return nil, err
	}
	return ts, nil
}

// RankComponents exposes catalog ranking to the search endpoint.
func (e *Engine) RankComponents(query string, limit int) []catalog.RankedComponent {
	return e.catalog.Rank(query, limit)
}

func (e *Engine) activeSession(ctx context.Context, t store.Tenant, orgID, sessionID string) (*store.BuilderSession, error) {
	sess, err := e.store.GetBuilderSession(ctx, t, orgID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound(apierr.CodeBuilderNotFound, "builder session not found")
		}
		return nil, err
	}
	if sess.Status != store.BuilderActive {
		return nil, apierr.Conflict(apierr.CodeBuilderFinalized, "builder session is finalized")
	}
	return sess, nil
}

// assistantTurn records the user turn, runs one completion, records the
// assistant turn, and persists the component-key union.
func (e *Engine) assistantTurn(ctx context.Context, t store.Tenant, sess *store.BuilderSession, resolved *llm.Resolved, userText string, selectedKeys []string) (*Reply, error) {
	redacted := cryptoutil.RedactSecrets(userText)
	if err := e.appendTurn(ctx, t, sess.ID, RoleUser, redacted); err != nil {
		return nil, err
	}

	suggested := e.suggestKeys(redacted)
	history, err := e.store.ListBuilderTurns(ctx, t, sess.ID, chatContextTurns)
	if err != nil {
		return nil, err
	}
	answer, err := e.complete(ctx, t, sess.OrganizationID, resolved, chatSystemPrompt(suggested), history, redacted)
	if err != nil {
		return nil, err
	}
	if err := e.appendTurn(ctx, t, sess.ID, RoleAssistant, answer); err != nil {
		return nil, err
	}

	sess.SelectedComponentKeys = unionKeys(sess.SelectedComponentKeys, selectedKeys, suggested)
	sess.UpdatedAt = e.now()
	if err := e.store.UpdateBuilderSession(ctx, t, sess); err != nil {
		return nil, err
	}
	return &Reply{Session: sess, AssistantText: answer, SuggestedKeys: suggested}, nil
}

// complete reveals the credential (when one is referenced) and runs the call.
func (e *Engine) complete(ctx context.Context, t store.Tenant, orgID string, resolved *llm.Resolved, system string, history []*store.BuilderTurn, latest string) (string, error) {
	credential := ""
	if resolved.Config.SecretID != "" {
		plaintext, _, err := e.vault.Reveal(ctx, t, orgID, resolved.Config.SecretID)
		if err != nil {
			return "", err
		}
		credential = string(plaintext)
	}

	req := llm.Request{System: system, Credential: credential}
	for _, turn := range history {
		role := "user"
		if turn.Role == RoleAssistant {
			role = "assistant"
		}
		req.Messages = append(req.Messages, llm.Message{Role: role, Text: turn.MessageText})
	}
	if len(req.Messages) == 0 {
		req.Messages = []llm.Message{{Role: "user", Text: latest}}
	}
	return e.llm.Complete(ctx, resolved, req)
}

// suggestKeys ranks the catalog against the user text and keeps matches.
func (e *Engine) suggestKeys(text string) []string {
	keys := []string{}
	for _, rc := range e.catalog.Rank(text, 0) {
		if rc.Score > 0 {
			keys = append(keys, rc.Component.Key)
		}
	}
	return keys
}

func unionKeys(groups ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, group := range groups {
		for _, k := range group {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func (e *Engine) appendTurn(ctx context.Context, t store.Tenant, sessionID, role, text string) error {
	return e.store.AppendBuilderTurn(ctx, t, &store.BuilderTurn{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		MessageText: text,
		CreatedAt:   e.now(),
	})
}

// extractJSON pulls the outermost JSON object out of a model reply, which
// often wraps it in prose or code fences.
func extractJSON(text string) json.RawMessage {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil
	}
	return json.RawMessage(text[start : end+1])
}

const finalizeSystemPrompt = `You are finalizing a toolset for an agent platform.
Return a single JSON object: {"name": string, "description": string, "agentSkills": [{"name": string, "format": "agentskills-v1", "files": [{"path": string, "content": string}]}]}.
Every skill bundle must contain a SKILL.md file with relative paths only. Do not include MCP server definitions.`

func chatSystemPrompt(suggested []string) string {
	var b strings.Builder
	b.WriteString("You help compose a toolset from a fixed component catalog. Suggest components by key and ask for missing requirements.")
	if len(suggested) > 0 {
		b.WriteString(" Candidate components: ")
		b.WriteString(strings.Join(suggested, ", "))
		b.WriteString(".")
	}
	return b.String()
}
