package routing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/events"
	"github.com/vespid/control-plane/internal/gateway"
	"github.com/vespid/control-plane/internal/llm"
	"github.com/vespid/control-plane/internal/store"
)

// Session event types.
const (
	EventUserMessage = "user_message"
	EventSystem      = "system"
)

// Service owns agent session lifecycle: routed creation, message append plus
// gateway forward, reset, archive.
type Service struct {
	store   store.Store
	llm     *llm.Registry
	gateway gateway.Client
	bus     events.Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the session router.
func NewService(st store.Store, reg *llm.Registry, gw gateway.Client, bus events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		llm:     reg,
		gateway: gw,
		bus:     bus,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateSessionInput is the request context a session is created in. Scope
// defaults to main; Peer defaults to the actor for peer-scoped keys.
type CreateSessionInput struct {
	Scope            string
	Peer             string
	Team             string
	Account          string
	Channel          string
	LLM              *store.LLMConfig
	Prompt           *store.SessionPrompt
	ToolsAllow       []string
	Limits           *store.SessionLimits
	ExecutorSelector string
}

func validScope(scope string) bool {
	switch scope {
	case ScopeMain, ScopePerPeer, ScopePerChannelPeer, ScopePerAccountChanPeer:
		return true
	}
	return false
}

// CreateSession resolves the binding, derives the sessionKey, and creates the
// session row. An active session with the same key is reused instead of
// creating a duplicate; the second return reports reuse.
func (s *Service) CreateSession(ctx context.Context, t store.Tenant, orgID, roleKey string, in CreateSessionInput) (*store.AgentSession, bool, error) {
	if in.Scope == "" {
		in.Scope = ScopeMain
	}
	if !validScope(in.Scope) {
		return nil, false, apierr.Validation("unknown session scope: " + in.Scope)
	}

	req := Request{
		OrganizationID: orgID,
		ActorUserID:    t.ActorUserID,
		RoleKey:        roleKey,
		Scope:          in.Scope,
		Peer:           in.Peer,
		Team:           in.Team,
		Account:        in.Account,
		Channel:        in.Channel,
	}

	bindings, err := s.store.ListBindings(ctx, t, orgID)
	if err != nil {
		return nil, false, err
	}
	winner := Resolve(bindings, req)

	var agent *store.Agent
	routedAgentID, bindingID := "", ""
	if winner != nil {
		bindingID = winner.ID
		routedAgentID = winner.AgentID
		agent, err = s.store.GetAgent(ctx, t, orgID, winner.AgentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	key := SessionKey(routedAgentID, req)
	if existing, err := s.store.FindActiveSessionByKey(ctx, t, orgID, key); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	org, err := s.store.GetOrganization(ctx, t, orgID)
	if err != nil {
		return nil, false, err
	}

	// The routed agent's config is the baseline; explicit request config wins.
	cfg := in.LLM
	if cfg == nil && agent != nil {
		c := agent.LLM
		cfg = &c
	}
	resolved, err := s.llm.Validate(org.Settings, roleKey, cfg, catalog.ContextSession)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	sess := &store.AgentSession{
		ID:               uuid.NewString(),
		OrganizationID:   orgID,
		SessionKey:       key,
		Scope:            in.Scope,
		RoutedAgentID:    routedAgentID,
		BindingID:        bindingID,
		EngineID:         "default",
		LLM:              resolved.Config,
		ToolsAllow:       in.ToolsAllow,
		ExecutorSelector: in.ExecutorSelector,
		Status:           store.SessionActive,
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if agent != nil {
		sess.EngineID = agent.EngineID
		sess.ToolsetID = agent.ToolsetID
		sess.Prompt = agent.Prompt
	}
	if in.Prompt != nil {
		sess.Prompt = *in.Prompt
	}
	if in.Limits != nil {
		sess.Limits = *in.Limits
	}

	if err := s.store.CreateAgentSession(ctx, t, sess); err != nil {
		return nil, false, err
	}
	s.publish(events.TypeSessionCreated, orgID, sess.ID, map[string]any{
		"sessionKey": sess.SessionKey, "routedAgentId": routedAgentID,
	})
	return sess, false, nil
}

// Get loads one session.
func (s *Service) Get(ctx context.Context, t store.Tenant, orgID, id string) (*store.AgentSession, error) {
	return s.store.GetAgentSession(ctx, t, orgID, id)
}

// List pages the org's sessions, newest first.
func (s *Service) List(ctx context.Context, t store.Tenant, orgID string, page store.Page) ([]*store.AgentSession, string, error) {
	return s.store.ListAgentSessions(ctx, t, orgID, page)
}

// Events pages a session's events in ascending seq order.
func (s *Service) Events(ctx context.Context, t store.Tenant, orgID, sessionID string, page store.Page) ([]*store.AgentSessionEvent, string, error) {
	if _, err := s.store.GetAgentSession(ctx, t, orgID, sessionID); err != nil {
		return nil, "", err
	}
	return s.store.ListSessionEvents(ctx, t, orgID, sessionID, page)
}

// SendMessage appends a user_message event and forwards it to the gateway
// with the assigned seq. Append is idempotent by key: a repeat returns the
// original event and skips the forward. A gateway failure keeps the event
// and answers 503, which gives the client at-least-once semantics.
func (s *Service) SendMessage(ctx context.Context, t store.Tenant, orgID, sessionID, text, idempotencyKey string) (*store.AgentSessionEvent, error) {
	if text == "" {
		return nil, apierr.Validation("message text is required")
	}
	sess, err := s.store.GetAgentSession(ctx, t, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.SessionActive {
		return nil, apierr.Conflict(apierr.CodeConflict, "session is archived")
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	payload, _ := json.Marshal(map[string]string{"text": text})
	ev := &store.AgentSessionEvent{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		EventType:      EventUserMessage,
		Level:          "info",
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		CreatedAt:      s.now(),
	}
	ev, created, err := s.store.AppendSessionEvent(ctx, t, ev)
	if err != nil {
		return nil, err
	}
	if !created {
		return ev, nil
	}

	err = s.gateway.DispatchMessage(ctx, gateway.Dispatch{
		SessionID:        sess.ID,
		SessionKey:       sess.SessionKey,
		OrganizationID:   orgID,
		EventID:          ev.ID,
		Seq:              ev.Seq,
		Text:             text,
		ExecutorSelector: sess.ExecutorSelector,
	})
	if err != nil {
		return nil, apierr.Unavailable(apierr.CodeQueueUnavailable, "message accepted but not dispatched; retry will not duplicate it")
	}

	if err := s.store.TouchAgentSession(ctx, t, orgID, sessionID, s.now()); err != nil {
		s.logger.Warn("session activity touch failed", "sessionId", sessionID, "error", err)
	}
	s.publish(events.TypeSessionEventAppended, orgID, sessionID, map[string]any{
		"eventId": ev.ID, "seq": ev.Seq, "eventType": ev.EventType,
	})
	return ev, nil
}

// Reset clears the pinned agent, appends a system event, and tells the
// gateway to drop executor pinning.
func (s *Service) Reset(ctx context.Context, t store.Tenant, orgID, sessionID string) (*store.AgentSession, error) {
	now := s.now()
	sess, err := s.store.ResetAgentSession(ctx, t, orgID, sessionID, now)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"action": "reset"})
	ev := &store.AgentSessionEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventType: EventSystem,
		Level:     "info",
		Payload:   payload,
		CreatedAt: now,
	}
	if _, _, err := s.store.AppendSessionEvent(ctx, t, ev); err != nil {
		return nil, err
	}

	s.gateway.NotifyReset(ctx, sessionID)
	s.publish(events.TypeSessionReset, orgID, sessionID, nil)
	return sess, nil
}

// Archive marks the session archived; its key becomes reusable.
func (s *Service) Archive(ctx context.Context, t store.Tenant, orgID, sessionID string) error {
	return s.store.ArchiveAgentSession(ctx, t, orgID, sessionID, s.now())
}

func (s *Service) publish(eventType, orgID, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	s.bus.Publish(events.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		OrgID:   orgID,
		Subject: subject,
		Time:    s.now(),
		Data:    raw,
	})
}
