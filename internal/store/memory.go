package store

import (
	"context"
	"crypto/subtle"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-memory Store. A single mutex serializes writes, which
// also satisfies the per-session event append ordering requirement. Values
// are stored by value and returned as copies.
type Memory struct {
	mu sync.RWMutex

	users        map[string]User
	usersByEmail map[string]string

	sessions map[string]Session

	orgs        map[string]Organization
	orgsBySlug  map[string]string
	memberships map[string]map[string]Membership

	invitations        map[string]Invitation
	invitationsByToken map[string]string

	secrets map[string]ConnectorSecret

	workflows map[string]Workflow
	runs      map[string]WorkflowRun
	runEvents map[string][]WorkflowRunEvent

	agents        map[string]Agent
	bindings      map[string]AgentBinding
	agentSessions map[string]AgentSession

	sessionEvents    map[string][]AgentSessionEvent
	sessionEventKeys map[string]map[string]string

	builderSessions map[string]BuilderSession
	builderTurns    map[string][]BuilderTurn

	toolsets     map[string]Toolset
	toolsetSlugs map[string]string

	credits      map[string]OrganizationCredits
	ledger       map[string][]CreditLedgerEntry
	stripeEvents map[string]string

	executors     map[string]Executor
	pairingTokens map[string]PairingToken

	channelAccounts map[string]ChannelAccount
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:              make(map[string]User),
		usersByEmail:       make(map[string]string),
		sessions:           make(map[string]Session),
		orgs:               make(map[string]Organization),
		orgsBySlug:         make(map[string]string),
		memberships:        make(map[string]map[string]Membership),
		invitations:        make(map[string]Invitation),
		invitationsByToken: make(map[string]string),
		secrets:            make(map[string]ConnectorSecret),
		workflows:          make(map[string]Workflow),
		runs:               make(map[string]WorkflowRun),
		runEvents:          make(map[string][]WorkflowRunEvent),
		agents:             make(map[string]Agent),
		bindings:           make(map[string]AgentBinding),
		agentSessions:      make(map[string]AgentSession),
		sessionEvents:      make(map[string][]AgentSessionEvent),
		sessionEventKeys:   make(map[string]map[string]string),
		builderSessions:    make(map[string]BuilderSession),
		builderTurns:       make(map[string][]BuilderTurn),
		toolsets:           make(map[string]Toolset),
		toolsetSlugs:       make(map[string]string),
		credits:            make(map[string]OrganizationCredits),
		ledger:             make(map[string][]CreditLedgerEntry),
		stripeEvents:       make(map[string]string),
		executors:          make(map[string]Executor),
		pairingTokens:      make(map[string]PairingToken),
		channelAccounts:    make(map[string]ChannelAccount),
	}
}

var _ Store = (*Memory)(nil)

// afterCursor reports whether a (createdAt, id) key comes strictly after the
// cursor position in descending order.
func afterCursor(createdAt time.Time, id string, c *PageCursor) bool {
	if c == nil {
		return true
	}
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id < c.ID
}

// ============================================================================
// USERS
// ============================================================================

func (m *Memory) CreateUser(_ context.Context, _ Tenant, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.EmailLower)
	if _, ok := m.usersByEmail[key]; ok {
		return ErrAlreadyExists
	}
	m.users[u.ID] = *u
	m.usersByEmail[key] = u.ID
	return nil
}

func (m *Memory) GetUser(_ context.Context, _ Tenant, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, _ Tenant, emailLower string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByEmail[strings.ToLower(emailLower)]
	if !ok {
		return nil, ErrNotFound
	}
	u := m.users[id]
	return &u, nil
}

// ============================================================================
// AUTH SESSIONS
// ============================================================================

func (m *Memory) CreateSession(_ context.Context, _ Tenant, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) GetSession(_ context.Context, _ Tenant, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) RotateSession(_ context.Context, _ Tenant, id, refreshTokenHash string, expiresAt, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.RefreshTokenHash = refreshTokenHash
	s.ExpiresAt = expiresAt
	s.LastUsedAt = at
	m.sessions[id] = s
	return nil
}

func (m *Memory) TouchSession(_ context.Context, _ Tenant, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastUsedAt = at
	m.sessions[id] = s
	return nil
}

func (m *Memory) RevokeSession(_ context.Context, _ Tenant, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		revoked := at
		s.RevokedAt = &revoked
		m.sessions[id] = s
	}
	return nil
}

func (m *Memory) RevokeUserSessions(_ context.Context, _ Tenant, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UserID == userID && s.Active(at) {
			revoked := at
			s.RevokedAt = &revoked
			m.sessions[id] = s
			n++
		}
	}
	return n, nil
}

// ============================================================================
// ORGANIZATIONS & MEMBERSHIP
// ============================================================================

func (m *Memory) CreateOrganization(_ context.Context, _ Tenant, org *Organization, owner *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgsBySlug[org.Slug]; ok {
		return ErrAlreadyExists
	}
	m.orgs[org.ID] = *org
	m.orgsBySlug[org.Slug] = org.ID
	m.memberships[org.ID] = map[string]Membership{owner.UserID: *owner}
	m.credits[org.ID] = OrganizationCredits{
		OrganizationID: org.ID,
		BalanceCredits: 0,
		UpdatedAt:      org.CreatedAt,
	}
	return nil
}

func (m *Memory) GetOrganization(_ context.Context, _ Tenant, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

func (m *Memory) GetOrganizationBySlug(_ context.Context, _ Tenant, slug string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.orgsBySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	org := m.orgs[id]
	return &org, nil
}

func (m *Memory) ListOrganizationsForUser(_ context.Context, _ Tenant, userID string) ([]*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Organization
	for orgID, members := range m.memberships {
		if _, ok := members[userID]; ok {
			org := m.orgs[orgID]
			out = append(out, &org)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateOrganizationSettings(_ context.Context, _ Tenant, orgID string, settings OrgSettings, at time.Time) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	org.Settings = settings
	org.UpdatedAt = at
	m.orgs[orgID] = org
	return &org, nil
}

func (m *Memory) GetMembership(_ context.Context, _ Tenant, orgID, userID string) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.memberships[orgID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &mem, nil
}

func (m *Memory) ListMembers(_ context.Context, _ Tenant, orgID string) ([]*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.memberships[orgID]
	out := make([]*Membership, 0, len(members))
	for _, mem := range members {
		mm := mem
		out = append(out, &mm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateMembership(_ context.Context, _ Tenant, mem *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[mem.OrganizationID]; !ok {
		return ErrNotFound
	}
	members := m.memberships[mem.OrganizationID]
	if members == nil {
		members = make(map[string]Membership)
		m.memberships[mem.OrganizationID] = members
	}
	if _, ok := members[mem.UserID]; ok {
		return ErrAlreadyExists
	}
	members[mem.UserID] = *mem
	return nil
}

func (m *Memory) UpdateMembershipRole(_ context.Context, _ Tenant, orgID, userID, roleKey string) (*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[orgID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	mem.RoleKey = roleKey
	m.memberships[orgID][userID] = mem
	return &mem, nil
}

// ============================================================================
// INVITATIONS
// ============================================================================

func (m *Memory) CreateInvitation(_ context.Context, _ Tenant, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invitationsByToken[inv.Token]; ok {
		return ErrAlreadyExists
	}
	m.invitations[inv.ID] = *inv
	m.invitationsByToken[inv.Token] = inv.ID
	return nil
}

func (m *Memory) GetInvitationByToken(_ context.Context, _ Tenant, tok string) (*Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.invitationsByToken[tok]
	if !ok {
		return nil, ErrNotFound
	}
	inv := m.invitations[id]
	return &inv, nil
}

func (m *Memory) MarkInvitationAccepted(_ context.Context, _ Tenant, id, acceptedByUserID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = InvitationAccepted
	inv.AcceptedByUserID = acceptedByUserID
	m.invitations[id] = inv
	return nil
}

// ============================================================================
// CONNECTOR SECRETS
// ============================================================================

func (m *Memory) CreateSecret(_ context.Context, _ Tenant, s *ConnectorSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.secrets {
		if existing.OrganizationID == s.OrganizationID &&
			existing.ConnectorID == s.ConnectorID &&
			existing.Name == s.Name {
			return ErrAlreadyExists
		}
	}
	m.secrets[s.ID] = *s
	return nil
}

func (m *Memory) GetSecret(_ context.Context, _ Tenant, orgID, id string) (*ConnectorSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[id]
	if !ok || s.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) FindSecretByName(_ context.Context, _ Tenant, orgID, connectorID, name string) (*ConnectorSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.secrets {
		if s.OrganizationID == orgID && s.ConnectorID == connectorID && s.Name == name {
			ss := s
			return &ss, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListSecrets(_ context.Context, _ Tenant, orgID string, page Page) ([]*ConnectorSecret, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []ConnectorSecret
	for _, s := range m.secrets {
		if s.OrganizationID == orgID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*ConnectorSecret, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		s := all[i]
		out = append(out, &s)
	}
	return out, next, nil
}

func (m *Memory) RotateSecret(_ context.Context, _ Tenant, orgID, id string, ct SecretCiphertext, updatedBy string, at time.Time) (*ConnectorSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok || s.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	s.SecretCiphertext = ct
	s.UpdatedBy = updatedBy
	s.UpdatedAt = at
	m.secrets[id] = s
	return &s, nil
}

func (m *Memory) DeleteSecret(_ context.Context, _ Tenant, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok || s.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(m.secrets, id)
	return nil
}

// ============================================================================
// WORKFLOWS
// ============================================================================

func (m *Memory) CreateWorkflow(_ context.Context, _ Tenant, w *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return ErrAlreadyExists
	}
	m.workflows[w.ID] = *w
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, _ Tenant, orgID, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok || w.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) ListWorkflows(_ context.Context, _ Tenant, orgID string, page Page) ([]*Workflow, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Workflow
	for _, w := range m.workflows {
		if w.OrganizationID == orgID {
			all = append(all, w)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*Workflow, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		w := all[i]
		out = append(out, &w)
	}
	return out, next, nil
}

func (m *Memory) ListWorkflowRevisions(_ context.Context, _ Tenant, orgID, familyID string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, w := range m.workflows {
		if w.OrganizationID == orgID && w.FamilyID == familyID {
			ww := w
			out = append(out, &ww)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision > out[j].Revision })
	return out, nil
}

func (m *Memory) MaxWorkflowRevision(_ context.Context, _ Tenant, orgID, familyID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	maxRev := 0
	for _, w := range m.workflows {
		if w.OrganizationID == orgID && w.FamilyID == familyID && w.Revision > maxRev {
			maxRev = w.Revision
		}
	}
	return maxRev, nil
}

func (m *Memory) UpdateWorkflowDraft(_ context.Context, _ Tenant, orgID, id string, patch WorkflowDraftPatch, at time.Time) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok || w.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	if w.Status == WorkflowPublished {
		return nil, ErrConflict
	}
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.DSL != nil {
		w.DSL = append([]byte(nil), patch.DSL...)
	}
	if patch.EditorState != nil {
		w.EditorState = append([]byte(nil), patch.EditorState...)
	}
	w.Version++
	w.UpdatedAt = at
	m.workflows[id] = w
	return &w, nil
}

func (m *Memory) PublishWorkflow(_ context.Context, _ Tenant, orgID, id string, at time.Time) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok || w.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	if w.Status == WorkflowPublished {
		return nil, ErrConflict
	}
	published := at
	w.Status = WorkflowPublished
	w.PublishedAt = &published
	w.UpdatedAt = at
	m.workflows[id] = w
	return &w, nil
}

// ============================================================================
// WORKFLOW RUNS
// ============================================================================

func (m *Memory) CreateRun(_ context.Context, _ Tenant, r *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return ErrAlreadyExists
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *Memory) GetRun(_ context.Context, _ Tenant, orgID, id string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok || r.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) ListRuns(_ context.Context, _ Tenant, orgID, workflowID string, page Page) ([]*WorkflowRun, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []WorkflowRun
	for _, r := range m.runs {
		if r.OrganizationID != orgID {
			continue
		}
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*WorkflowRun, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		r := all[i]
		out = append(out, &r)
	}
	return out, next, nil
}

func (m *Memory) DeleteQueuedRun(_ context.Context, _ Tenant, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.OrganizationID != orgID {
		return ErrNotFound
	}
	if r.Status != RunQueued || r.AttemptCount != 0 {
		return ErrConflict
	}
	delete(m.runs, id)
	delete(m.runEvents, id)
	return nil
}

func (m *Memory) AppendRunEvent(_ context.Context, _ Tenant, e *WorkflowRunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[e.RunID]; !ok {
		return ErrNotFound
	}
	e.Seq = int64(len(m.runEvents[e.RunID]))
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.runEvents[e.RunID] = append(m.runEvents[e.RunID], *e)
	return nil
}

func (m *Memory) ListRunEvents(_ context.Context, _ Tenant, orgID, runID string, page Page) ([]*WorkflowRunEvent, string, error) {
	cursor, err := DecodeSeqCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok || r.OrganizationID != orgID {
		return nil, "", ErrNotFound
	}
	afterSeq := int64(-1)
	if cursor != nil {
		afterSeq = cursor.Seq
	}
	limit := page.limit()
	events := m.runEvents[runID]
	out := make([]*WorkflowRunEvent, 0, limit)
	next := ""
	for i := range events {
		if events[i].Seq <= afterSeq {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(SeqCursor{Seq: out[limit-1].Seq})
			break
		}
		e := events[i]
		out = append(out, &e)
	}
	return out, next, nil
}

// ============================================================================
// AGENTS
// ============================================================================

func (m *Memory) CreateAgent(_ context.Context, _ Tenant, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return ErrAlreadyExists
	}
	m.agents[a.ID] = *a
	return nil
}

func (m *Memory) GetAgent(_ context.Context, _ Tenant, orgID, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok || a.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) ListAgents(_ context.Context, _ Tenant, orgID string, page Page) ([]*Agent, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Agent
	for _, a := range m.agents {
		if a.OrganizationID == orgID {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*Agent, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		a := all[i]
		out = append(out, &a)
	}
	return out, next, nil
}

func (m *Memory) UpdateAgent(_ context.Context, _ Tenant, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[a.ID]
	if !ok || existing.OrganizationID != a.OrganizationID {
		return ErrNotFound
	}
	m.agents[a.ID] = *a
	return nil
}

func (m *Memory) DeleteAgent(_ context.Context, _ Tenant, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// ============================================================================
// AGENT BINDINGS
// ============================================================================

func (m *Memory) CreateBinding(_ context.Context, _ Tenant, b *AgentBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[b.ID]; ok {
		return ErrAlreadyExists
	}
	m.bindings[b.ID] = *b
	return nil
}

func (m *Memory) ListBindings(_ context.Context, _ Tenant, orgID string) ([]*AgentBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AgentBinding
	for _, b := range m.bindings {
		if b.OrganizationID == orgID {
			bb := b
			out = append(out, &bb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteBinding(_ context.Context, _ Tenant, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok || b.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(m.bindings, id)
	return nil
}

// ============================================================================
// AGENT SESSIONS
// ============================================================================

func (m *Memory) CreateAgentSession(_ context.Context, _ Tenant, s *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agentSessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.agentSessions[s.ID] = *s
	return nil
}

func (m *Memory) GetAgentSession(_ context.Context, _ Tenant, orgID, id string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.agentSessions[id]
	if !ok || s.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) FindActiveSessionByKey(_ context.Context, _ Tenant, orgID, sessionKey string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *AgentSession
	for _, s := range m.agentSessions {
		if s.OrganizationID == orgID && s.SessionKey == sessionKey && s.Status == SessionActive {
			if found == nil || s.CreatedAt.After(found.CreatedAt) {
				ss := s
				found = &ss
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) ListAgentSessions(_ context.Context, _ Tenant, orgID string, page Page) ([]*AgentSession, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []AgentSession
	for _, s := range m.agentSessions {
		if s.OrganizationID == orgID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*AgentSession, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		s := all[i]
		out = append(out, &s)
	}
	return out, next, nil
}

func (m *Memory) ResetAgentSession(_ context.Context, _ Tenant, orgID, id string, at time.Time) (*AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agentSessions[id]
	if !ok || s.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	s.PinnedAgentID = ""
	s.ExecutorSelector = ""
	s.UpdatedAt = at
	m.agentSessions[id] = s
	return &s, nil
}

func (m *Memory) ArchiveAgentSession(_ context.Context, _ Tenant, orgID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agentSessions[id]
	if !ok || s.OrganizationID != orgID {
		return ErrNotFound
	}
	s.Status = SessionArchived
	s.UpdatedAt = at
	m.agentSessions[id] = s
	return nil
}

func (m *Memory) TouchAgentSession(_ context.Context, _ Tenant, orgID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agentSessions[id]
	if !ok || s.OrganizationID != orgID {
		return ErrNotFound
	}
	s.LastActivityAt = at
	m.agentSessions[id] = s
	return nil
}

// ============================================================================
// AGENT SESSION EVENTS
// ============================================================================

func (m *Memory) AppendSessionEvent(_ context.Context, t Tenant, e *AgentSessionEvent) (*AgentSessionEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agentSessions[e.SessionID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.OrgID != "" && s.OrganizationID != t.OrgID {
		return nil, false, ErrNotFound
	}
	if e.IdempotencyKey != "" {
		if keys := m.sessionEventKeys[e.SessionID]; keys != nil {
			if existingID, ok := keys[e.IdempotencyKey]; ok {
				for i := range m.sessionEvents[e.SessionID] {
					if m.sessionEvents[e.SessionID][i].ID == existingID {
						existing := m.sessionEvents[e.SessionID][i]
						return &existing, false, nil
					}
				}
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Seq = int64(len(m.sessionEvents[e.SessionID]))
	m.sessionEvents[e.SessionID] = append(m.sessionEvents[e.SessionID], *e)
	if e.IdempotencyKey != "" {
		keys := m.sessionEventKeys[e.SessionID]
		if keys == nil {
			keys = make(map[string]string)
			m.sessionEventKeys[e.SessionID] = keys
		}
		keys[e.IdempotencyKey] = e.ID
	}
	stored := *e
	return &stored, true, nil
}

func (m *Memory) ListSessionEvents(_ context.Context, _ Tenant, orgID, sessionID string, page Page) ([]*AgentSessionEvent, string, error) {
	cursor, err := DecodeSeqCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.agentSessions[sessionID]
	if !ok || s.OrganizationID != orgID {
		return nil, "", ErrNotFound
	}
	afterSeq := int64(-1)
	if cursor != nil {
		afterSeq = cursor.Seq
	}
	limit := page.limit()
	events := m.sessionEvents[sessionID]
	out := make([]*AgentSessionEvent, 0, limit)
	next := ""
	for i := range events {
		if events[i].Seq <= afterSeq {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(SeqCursor{Seq: out[limit-1].Seq})
			break
		}
		e := events[i]
		out = append(out, &e)
	}
	return out, next, nil
}

// ============================================================================
// TOOLSET BUILDER
// ============================================================================

func (m *Memory) CreateBuilderSession(_ context.Context, _ Tenant, s *BuilderSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builderSessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.builderSessions[s.ID] = *s
	return nil
}

func (m *Memory) GetBuilderSession(_ context.Context, _ Tenant, orgID, id string) (*BuilderSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.builderSessions[id]
	if !ok || s.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpdateBuilderSession(_ context.Context, _ Tenant, s *BuilderSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.builderSessions[s.ID]
	if !ok || existing.OrganizationID != s.OrganizationID {
		return ErrNotFound
	}
	m.builderSessions[s.ID] = *s
	return nil
}

func (m *Memory) AppendBuilderTurn(_ context.Context, _ Tenant, turn *BuilderTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builderSessions[turn.SessionID]; !ok {
		return ErrNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	m.builderTurns[turn.SessionID] = append(m.builderTurns[turn.SessionID], *turn)
	return nil
}

func (m *Memory) ListBuilderTurns(_ context.Context, _ Tenant, sessionID string, lastN int) ([]*BuilderTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.builderTurns[sessionID]
	start := 0
	if lastN > 0 && len(turns) > lastN {
		start = len(turns) - lastN
	}
	out := make([]*BuilderTurn, 0, len(turns)-start)
	for i := start; i < len(turns); i++ {
		tt := turns[i]
		out = append(out, &tt)
	}
	return out, nil
}

// ============================================================================
// TOOLSETS
// ============================================================================

func (m *Memory) CreateToolset(_ context.Context, _ Tenant, ts *Toolset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.toolsets[ts.ID]; ok {
		return ErrAlreadyExists
	}
	m.toolsets[ts.ID] = *ts
	return nil
}

func (m *Memory) GetToolset(_ context.Context, _ Tenant, orgID, id string) (*Toolset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.toolsets[id]
	if !ok || ts.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &ts, nil
}

func (m *Memory) ListToolsets(_ context.Context, _ Tenant, orgID string, page Page) ([]*Toolset, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Toolset
	for _, ts := range m.toolsets {
		if ts.OrganizationID == orgID {
			all = append(all, ts)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*Toolset, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		ts := all[i]
		out = append(out, &ts)
	}
	return out, next, nil
}

func (m *Memory) UpdateToolset(_ context.Context, _ Tenant, ts *Toolset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.toolsets[ts.ID]
	if !ok || existing.OrganizationID != ts.OrganizationID {
		return ErrNotFound
	}
	m.toolsets[ts.ID] = *ts
	return nil
}

func (m *Memory) DeleteToolset(_ context.Context, _ Tenant, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.toolsets[id]
	if !ok || ts.OrganizationID != orgID {
		return ErrNotFound
	}
	if ts.PublicSlug != "" {
		delete(m.toolsetSlugs, ts.PublicSlug)
	}
	delete(m.toolsets, id)
	return nil
}

func (m *Memory) PublishToolset(_ context.Context, _ Tenant, orgID, id, publicSlug string, at time.Time) (*Toolset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.toolsets[id]
	if !ok || ts.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	if holder, ok := m.toolsetSlugs[publicSlug]; ok && holder != id {
		return nil, ErrAlreadyExists
	}
	if ts.PublicSlug != "" && ts.PublicSlug != publicSlug {
		delete(m.toolsetSlugs, ts.PublicSlug)
	}
	published := at
	ts.Visibility = VisibilityPublic
	ts.PublicSlug = publicSlug
	ts.PublishedAt = &published
	ts.UpdatedAt = at
	m.toolsets[id] = ts
	m.toolsetSlugs[publicSlug] = id
	return &ts, nil
}

func (m *Memory) UnpublishToolset(_ context.Context, _ Tenant, orgID, id, visibility string, at time.Time) (*Toolset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.toolsets[id]
	if !ok || ts.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	if ts.PublicSlug != "" {
		delete(m.toolsetSlugs, ts.PublicSlug)
	}
	ts.Visibility = visibility
	ts.PublicSlug = ""
	ts.PublishedAt = nil
	ts.UpdatedAt = at
	m.toolsets[id] = ts
	return &ts, nil
}

func (m *Memory) ListPublicToolsets(_ context.Context, _ Tenant, page Page) ([]*Toolset, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Toolset
	for _, ts := range m.toolsets {
		if ts.Visibility == VisibilityPublic {
			all = append(all, ts)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*Toolset, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		ts := all[i]
		out = append(out, &ts)
	}
	return out, next, nil
}

// ============================================================================
// CREDITS
// ============================================================================

func (m *Memory) GetCredits(_ context.Context, _ Tenant, orgID string) (*OrganizationCredits, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credits[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ApplyCredit(_ context.Context, _ Tenant, entry *CreditLedgerEntry) (bool, *OrganizationCredits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[entry.OrganizationID]
	if !ok {
		return false, nil, ErrNotFound
	}
	if entry.StripeEventID != "" {
		if _, dup := m.stripeEvents[entry.StripeEventID]; dup {
			cc := c
			return false, &cc, nil
		}
	}
	if c.BalanceCredits+entry.DeltaCredits < 0 {
		return false, nil, ErrConflict
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.ledger[entry.OrganizationID] = append(m.ledger[entry.OrganizationID], *entry)
	if entry.StripeEventID != "" {
		m.stripeEvents[entry.StripeEventID] = entry.ID
	}
	c.BalanceCredits += entry.DeltaCredits
	c.UpdatedAt = entry.CreatedAt
	m.credits[entry.OrganizationID] = c
	cc := c
	return true, &cc, nil
}

func (m *Memory) ListLedger(_ context.Context, _ Tenant, orgID string, page Page) ([]*CreditLedgerEntry, string, error) {
	cursor, err := DecodePageCursor(page.Cursor)
	if err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.ledger[orgID]
	all := make([]CreditLedgerEntry, len(entries))
	copy(all, entries)
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	limit := page.limit()
	out := make([]*CreditLedgerEntry, 0, limit)
	next := ""
	for i := range all {
		if !afterCursor(all[i].CreatedAt, all[i].ID, cursor) {
			continue
		}
		if len(out) == limit {
			next = EncodeCursor(PageCursor{CreatedAt: out[limit-1].CreatedAt, ID: out[limit-1].ID})
			break
		}
		e := all[i]
		out = append(out, &e)
	}
	return out, next, nil
}

// ============================================================================
// EXECUTORS & PAIRING
// ============================================================================

func (m *Memory) CreateExecutor(_ context.Context, _ Tenant, e *Executor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executors[e.ID]; ok {
		return ErrAlreadyExists
	}
	m.executors[e.ID] = *e
	return nil
}

func (m *Memory) GetExecutor(_ context.Context, _ Tenant, orgID, id string) (*Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executors[id]
	if !ok || e.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) GetExecutorByTokenHash(_ context.Context, _ Tenant, tokenHash string) (*Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.executors {
		if e.Status == ExecutorStatusActive &&
			subtle.ConstantTimeCompare([]byte(e.TokenHash), []byte(tokenHash)) == 1 {
			ee := e
			return &ee, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListExecutors(_ context.Context, _ Tenant, orgID string) ([]*Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Executor
	for _, e := range m.executors {
		if e.OrganizationID == orgID {
			ee := e
			out = append(out, &ee)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RevokeExecutor(_ context.Context, _ Tenant, orgID, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[id]
	if !ok || e.OrganizationID != orgID {
		return false, ErrNotFound
	}
	if e.Status == ExecutorStatusRevoked {
		return false, nil
	}
	revoked := at
	e.Status = ExecutorStatusRevoked
	e.RevokedAt = &revoked
	m.executors[id] = e
	return true, nil
}

func (m *Memory) CreatePairingToken(_ context.Context, _ Tenant, p *PairingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairingTokens[p.ID]; ok {
		return ErrAlreadyExists
	}
	m.pairingTokens[p.ID] = *p
	return nil
}

func (m *Memory) ConsumePairingToken(_ context.Context, _ Tenant, id, secretHash string, now time.Time) (*PairingToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairingTokens[id]
	if !ok || p.UsedAt != nil || !now.Before(p.ExpiresAt) {
		return nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(p.SecretHash), []byte(secretHash)) != 1 {
		return nil, ErrNotFound
	}
	used := now
	p.UsedAt = &used
	m.pairingTokens[id] = p
	return &p, nil
}

// ============================================================================
// CHANNEL ACCOUNTS
// ============================================================================

func (m *Memory) CreateChannelAccount(_ context.Context, _ Tenant, a *ChannelAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.channelAccounts {
		if existing.OrganizationID == a.OrganizationID &&
			existing.ChannelID == a.ChannelID &&
			existing.ExternalID == a.ExternalID {
			return ErrAlreadyExists
		}
	}
	m.channelAccounts[a.ID] = *a
	return nil
}

func (m *Memory) GetChannelAccount(_ context.Context, _ Tenant, orgID, id string) (*ChannelAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.channelAccounts[id]
	if !ok || a.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) FindChannelAccount(_ context.Context, _ Tenant, channelID, externalID string) (*ChannelAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.channelAccounts {
		if a.ChannelID == channelID && a.ExternalID == externalID {
			aa := a
			return &aa, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListChannelAccounts(_ context.Context, _ Tenant, orgID string) ([]*ChannelAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ChannelAccount
	for _, a := range m.channelAccounts {
		if a.OrganizationID == orgID {
			aa := a
			out = append(out, &aa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteChannelAccount(_ context.Context, _ Tenant, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.channelAccounts[id]
	if !ok || a.OrganizationID != orgID {
		return ErrNotFound
	}
	delete(m.channelAccounts, id)
	return nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }
