// Package store defines the persistence interface for the control plane and
// its two implementations: an in-memory store used by tests and local
// development, and a PostgreSQL store used in production.
//
// Every call carries a Tenant. The durable implementation installs the
// tenant context on its transaction so row-level isolation applies for the
// transaction's lifetime; the in-memory implementation filters explicitly.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist or is not
	// visible to the tenant.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned on unique-constraint violations.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict is returned when a precondition on the current row state
	// fails, such as updating a published workflow.
	ErrConflict = errors.New("store: conflict")
)

// Tenant scopes a store call to the acting user and, when org-scoped, the
// organization. A zero OrgID means no org context (auth flows).
type Tenant struct {
	ActorUserID string
	OrgID       string
}

// Page bounds a cursor-paginated list call.
type Page struct {
	Limit  int
	Cursor string
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func (p Page) limit() int {
	if p.Limit <= 0 {
		return defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		return maxPageLimit
	}
	return p.Limit
}

// Store is the persistence surface. Mutating methods persist the entity as
// given; identifier and timestamp generation belong to the calling service.
type Store interface {
	// Users
	CreateUser(ctx context.Context, t Tenant, u *User) error
	GetUser(ctx context.Context, t Tenant, id string) (*User, error)
	GetUserByEmail(ctx context.Context, t Tenant, emailLower string) (*User, error)

	// Auth sessions
	CreateSession(ctx context.Context, t Tenant, s *Session) error
	GetSession(ctx context.Context, t Tenant, id string) (*Session, error)
	RotateSession(ctx context.Context, t Tenant, id, refreshTokenHash string, expiresAt, at time.Time) error
	TouchSession(ctx context.Context, t Tenant, id string, at time.Time) error
	RevokeSession(ctx context.Context, t Tenant, id string, at time.Time) error
	RevokeUserSessions(ctx context.Context, t Tenant, userID string, at time.Time) (int, error)

	// Organizations and membership
	CreateOrganization(ctx context.Context, t Tenant, org *Organization, owner *Membership) error
	GetOrganization(ctx context.Context, t Tenant, id string) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, t Tenant, slug string) (*Organization, error)
	ListOrganizationsForUser(ctx context.Context, t Tenant, userID string) ([]*Organization, error)
	UpdateOrganizationSettings(ctx context.Context, t Tenant, orgID string, settings OrgSettings, at time.Time) (*Organization, error)
	GetMembership(ctx context.Context, t Tenant, orgID, userID string) (*Membership, error)
	ListMembers(ctx context.Context, t Tenant, orgID string) ([]*Membership, error)
	CreateMembership(ctx context.Context, t Tenant, m *Membership) error
	UpdateMembershipRole(ctx context.Context, t Tenant, orgID, userID, roleKey string) (*Membership, error)

	// Invitations
	CreateInvitation(ctx context.Context, t Tenant, inv *Invitation) error
	GetInvitationByToken(ctx context.Context, t Tenant, tok string) (*Invitation, error)
	MarkInvitationAccepted(ctx context.Context, t Tenant, id, acceptedByUserID string, at time.Time) error

	// Connector secrets
	CreateSecret(ctx context.Context, t Tenant, s *ConnectorSecret) error
	GetSecret(ctx context.Context, t Tenant, orgID, id string) (*ConnectorSecret, error)
	FindSecretByName(ctx context.Context, t Tenant, orgID, connectorID, name string) (*ConnectorSecret, error)
	ListSecrets(ctx context.Context, t Tenant, orgID string, page Page) ([]*ConnectorSecret, string, error)
	RotateSecret(ctx context.Context, t Tenant, orgID, id string, ct SecretCiphertext, updatedBy string, at time.Time) (*ConnectorSecret, error)
	DeleteSecret(ctx context.Context, t Tenant, orgID, id string) error

	// Workflows
	CreateWorkflow(ctx context.Context, t Tenant, w *Workflow) error
	GetWorkflow(ctx context.Context, t Tenant, orgID, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, t Tenant, orgID string, page Page) ([]*Workflow, string, error)
	ListWorkflowRevisions(ctx context.Context, t Tenant, orgID, familyID string) ([]*Workflow, error)
	MaxWorkflowRevision(ctx context.Context, t Tenant, orgID, familyID string) (int, error)
	UpdateWorkflowDraft(ctx context.Context, t Tenant, orgID, id string, patch WorkflowDraftPatch, at time.Time) (*Workflow, error)
	PublishWorkflow(ctx context.Context, t Tenant, orgID, id string, at time.Time) (*Workflow, error)

	// Workflow runs
	CreateRun(ctx context.Context, t Tenant, r *WorkflowRun) error
	GetRun(ctx context.Context, t Tenant, orgID, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, t Tenant, orgID, workflowID string, page Page) ([]*WorkflowRun, string, error)
	DeleteQueuedRun(ctx context.Context, t Tenant, orgID, id string) error
	AppendRunEvent(ctx context.Context, t Tenant, e *WorkflowRunEvent) error
	ListRunEvents(ctx context.Context, t Tenant, orgID, runID string, page Page) ([]*WorkflowRunEvent, string, error)

	// Agents
	CreateAgent(ctx context.Context, t Tenant, a *Agent) error
	GetAgent(ctx context.Context, t Tenant, orgID, id string) (*Agent, error)
	ListAgents(ctx context.Context, t Tenant, orgID string, page Page) ([]*Agent, string, error)
	UpdateAgent(ctx context.Context, t Tenant, a *Agent) error
	DeleteAgent(ctx context.Context, t Tenant, orgID, id string) error

	// Agent bindings
	CreateBinding(ctx context.Context, t Tenant, b *AgentBinding) error
	ListBindings(ctx context.Context, t Tenant, orgID string) ([]*AgentBinding, error)
	DeleteBinding(ctx context.Context, t Tenant, orgID, id string) error

	// Agent sessions
	CreateAgentSession(ctx context.Context, t Tenant, s *AgentSession) error
	GetAgentSession(ctx context.Context, t Tenant, orgID, id string) (*AgentSession, error)
	FindActiveSessionByKey(ctx context.Context, t Tenant, orgID, sessionKey string) (*AgentSession, error)
	ListAgentSessions(ctx context.Context, t Tenant, orgID string, page Page) ([]*AgentSession, string, error)
	ResetAgentSession(ctx context.Context, t Tenant, orgID, id string, at time.Time) (*AgentSession, error)
	ArchiveAgentSession(ctx context.Context, t Tenant, orgID, id string, at time.Time) error
	TouchAgentSession(ctx context.Context, t Tenant, orgID, id string, at time.Time) error

	// Agent session events. AppendSessionEvent assigns seq, serializes
	// appends per session, and returns the existing row unchanged when the
	// idempotency key was already used (created=false).
	AppendSessionEvent(ctx context.Context, t Tenant, e *AgentSessionEvent) (*AgentSessionEvent, bool, error)
	ListSessionEvents(ctx context.Context, t Tenant, orgID, sessionID string, page Page) ([]*AgentSessionEvent, string, error)

	// Toolset builder
	CreateBuilderSession(ctx context.Context, t Tenant, s *BuilderSession) error
	GetBuilderSession(ctx context.Context, t Tenant, orgID, id string) (*BuilderSession, error)
	UpdateBuilderSession(ctx context.Context, t Tenant, s *BuilderSession) error
	AppendBuilderTurn(ctx context.Context, t Tenant, turn *BuilderTurn) error
	ListBuilderTurns(ctx context.Context, t Tenant, sessionID string, lastN int) ([]*BuilderTurn, error)

	// Toolsets
	CreateToolset(ctx context.Context, t Tenant, ts *Toolset) error
	GetToolset(ctx context.Context, t Tenant, orgID, id string) (*Toolset, error)
	ListToolsets(ctx context.Context, t Tenant, orgID string, page Page) ([]*Toolset, string, error)
	UpdateToolset(ctx context.Context, t Tenant, ts *Toolset) error
	DeleteToolset(ctx context.Context, t Tenant, orgID, id string) error
	PublishToolset(ctx context.Context, t Tenant, orgID, id, publicSlug string, at time.Time) (*Toolset, error)
	UnpublishToolset(ctx context.Context, t Tenant, orgID, id, visibility string, at time.Time) (*Toolset, error)
	ListPublicToolsets(ctx context.Context, t Tenant, page Page) ([]*Toolset, string, error)

	// Credits. ApplyCredit inserts the ledger row and updates the balance in
	// one transaction; a duplicate StripeEventID returns applied=false with
	// no mutation.
	GetCredits(ctx context.Context, t Tenant, orgID string) (*OrganizationCredits, error)
	ApplyCredit(ctx context.Context, t Tenant, entry *CreditLedgerEntry) (bool, *OrganizationCredits, error)
	ListLedger(ctx context.Context, t Tenant, orgID string, page Page) ([]*CreditLedgerEntry, string, error)

	// Executors and pairing
	CreateExecutor(ctx context.Context, t Tenant, e *Executor) error
	GetExecutor(ctx context.Context, t Tenant, orgID, id string) (*Executor, error)
	GetExecutorByTokenHash(ctx context.Context, t Tenant, tokenHash string) (*Executor, error)
	ListExecutors(ctx context.Context, t Tenant, orgID string) ([]*Executor, error)
	RevokeExecutor(ctx context.Context, t Tenant, orgID, id string, at time.Time) (bool, error)
	CreatePairingToken(ctx context.Context, t Tenant, p *PairingToken) error
	ConsumePairingToken(ctx context.Context, t Tenant, id, secretHash string, now time.Time) (*PairingToken, error)

	// Channel accounts
	CreateChannelAccount(ctx context.Context, t Tenant, a *ChannelAccount) error
	GetChannelAccount(ctx context.Context, t Tenant, orgID, id string) (*ChannelAccount, error)
	FindChannelAccount(ctx context.Context, t Tenant, channelID, externalID string) (*ChannelAccount, error)
	ListChannelAccounts(ctx context.Context, t Tenant, orgID string) ([]*ChannelAccount, error)
	DeleteChannelAccount(ctx context.Context, t Tenant, orgID, id string) error

	Ping(ctx context.Context) error
}
