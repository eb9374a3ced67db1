package store

import (
	"encoding/json"
	"time"
)

// Membership roles, ordered member < admin < owner.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// RoleRank maps a role key to its ordering for gate checks.
var RoleRank = map[string]int{
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// Workflow statuses.
const (
	WorkflowDraft     = "draft"
	WorkflowPublished = "published"
)

// Workflow run statuses and trigger types.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"

	TriggerManual  = "manual"
	TriggerChannel = "channel"
)

// Agent session statuses.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Builder session statuses.
const (
	BuilderActive    = "ACTIVE"
	BuilderFinalized = "FINALIZED"
)

// Toolset visibilities.
const (
	VisibilityPrivate = "private"
	VisibilityOrg     = "org"
	VisibilityPublic  = "public"
)

// Executor kinds and statuses.
const (
	ExecutorManaged = "managed"
	ExecutorPaired  = "paired"

	ExecutorStatusActive  = "active"
	ExecutorStatusRevoked = "revoked"
)

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationExpired  = "expired"
	InvitationRevoked  = "revoked"
)

type User struct {
	ID           string    `json:"id"`
	EmailLower   string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LLMConfig selects a provider, model, and the secret holding its credential.
type LLMConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	SecretID string `json:"secretId,omitempty"`
}

// ProviderOverride is an org-level override of a provider's endpoint.
type ProviderOverride struct {
	BaseURL string `json:"baseUrl,omitempty"`
	APIKind string `json:"apiKind,omitempty"`
}

// OrgSettings is the organization settings document.
type OrgSettings struct {
	DefaultLLM        *LLMConfig                  `json:"defaultLlm,omitempty"`
	ProviderOverrides map[string]ProviderOverride `json:"providerOverrides,omitempty"`
}

type Organization struct {
	ID        string      `json:"id"`
	Slug      string      `json:"slug"`
	Name      string      `json:"name"`
	Settings  OrgSettings `json:"settings"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type Membership struct {
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	RoleKey        string    `json:"roleKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Session is an authentication session. Active iff RevokedAt is nil and the
// expiry is in the future.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	RefreshTokenHash string     `json:"-"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	UserAgent        string     `json:"userAgent,omitempty"`
	IP               string     `json:"ip,omitempty"`
	LastUsedAt       time.Time  `json:"lastUsedAt"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Active reports whether the session can authenticate requests at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

type Invitation struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organizationId"`
	EmailLower       string    `json:"email"`
	RoleKey          string    `json:"roleKey"`
	InvitedByUserID  string    `json:"invitedByUserId"`
	Token            string    `json:"-"`
	Status           string    `json:"status"`
	AcceptedByUserID string    `json:"acceptedByUserId,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SecretCiphertext is the wrapped form of a secret, replaced wholesale on
// rotation.
type SecretCiphertext struct {
	KekID            string `json:"-"`
	DekCiphertext    string `json:"-"`
	DekIv            string `json:"-"`
	DekTag           string `json:"-"`
	SecretCiphertext string `json:"-"`
	SecretIv         string `json:"-"`
	SecretTag        string `json:"-"`
}

type ConnectorSecret struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	ConnectorID    string `json:"connectorId"`
	Name           string `json:"name"`
	SecretCiphertext
	CreatedBy string    `json:"createdBy"`
	UpdatedBy string    `json:"updatedBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Workflow struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organizationId"`
	FamilyID         string          `json:"familyId"`
	Revision         int             `json:"revision"`
	SourceWorkflowID string          `json:"sourceWorkflowId,omitempty"`
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	Version          int             `json:"version"`
	DSL              json.RawMessage `json:"dsl"`
	EditorState      json.RawMessage `json:"editorState,omitempty"`
	CreatedBy        string          `json:"createdBy"`
	PublishedAt      *time.Time      `json:"publishedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// WorkflowDraftPatch carries the updatable fields of a draft workflow. Nil
// fields are left unchanged.
type WorkflowDraftPatch struct {
	Name        *string         `json:"name,omitempty"`
	DSL         json.RawMessage `json:"dsl,omitempty"`
	EditorState json.RawMessage `json:"editorState,omitempty"`
}

type WorkflowRun struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	WorkflowID     string          `json:"workflowId"`
	TriggerType    string          `json:"triggerType"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	RequestedBy    string          `json:"requestedBy,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type WorkflowRunEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SessionPrompt is the prompt configuration attached to agents and sessions.
type SessionPrompt struct {
	System       string `json:"system,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// SessionLimits bounds a session's resource usage.
type SessionLimits struct {
	MaxTurns       int `json:"maxTurns,omitempty"`
	MaxTokens      int `json:"maxTokens,omitempty"`
	IdleTimeoutSec int `json:"idleTimeoutSec,omitempty"`
}

type Agent struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	Name           string        `json:"name"`
	EngineID       string        `json:"engineId"`
	LLM            LLMConfig     `json:"llm"`
	Prompt         SessionPrompt `json:"prompt"`
	ToolsetID      string        `json:"toolsetId,omitempty"`
	Status         string        `json:"status"`
	CreatedBy      string        `json:"createdBy"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Binding dimensions in rank order; lower index wins first.
var BindingDimensionOrder = []string{
	"peer", "parent_peer", "org_roles", "organization", "team", "account", "channel", "default",
}

// BindingMatch is the dimension-specific match document.
type BindingMatch struct {
	Peer           string   `json:"peer,omitempty"`
	OrgRoles       []string `json:"orgRoles,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Team           string   `json:"team,omitempty"`
	Account        string   `json:"account,omitempty"`
	Channel        string   `json:"channel,omitempty"`
}

type AgentBinding struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	AgentID        string          `json:"agentId"`
	Priority       int             `json:"priority"`
	Dimension      string          `json:"dimension"`
	Match          BindingMatch    `json:"match"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type AgentSession struct {
	ID               string        `json:"id"`
	OrganizationID   string        `json:"organizationId"`
	SessionKey       string        `json:"sessionKey"`
	Scope            string        `json:"scope"`
	RoutedAgentID    string        `json:"routedAgentId,omitempty"`
	BindingID        string        `json:"bindingId,omitempty"`
	PinnedAgentID    string        `json:"pinnedAgentId,omitempty"`
	EngineID         string        `json:"engineId"`
	ToolsetID        string        `json:"toolsetId,omitempty"`
	LLM              LLMConfig     `json:"llm"`
	Prompt           SessionPrompt `json:"prompt"`
	ToolsAllow       []string      `json:"toolsAllow,omitempty"`
	Limits           SessionLimits `json:"limits"`
	ExecutorSelector string        `json:"executorSelector,omitempty"`
	Status           string        `json:"status"`
	LastActivityAt   time.Time     `json:"lastActivityAt"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

type AgentSessionEvent struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	Seq            int64           `json:"seq"`
	EventType      string          `json:"eventType"`
	Level          string          `json:"level"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type BuilderSession struct {
	ID                    string          `json:"id"`
	OrganizationID        string          `json:"organizationId"`
	CreatedBy             string          `json:"createdBy"`
	Status                string          `json:"status"`
	LLM                   LLMConfig       `json:"llm"`
	LatestIntent          string          `json:"latestIntent,omitempty"`
	SelectedComponentKeys []string        `json:"selectedComponentKeys"`
	FinalDraft            json.RawMessage `json:"finalDraft,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

type BuilderTurn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Role        string    `json:"role"`
	MessageText string    `json:"messageText"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Toolset struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Definition     json.RawMessage `json:"definition"`
	Visibility     string          `json:"visibility"`
	PublicSlug     string          `json:"publicSlug,omitempty"`
	PublishedAt    *time.Time      `json:"publishedAt,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type OrganizationCredits struct {
	OrganizationID string    `json:"organizationId"`
	BalanceCredits int64     `json:"balanceCredits"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type CreditLedgerEntry struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	DeltaCredits   int64           `json:"deltaCredits"`
	Reason         string          `json:"reason"`
	StripeEventID  string          `json:"stripeEventId,omitempty"`
	WorkflowRunID  string          `json:"workflowRunId,omitempty"`
	CreatedBy      string          `json:"createdBy,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Executor struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	TokenHash      string     `json:"-"`
	Status         string     `json:"status"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type PairingToken struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	ExecutorName   string     `json:"executorName"`
	SecretHash     string     `json:"-"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	UsedAt         *time.Time `json:"usedAt,omitempty"`
	CreatedBy      string     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type ChannelAccount struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	ChannelID      string    `json:"channelId"`
	ExternalID     string    `json:"externalId"`
	Name           string    `json:"name,omitempty"`
	WebhookURL     string    `json:"webhookUrl,omitempty"`
	WorkflowID     string    `json:"workflowId,omitempty"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}
