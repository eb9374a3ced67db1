// Package httpapi is the HTTP dispatcher: route table, middleware chain,
// and the request handlers that translate HTTP to service calls.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vespid/control-plane/internal/auth"
	"github.com/vespid/control-plane/internal/billing"
	"github.com/vespid/control-plane/internal/builder"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/events"
	"github.com/vespid/control-plane/internal/llm"
	"github.com/vespid/control-plane/internal/metrics"
	"github.com/vespid/control-plane/internal/oauth"
	"github.com/vespid/control-plane/internal/org"
	"github.com/vespid/control-plane/internal/routing"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/vault"
	"github.com/vespid/control-plane/internal/workflow"
)

// Deps is everything the dispatcher needs.
type Deps struct {
	Store     store.Store
	Auth      *auth.Service
	Orgs      *org.Resolver
	OAuth     *oauth.Coordinator
	Vault     *vault.Vault
	Workflows *workflow.Service
	Sessions  *routing.Service
	Builder   *builder.Engine
	Billing   *billing.Service
	LLM       *llm.Registry
	Catalog   *catalog.Catalog
	Bus       *events.Bus
	Metrics   *metrics.Metrics

	InternalServiceToken string
	GatewayServiceToken  string
	WebBaseURL           string
	SecureCookies        bool
	Logger               *slog.Logger
}

// Server dispatches the public and internal HTTP surfaces.
type Server struct {
	store     store.Store
	auth      *auth.Service
	orgs      *org.Resolver
	oauth     *oauth.Coordinator
	vault     *vault.Vault
	workflows *workflow.Service
	sessions  *routing.Service
	builder   *builder.Engine
	billing   *billing.Service
	llm       *llm.Registry
	catalog   *catalog.Catalog
	bus       *events.Bus
	metrics   *metrics.Metrics

	internalToken string
	gatewayToken  string
	webBaseURL    string
	secureCookies bool
	authLimiter   *rateLimiter
	logger        *slog.Logger
}

// NewServer builds the dispatcher.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         d.Store,
		auth:          d.Auth,
		orgs:          d.Orgs,
		oauth:         d.OAuth,
		vault:         d.Vault,
		workflows:     d.Workflows,
		sessions:      d.Sessions,
		builder:       d.Builder,
		billing:       d.Billing,
		llm:           d.LLM,
		catalog:       d.Catalog,
		bus:           d.Bus,
		metrics:       d.Metrics,
		internalToken: d.InternalServiceToken,
		gatewayToken:  d.GatewayServiceToken,
		webBaseURL:    d.WebBaseURL,
		secureCookies: d.SecureCookies,
		authLimiter:   newRateLimiter(30, time.Minute),
		logger:        logger,
	}
}

// Routes builds the router with the full route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.observeMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticateMiddleware)

	// Auth and self. The auth endpoints carry the per-IP limiter.
	authR := v1.PathPrefix("/auth").Subrouter()
	authR.Use(s.authLimiter.middleware)
	authR.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	authR.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	authR.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	authR.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	authR.HandleFunc("/logout-all", s.handleLogoutAll).Methods(http.MethodPost)
	authR.HandleFunc("/oauth/device/start", s.handleDeviceStart).Methods(http.MethodPost)
	authR.HandleFunc("/oauth/device/poll", s.handleDevicePoll).Methods(http.MethodPost)
	authR.HandleFunc("/oauth/vertex/callback", s.handleVertexCallback).Methods(http.MethodGet)
	authR.HandleFunc("/oauth/{provider}/start", s.handleOAuthStart).Methods(http.MethodGet)
	authR.HandleFunc("/oauth/{provider}/callback", s.handleOAuthCallback).Methods(http.MethodGet)

	v1.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)

	// Meta and catalogs.
	v1.HandleFunc("/meta/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	v1.HandleFunc("/meta/connectors", s.handleConnectors).Methods(http.MethodGet)
	v1.HandleFunc("/meta/channels", s.handleChannels).Methods(http.MethodGet)
	v1.HandleFunc("/llm/providers", s.handleLLMProviders).Methods(http.MethodGet)

	// Organizations and membership.
	v1.HandleFunc("/orgs", s.handleCreateOrg).Methods(http.MethodPost)
	v1.HandleFunc("/orgs", s.handleListMyOrgs).Methods(http.MethodGet)
	v1.HandleFunc("/invitations/{token}/accept", s.handleAcceptInvitation).Methods(http.MethodPost)

	orgR := v1.PathPrefix("/orgs/{orgId}").Subrouter()
	orgR.HandleFunc("/invitations", s.handleCreateInvitation).Methods(http.MethodPost)
	orgR.HandleFunc("/members", s.handleListMembers).Methods(http.MethodGet)
	orgR.HandleFunc("/members/{memberId}/role", s.handleChangeMemberRole).Methods(http.MethodPost)
	orgR.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	orgR.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)

	// Secrets and the Vertex delegation flow.
	orgR.HandleFunc("/secrets", s.handleCreateSecret).Methods(http.MethodPost)
	orgR.HandleFunc("/secrets", s.handleListSecrets).Methods(http.MethodGet)
	orgR.HandleFunc("/secrets/{secretId}", s.handleGetSecret).Methods(http.MethodGet)
	orgR.HandleFunc("/secrets/{secretId}", s.handleUpdateSecret).Methods(http.MethodPut)
	orgR.HandleFunc("/secrets/{secretId}", s.handleDeleteSecret).Methods(http.MethodDelete)
	orgR.HandleFunc("/secrets/{secretId}/rotate", s.handleRotateSecret).Methods(http.MethodPost)
	orgR.HandleFunc("/llm/vertex/oauth/start", s.handleVertexStart).Methods(http.MethodGet)

	// Workflows and runs.
	orgR.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	orgR.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	orgR.HandleFunc("/workflows/{workflowId}", s.handleGetWorkflow).Methods(http.MethodGet)
	orgR.HandleFunc("/workflows/{workflowId}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	orgR.HandleFunc("/workflows/{workflowId}/revisions", s.handleWorkflowRevisions).Methods(http.MethodGet)
	orgR.HandleFunc("/workflows/{workflowId}/publish", s.handlePublishWorkflow).Methods(http.MethodPost)
	orgR.HandleFunc("/workflows/{workflowId}/drafts", s.handleNewDraft).Methods(http.MethodPost)
	orgR.HandleFunc("/workflows/{workflowId}/runs", s.handleStartRun).Methods(http.MethodPost)
	orgR.HandleFunc("/workflows/{workflowId}/runs", s.handleListRuns).Methods(http.MethodGet)
	orgR.HandleFunc("/workflows/{workflowId}/runs/{runId}", s.handleGetRun).Methods(http.MethodGet)
	orgR.HandleFunc("/workflows/{workflowId}/runs/{runId}/events", s.handleRunEvents).Methods(http.MethodGet)

	// Agents and bindings.
	orgR.HandleFunc("/agents", s.handleCreateAgent).Methods(http.MethodPost)
	orgR.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	orgR.HandleFunc("/agents/{agentId}", s.handleGetAgent).Methods(http.MethodGet)
	orgR.HandleFunc("/agents/{agentId}", s.handleUpdateAgent).Methods(http.MethodPut)
	orgR.HandleFunc("/agents/{agentId}", s.handleDeleteAgent).Methods(http.MethodDelete)
	orgR.HandleFunc("/agent-bindings", s.handleCreateBinding).Methods(http.MethodPost)
	orgR.HandleFunc("/agent-bindings", s.handleListBindings).Methods(http.MethodGet)
	orgR.HandleFunc("/agent-bindings/{bindingId}", s.handleDeleteBinding).Methods(http.MethodDelete)

	// Agent sessions.
	orgR.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	orgR.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	orgR.HandleFunc("/sessions/{sessionId}", s.handleGetSession).Methods(http.MethodGet)
	orgR.HandleFunc("/sessions/{sessionId}/messages", s.handleSendMessage).Methods(http.MethodPost)
	orgR.HandleFunc("/sessions/{sessionId}/events", s.handleSessionEvents).Methods(http.MethodGet)
	orgR.HandleFunc("/sessions/{sessionId}/events/tail", s.handleSessionTail).Methods(http.MethodGet)
	orgR.HandleFunc("/sessions/{sessionId}/reset", s.handleResetSession).Methods(http.MethodPost)
	orgR.HandleFunc("/sessions/{sessionId}/archive", s.handleArchiveSession).Methods(http.MethodPost)

	// Toolsets, builder, gallery.
	orgR.HandleFunc("/toolsets", s.handleCreateToolset).Methods(http.MethodPost)
	orgR.HandleFunc("/toolsets", s.handleListToolsets).Methods(http.MethodGet)
	orgR.HandleFunc("/toolsets/{toolsetId}", s.handleGetToolset).Methods(http.MethodGet)
	orgR.HandleFunc("/toolsets/{toolsetId}", s.handleUpdateToolset).Methods(http.MethodPut)
	orgR.HandleFunc("/toolsets/{toolsetId}", s.handleDeleteToolset).Methods(http.MethodDelete)
	orgR.HandleFunc("/toolsets/{toolsetId}/publish", s.handlePublishToolset).Methods(http.MethodPost)
	orgR.HandleFunc("/toolsets/{toolsetId}/unpublish", s.handleUnpublishToolset).Methods(http.MethodPost)
	orgR.HandleFunc("/toolset-builder/components", s.handleRankComponents).Methods(http.MethodGet)
	orgR.HandleFunc("/toolset-builder/sessions", s.handleBuilderCreate).Methods(http.MethodPost)
	orgR.HandleFunc("/toolset-builder/sessions/{sessionId}", s.handleBuilderGet).Methods(http.MethodGet)
	orgR.HandleFunc("/toolset-builder/sessions/{sessionId}", s.handleBuilderChat).Methods(http.MethodPost)
	orgR.HandleFunc("/toolset-builder/sessions/{sessionId}/finalize", s.handleBuilderFinalize).Methods(http.MethodPost)
	v1.HandleFunc("/gallery/toolsets", s.handleGallery).Methods(http.MethodGet)

	// Executors and pairing.
	orgR.HandleFunc("/executors/pairing-tokens", s.handleCreatePairingToken).Methods(http.MethodPost)
	orgR.HandleFunc("/executors", s.handleListExecutors).Methods(http.MethodGet)
	orgR.HandleFunc("/executors/{executorId}/revoke", s.handleRevokeExecutor).Methods(http.MethodPost)
	v1.HandleFunc("/executors/pair", s.handlePairExecutor).Methods(http.MethodPost)

	// Channel accounts.
	orgR.HandleFunc("/channels", s.handleConnectChannel).Methods(http.MethodPost)
	orgR.HandleFunc("/channels", s.handleListChannelAccounts).Methods(http.MethodGet)
	orgR.HandleFunc("/channels/{accountId}", s.handleDisconnectChannel).Methods(http.MethodDelete)

	// Billing.
	v1.HandleFunc("/billing/credits/packs", s.handleCreditPacks).Methods(http.MethodGet)
	v1.HandleFunc("/billing/stripe/webhook", s.handleStripeWebhook).Methods(http.MethodPost)
	orgR.HandleFunc("/billing/credits", s.handleCreditBalance).Methods(http.MethodGet)
	orgR.HandleFunc("/billing/credits/ledger", s.handleCreditLedger).Methods(http.MethodGet)
	orgR.HandleFunc("/billing/credits/checkout", s.handleCreditCheckout).Methods(http.MethodPost)

	// Internal surface: service-token authenticated, no user session.
	internal := r.PathPrefix("/internal/v1").Subrouter()
	internal.Use(s.serviceTokenMiddleware)
	internal.HandleFunc("/managed-executors/issue", s.handleInternalIssueExecutor).Methods(http.MethodPost)
	internal.HandleFunc("/managed-executors/{id}/revoke", s.handleInternalRevokeExecutor).Methods(http.MethodPost)
	internal.HandleFunc("/channels/trigger-run", s.handleChannelTriggerRun).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
