package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/auth"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/token"
	"github.com/vespid/control-plane/internal/vault"
)

// Cookie names. State and nonce travel in separate signed cookies so the
// callback can authenticate itself even if the process lost the in-memory
// state record.
const (
	CookieState       = "vespid_oauth_state"
	CookieNonce       = "vespid_oauth_nonce"
	CookieVertexState = "vespid_vertex_oauth_state"
	CookieVertexNonce = "vespid_vertex_oauth_nonce"
)

// Coordinator drives the authorization-code and device flows.
type Coordinator struct {
	providers map[string]Provider
	vertex    Provider
	states    StateStore
	auth      *auth.Service
	vault     *vault.Vault

	stateSecret []byte
	stateTTL    time.Duration
	secure      bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator wires the coordinator. vertex may be nil when the Vertex
// client is not configured.
func NewCoordinator(providers []Provider, vertex Provider, states StateStore, authSvc *auth.Service, v *vault.Vault, stateSecret []byte, stateTTL time.Duration, secure bool, logger *slog.Logger) *Coordinator {
	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	return &Coordinator{
		providers:   byID,
		vertex:      vertex,
		states:      states,
		auth:        authSvc,
		vault:       v,
		stateSecret: stateSecret,
		stateTTL:    stateTTL,
		secure:      secure,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Started is the outcome of Start: the provider's authorization URL plus the
// two signed cookies the callback will verify.
type Started struct {
	AuthURL string
	Cookies []*http.Cookie
}

// Start begins an authorization-code flow for a sign-in provider.
func (c *Coordinator) Start(ctx context.Context, providerID string) (*Started, error) {
	p, ok := c.providers[providerID]
	if !ok {
		return nil, apierr.NotFound(apierr.CodeNotFound, "unknown oauth provider")
	}
	return c.start(ctx, p, StateRecord{Provider: providerID}, CookieState, CookieNonce)
}

// StartVertex begins the Vertex delegation flow for an organization. The
// state record carries the target org, actor, and Vertex placement so the
// callback can persist the credential.
func (c *Coordinator) StartVertex(ctx context.Context, orgID, actorUserID, projectID, location string) (*Started, error) {
	if c.vertex == nil {
		return nil, apierr.Unavailable(apierr.CodeVertexUnconfigured, "vertex oauth is not configured")
	}
	rec := StateRecord{
		Provider:    "vertex",
		OrgID:       orgID,
		ActorUserID: actorUserID,
		ProjectID:   projectID,
		Location:    location,
	}
	return c.start(ctx, c.vertex, rec, CookieVertexState, CookieVertexNonce)
}

func (c *Coordinator) start(ctx context.Context, p Provider, rec StateRecord, stateCookie, nonceCookie string) (*Started, error) {
	state, err := cryptoutil.RandomToken(24)
	if err != nil {
		return nil, err
	}
	nonce, err := cryptoutil.RandomToken(24)
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	now := c.now()
	rec.CodeVerifier = verifier
	rec.Nonce = nonce
	rec.ExpiresAt = now.Add(c.stateTTL)
	if err := c.states.PutState(ctx, state, rec); err != nil {
		return nil, fmt.Errorf("failed to persist oauth state: %w", err)
	}

	exp := now.Add(c.stateTTL).Unix()
	stateBlob, err := token.SignState(token.StateClaims{ID: state, ExpiresAt: exp}, c.stateSecret)
	if err != nil {
		return nil, err
	}
	nonceBlob, err := token.SignState(token.StateClaims{ID: nonce, ExpiresAt: exp}, c.stateSecret)
	if err != nil {
		return nil, err
	}

	return &Started{
		AuthURL: p.AuthCodeURL(state, nonce, verifier),
		Cookies: []*http.Cookie{
			c.cookie(stateCookie, stateBlob),
			c.cookie(nonceCookie, nonceBlob),
		},
	}, nil
}

func (c *Coordinator) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.stateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.secure,
	}
}

// CallbackResult is a completed sign-in callback.
type CallbackResult struct {
	Issued   *auth.Issued
	Provider string
}

// Callback completes a sign-in flow: cookie checks, one-shot state
// consumption, nonce check, code exchange, user find-or-create, session.
func (c *Coordinator) Callback(ctx context.Context, providerID, state, code string, r *http.Request, userAgent, ip string) (*CallbackResult, error) {
	p, ok := c.providers[providerID]
	if !ok {
		return nil, apierr.NotFound(apierr.CodeNotFound, "unknown oauth provider")
	}
	rec, err := c.verifyCallback(ctx, providerID, state, r, CookieState, CookieNonce)
	if err != nil {
		return nil, err
	}

	profile, _, err := p.Exchange(ctx, code, rec.CodeVerifier)
	if err != nil {
		c.logger.Warn("oauth code exchange failed", "provider", providerID, "error", err)
		return nil, apierr.Unauthorized("oauth code exchange failed")
	}

	u, err := c.auth.FindOrCreateOAuthUser(ctx, profile.Email, profile.Name)
	if err != nil {
		return nil, err
	}
	if err := c.auth.EnsurePersonalWorkspace(ctx, u); err != nil {
		c.logger.Error("personal workspace ensure failed", "userId", u.ID, "error", err)
	}
	issued, err := c.auth.IssueSession(ctx, u, userAgent, ip)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Issued: issued, Provider: providerID}, nil
}

// verifyCallback runs the three-way check: both signed cookies verify, the
// state cookie matches the query state, the one-shot record exists for this
// provider, and the nonce cookie matches the record's nonce.
func (c *Coordinator) verifyCallback(ctx context.Context, providerID, state string, r *http.Request, stateCookie, nonceCookie string) (*StateRecord, error) {
	now := c.now()

	sc, err := r.Cookie(stateCookie)
	if err != nil || sc.Value == "" {
		return nil, apierr.Unauthorized("oauth state cookie missing")
	}
	stateClaims, err := token.VerifyState(sc.Value, c.stateSecret, now)
	if err != nil || !cryptoutil.ConstantTimeEquals(stateClaims.ID, state) {
		return nil, apierr.Unauthorized("oauth state mismatch")
	}

	rec, err := c.states.ConsumeState(ctx, state)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, apierr.Unauthorized("oauth state expired or already used")
		}
		return nil, err
	}
	if rec.Provider != providerID {
		return nil, apierr.Unauthorized("oauth state belongs to a different provider")
	}

	nc, err := r.Cookie(nonceCookie)
	if err != nil || nc.Value == "" {
		return nil, apierr.New(http.StatusUnauthorized, apierr.CodeOAuthInvalidNonce, "oauth nonce cookie missing")
	}
	nonceClaims, err := token.VerifyState(nc.Value, c.stateSecret, now)
	if err != nil || !cryptoutil.ConstantTimeEquals(nonceClaims.ID, rec.Nonce) {
		return nil, apierr.New(http.StatusUnauthorized, apierr.CodeOAuthInvalidNonce, "oauth nonce mismatch")
	}
	return rec, nil
}

// VertexCallback completes the Vertex flow: the exchanged refresh token is
// persisted as the org's default llm.vertex.oauth secret. An existing
// default is rotated in place rather than duplicated.
func (c *Coordinator) VertexCallback(ctx context.Context, state, code string, r *http.Request) (secretID, orgID string, err error) {
	if c.vertex == nil {
		return "", "", apierr.Unavailable(apierr.CodeVertexUnconfigured, "vertex oauth is not configured")
	}
	rec, err := c.verifyCallback(ctx, "vertex", state, r, CookieVertexState, CookieVertexNonce)
	if err != nil {
		return "", "", err
	}

	_, tok, err := c.vertex.Exchange(ctx, code, rec.CodeVerifier)
	if err != nil {
		c.logger.Warn("vertex code exchange failed", "error", err)
		return "", "", apierr.Unauthorized("oauth code exchange failed")
	}
	if tok.RefreshToken == "" {
		return "", "", apierr.Unauthorized("vertex grant returned no refresh token")
	}

	blob, err := json.Marshal(map[string]string{
		"refreshToken": tok.RefreshToken,
		"projectId":    rec.ProjectID,
		"location":     rec.Location,
	})
	if err != nil {
		return "", "", err
	}
	t := store.Tenant{ActorUserID: rec.ActorUserID, OrgID: rec.OrgID}
	secret, err := c.vault.Upsert(ctx, t, rec.OrgID, "llm.vertex.oauth", "default", blob, rec.ActorUserID)
	if err != nil {
		return "", "", err
	}
	return secret.ID, rec.OrgID, nil
}
