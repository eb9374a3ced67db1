// Package auth owns credential verification and session lifecycle: password
// signup/login, bearer access tokens, refresh-cookie verification with
// passive access-token reissue, rotation, and logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/token"
)

// SessionCookie is the refresh cookie name.
const SessionCookie = "vespid_session"

// Context is the resolved identity of a request.
type Context struct {
	User    *store.User
	Session *store.Session
	// FreshAccessToken is set when passive refresh-cookie auth minted a new
	// access token; the dispatcher emits it in the x-access-token header.
	FreshAccessToken string
}

// Issued bundles everything a successful signup/login/refresh returns.
type Issued struct {
	User         *store.User
	Session      *store.Session
	AccessToken  string
	RefreshToken string
}

// Service implements the authentication flows over the store.
type Service struct {
	store store.Store

	accessSecret  []byte
	refreshSecret []byte

	accessTTL  time.Duration
	sessionTTL time.Duration

	audit  Audit
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires an auth service. audit may be nil.
func NewService(st store.Store, accessSecret, refreshSecret []byte, accessTTL, sessionTTL time.Duration, audit Audit, logger *slog.Logger) *Service {
	if audit == nil {
		audit = NopAudit{}
	}
	return &Service{
		store:         st,
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		sessionTTL:    sessionTTL,
		audit:         audit,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ============================================================================
// SIGNUP / LOGIN
// ============================================================================

// Signup creates a user, their personal workspace, and a first session.
// A duplicate email is a 409.
func (s *Service) Signup(ctx context.Context, email, password, displayName, userAgent, ip string) (*Issued, error) {
	emailLower := strings.ToLower(strings.TrimSpace(email))
	if emailLower == "" || !strings.Contains(emailLower, "@") {
		return nil, apierr.Validation("a valid email is required")
	}
	if len(password) < 8 {
		return nil, apierr.Validation("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	u := &store.User{
		ID:           uuid.NewString(),
		EmailLower:   emailLower,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		CreatedAt:    now,
	}
	t := store.Tenant{ActorUserID: u.ID}
	if err := s.store.CreateUser(ctx, t, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apierr.Conflict(apierr.CodeConflict, "an account with this email already exists")
		}
		return nil, err
	}

	if err := s.EnsurePersonalWorkspace(ctx, u); err != nil {
		// The user exists; workspace creation is retried on next login.
		s.logger.Error("personal workspace creation failed", "userId", u.ID, "error", err)
	}

	issued, err := s.issueSession(ctx, u, userAgent, ip)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, Entry{Kind: "signup", UserID: u.ID, IP: ip, At: now})
	return issued, nil
}

// Login verifies the password and issues a new session. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password, userAgent, ip string) (*Issued, error) {
	emailLower := strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.GetUserByEmail(ctx, store.Tenant{}, emailLower)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn comparable time so a missing account is not observable.
			bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
			s.audit.Record(ctx, Entry{Kind: "login_denied", IP: ip, At: s.now()})
			return nil, apierr.Unauthorized("Invalid credentials")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.audit.Record(ctx, Entry{Kind: "login_denied", UserID: u.ID, IP: ip, At: s.now()})
		return nil, apierr.Unauthorized("Invalid credentials")
	}

	if err := s.EnsurePersonalWorkspace(ctx, u); err != nil {
		s.logger.Error("personal workspace ensure failed", "userId", u.ID, "error", err)
	}
	issued, err := s.issueSession(ctx, u, userAgent, ip)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, Entry{Kind: "login", UserID: u.ID, IP: ip, At: s.now()})
	return issued, nil
}

// FindOrCreateOAuthUser resolves a user for an OAuth profile, creating one
// with a random password hash on first login.
func (s *Service) FindOrCreateOAuthUser(ctx context.Context, email, displayName string) (*store.User, error) {
	emailLower := strings.ToLower(strings.TrimSpace(email))
	if emailLower == "" {
		return nil, apierr.Validation("oauth profile has no email")
	}
	u, err := s.store.GetUserByEmail(ctx, store.Tenant{}, emailLower)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	random, err := cryptoutil.RandomToken(32)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(random), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u = &store.User{
		ID:           uuid.NewString(),
		EmailLower:   emailLower,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, store.Tenant{ActorUserID: u.ID}, u); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Raced with another first login; load the winner.
			return s.store.GetUserByEmail(ctx, store.Tenant{}, emailLower)
		}
		return nil, err
	}
	return u, nil
}

// EnsurePersonalWorkspace creates the user's personal organization if it does
// not exist yet. The slug is derived from the user id so retries are
// idempotent.
func (s *Service) EnsurePersonalWorkspace(ctx context.Context, u *store.User) error {
	slug := "personal-" + strings.Split(u.ID, "-")[0]
	t := store.Tenant{ActorUserID: u.ID}
	if _, err := s.store.GetOrganizationBySlug(ctx, t, slug); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	now := s.now()
	org := &store.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      "Personal workspace",
		CreatedAt: now,
		UpdatedAt: now,
	}
	owner := &store.Membership{
		OrganizationID: org.ID,
		UserID:         u.ID,
		RoleKey:        store.RoleOwner,
		CreatedAt:      now,
	}
	if err := s.store.CreateOrganization(ctx, t, org, owner); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	return nil
}

// IssueSession mints a session for an already-authenticated user (OAuth
// callback path).
func (s *Service) IssueSession(ctx context.Context, u *store.User, userAgent, ip string) (*Issued, error) {
	issued, err := s.issueSession(ctx, u, userAgent, ip)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, Entry{Kind: "oauth_login", UserID: u.ID, IP: ip, At: s.now()})
	return issued, nil
}

func (s *Service) issueSession(ctx context.Context, u *store.User, userAgent, ip string) (*Issued, error) {
	now := s.now()
	nonce, err := cryptoutil.RandomToken(16)
	if err != nil {
		return nil, err
	}
	sess := &store.Session{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		ExpiresAt:  now.Add(s.sessionTTL),
		UserAgent:  userAgent,
		IP:         ip,
		LastUsedAt: now,
		CreatedAt:  now,
	}
	refresh, err := token.SignRefresh(token.RefreshClaims{
		SessionID:  sess.ID,
		UserID:     u.ID,
		TokenNonce: nonce,
		ExpiresAt:  sess.ExpiresAt.Unix(),
	}, s.refreshSecret)
	if err != nil {
		return nil, err
	}
	sess.RefreshTokenHash = token.Hash(refresh)
	if err := s.store.CreateSession(ctx, store.Tenant{ActorUserID: u.ID}, sess); err != nil {
		return nil, err
	}
	access, err := s.signAccess(u, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Issued{User: u, Session: sess, AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) signAccess(u *store.User, sessionID string) (string, error) {
	return token.SignAccess(token.AccessClaims{
		UserID:    u.ID,
		Email:     u.EmailLower,
		SessionID: sessionID,
		ExpiresAt: s.now().Add(s.accessTTL).Unix(),
	}, s.accessSecret)
}

// ============================================================================
// REQUEST RESOLUTION
// ============================================================================

// Resolve inspects the request and returns its identity, or nil for
// anonymous. It never fails: any invalid credential simply resolves to
// anonymous, and handlers assert with requireAuth.
func (s *Service) Resolve(ctx context.Context, r *http.Request) *Context {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if ac := s.resolveBearer(ctx, strings.TrimPrefix(h, "Bearer ")); ac != nil {
			return ac
		}
		return nil
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return s.resolveRefreshCookie(ctx, cookie.Value)
	}
	return nil
}

func (s *Service) resolveBearer(ctx context.Context, blob string) *Context {
	now := s.now()
	claims, err := token.VerifyAccess(blob, s.accessSecret, now)
	if err != nil {
		return nil
	}
	t := store.Tenant{ActorUserID: claims.UserID}
	sess, err := s.store.GetSession(ctx, t, claims.SessionID)
	if err != nil || !sess.Active(now) {
		return nil
	}
	u, err := s.store.GetUser(ctx, t, claims.UserID)
	if err != nil {
		return nil
	}
	_ = s.store.TouchSession(ctx, t, sess.ID, now)
	return &Context{User: u, Session: sess}
}

// resolveRefreshCookie authenticates via the refresh blob. The sha-256 of
// the incoming blob is compared constant-time against the session's stored
// verifier; on match a fresh access token is minted for the response header.
// No cookie rotation happens on this passive path.
func (s *Service) resolveRefreshCookie(ctx context.Context, blob string) *Context {
	now := s.now()
	claims, err := token.VerifyRefresh(blob, s.refreshSecret, now)
	if err != nil {
		return nil
	}
	t := store.Tenant{ActorUserID: claims.UserID}
	sess, err := s.store.GetSession(ctx, t, claims.SessionID)
	if err != nil || !sess.Active(now) {
		return nil
	}
	if !cryptoutil.ConstantTimeEquals(token.Hash(blob), sess.RefreshTokenHash) {
		return nil
	}
	u, err := s.store.GetUser(ctx, t, claims.UserID)
	if err != nil {
		return nil
	}
	_ = s.store.TouchSession(ctx, t, sess.ID, now)
	access, err := s.signAccess(u, sess.ID)
	if err != nil {
		return nil
	}
	return &Context{User: u, Session: sess, FreshAccessToken: access}
}

// ============================================================================
// ROTATION / LOGOUT
// ============================================================================

// Refresh rotates the refresh token: new nonce, new expiry, new cookie blob,
// new access token. The old blob stops verifying immediately.
func (s *Service) Refresh(ctx context.Context, blob string) (*Issued, error) {
	now := s.now()
	claims, err := token.VerifyRefresh(blob, s.refreshSecret, now)
	if err != nil {
		return nil, apierr.Unauthorized("invalid refresh token")
	}
	t := store.Tenant{ActorUserID: claims.UserID}
	sess, err := s.store.GetSession(ctx, t, claims.SessionID)
	if err != nil || !sess.Active(now) {
		return nil, apierr.Unauthorized("session expired")
	}
	if !cryptoutil.ConstantTimeEquals(token.Hash(blob), sess.RefreshTokenHash) {
		return nil, apierr.Unauthorized("invalid refresh token")
	}
	u, err := s.store.GetUser(ctx, t, claims.UserID)
	if err != nil {
		return nil, apierr.Unauthorized("session expired")
	}

	nonce, err := cryptoutil.RandomToken(16)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.sessionTTL)
	refresh, err := token.SignRefresh(token.RefreshClaims{
		SessionID:  sess.ID,
		UserID:     u.ID,
		TokenNonce: nonce,
		ExpiresAt:  expiresAt.Unix(),
	}, s.refreshSecret)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateSession(ctx, t, sess.ID, token.Hash(refresh), expiresAt, now); err != nil {
		return nil, err
	}
	sess.RefreshTokenHash = token.Hash(refresh)
	sess.ExpiresAt = expiresAt
	sess.LastUsedAt = now

	access, err := s.signAccess(u, sess.ID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, Entry{Kind: "refresh", UserID: u.ID, At: now})
	return &Issued{User: u, Session: sess, AccessToken: access, RefreshToken: refresh}, nil
}

// Logout revokes the current session.
func (s *Service) Logout(ctx context.Context, ac *Context) error {
	now := s.now()
	t := store.Tenant{ActorUserID: ac.User.ID}
	if err := s.store.RevokeSession(ctx, t, ac.Session.ID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.audit.Record(ctx, Entry{Kind: "logout", UserID: ac.User.ID, At: now})
	return nil
}

// LogoutAll revokes every active session of the user.
func (s *Service) LogoutAll(ctx context.Context, ac *Context) (int, error) {
	now := s.now()
	n, err := s.store.RevokeUserSessions(ctx, store.Tenant{ActorUserID: ac.User.ID}, ac.User.ID, now)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, Entry{Kind: "logout_all", UserID: ac.User.ID, At: now})
	return n, nil
}
