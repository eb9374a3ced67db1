package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/auth"
	"github.com/vespid/control-plane/internal/org"
	"github.com/vespid/control-plane/internal/store"
)

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type sessionResponse struct {
	User    any            `json:"user"`
	Session map[string]any `json:"session"`
}

func (s *Server) issuedResponse(w http.ResponseWriter, issued *auth.Issued, status int) {
	http.SetCookie(w, s.sessionCookie(issued.RefreshToken, issued.Session.ExpiresAt))
	s.respond(w, status, sessionResponse{
		User: issued.User,
		Session: map[string]any{
			"id":        issued.Session.ID,
			"token":     issued.AccessToken,
			"expiresAt": issued.Session.ExpiresAt,
		},
	})
}

func (s *Server) sessionCookie(refreshToken string, expiresAt time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    refreshToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secureCookies,
	}
	if refreshToken == "" {
		c.MaxAge = -1
	} else {
		c.Expires = expiresAt
	}
	return c
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	issued, err := s.auth.Signup(r.Context(), req.Email, req.Password, req.DisplayName, r.UserAgent(), clientIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.issuedResponse(w, issued, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	issued, err := s.auth.Login(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.issuedResponse(w, issued, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookie)
	if err != nil || cookie.Value == "" {
		s.fail(w, r, apierr.Unauthorized("refresh cookie missing"))
		return
	}
	issued, err := s.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.issuedResponse(w, issued, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.Logout(r.Context(), ac); err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, s.sessionCookie("", time.Time{}))
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	revoked, err := s.auth.LogoutAll(r.Context(), ac)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, s.sessionCookie("", time.Time{}))
	s.respond(w, http.StatusOK, map[string]any{"ok": true, "revokedSessions": revoked})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	orgs, err := s.store.ListOrganizationsForUser(r.Context(), tenantForUser(ac), ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"user": ac.User, "organizations": orgs})
}

// ============================================================================
// OAUTH
// ============================================================================

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.oauth.Start(r.Context(), mux.Vars(r)["provider"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, c := range started.Cookies {
		http.SetCookie(w, c)
	}
	if wantsJSON(r) {
		s.respond(w, http.StatusOK, map[string]string{"authUrl": started.AuthURL})
		return
	}
	http.Redirect(w, r, started.AuthURL, http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	q := r.URL.Query()
	res, err := s.oauth.Callback(r.Context(), provider, q.Get("state"), q.Get("code"), r, r.UserAgent(), clientIP(r))
	if err != nil {
		if wantsJSON(r) {
			s.fail(w, r, err)
			return
		}
		code := apierr.CodeInternal
		if e, ok := apierr.As(err); ok {
			code = e.Code
		}
		s.logger.Warn("oauth callback failed", "provider", provider, "code", code)
		http.Redirect(w, r, s.authRedirectURL("error", provider, code), http.StatusFound)
		return
	}
	http.SetCookie(w, s.sessionCookie(res.Issued.RefreshToken, res.Issued.Session.ExpiresAt))
	if wantsJSON(r) {
		s.respond(w, http.StatusOK, sessionResponse{
			User: res.Issued.User,
			Session: map[string]any{
				"id":        res.Issued.Session.ID,
				"token":     res.Issued.AccessToken,
				"expiresAt": res.Issued.Session.ExpiresAt,
			},
		})
		return
	}
	http.Redirect(w, r, s.authRedirectURL("success", provider, ""), http.StatusFound)
}

// authRedirectURL builds the browser landing URL for an OAuth outcome. The
// session travels in the cookie; only the outcome, provider, and (on error)
// the error code go in the query string.
func (s *Server) authRedirectURL(outcome, provider, code string) string {
	v := url.Values{}
	v.Set("oauth", outcome)
	v.Set("provider", provider)
	if code != "" {
		v.Set("code", code)
	}
	return s.webBaseURL + "/auth?" + v.Encode()
}

func (s *Server) handleVertexStart(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, "admin")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	started, err := s.oauth.StartVertex(r.Context(), oc.OrganizationID, ac.User.ID, q.Get("projectId"), q.Get("location"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, c := range started.Cookies {
		http.SetCookie(w, c)
	}
	if wantsJSON(r) {
		s.respond(w, http.StatusOK, map[string]string{"authUrl": started.AuthURL})
		return
	}
	http.Redirect(w, r, started.AuthURL, http.StatusFound)
}

func (s *Server) handleVertexCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	secretID, orgID, err := s.oauth.VertexCallback(r.Context(), q.Get("state"), q.Get("code"), r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if wantsJSON(r) {
		s.respond(w, http.StatusOK, map[string]string{"secretId": secretID, "organizationId": orgID})
		return
	}
	http.Redirect(w, r, s.webBaseURL+"/settings/integrations?vertex=connected", http.StatusFound)
}

func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		OrganizationID string `json:"organizationId"`
		Provider       string `json:"provider"`
		Name           string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.OrganizationID == "" {
		s.fail(w, r, apierr.Validation("organizationId is required"))
		return
	}
	// The minted code lets the poller plant a connector secret in the org,
	// so the caller must hold the same role the Vertex flow requires.
	warnings := org.NewWarnings()
	oc, err := s.orgs.Resolve(r.Context(), ac.User.ID, r.Header.Get(org.HeaderOrgID), req.OrganizationID, store.RoleAdmin, warnings)
	if h := warnings.Header(); h != "" {
		w.Header().Set(HeaderOrgWarning, h)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code, expiresAt, err := s.oauth.DeviceStart(r.Context(), oc.OrganizationID, ac.User.ID, req.Provider, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"code": code, "expiresAt": expiresAt})
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		Token string `json:"token,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.oauth.DevicePoll(r.Context(), req.Code, req.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("mode") == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
