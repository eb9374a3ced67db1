package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory, *MemoryAudit) {
	t.Helper()
	st := store.NewMemory()
	audit := NewMemoryAudit()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, []byte("access-secret-16b"), []byte("refresh-secret-16"),
		15*time.Minute, 24*time.Hour, audit, logger)
	return svc, st, audit
}

func TestSignupIssuesSessionAndWorkspace(t *testing.T) {
	svc, st, audit := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Signup(ctx, "Ada@Example.com", "long enough password", "Ada", "test-agent", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", issued.User.EmailLower)
	assert.NotEmpty(t, issued.AccessToken)
	assert.NotEmpty(t, issued.RefreshToken)
	assert.NotEqual(t, issued.AccessToken, issued.RefreshToken)

	orgs, err := st.ListOrganizationsForUser(ctx, store.Tenant{ActorUserID: issued.User.ID}, issued.User.ID)
	require.NoError(t, err)
	require.Len(t, orgs, 1, "signup creates the personal workspace")
	assert.Equal(t, "Personal workspace", orgs[0].Name)

	entries := audit.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "signup", entries[len(entries)-1].Kind)
}

func TestSignupRejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, "not-an-email", "long enough password", "", "", "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, e.Status)

	_, err = svc.Signup(ctx, "a@b.com", "short", "", "", "")
	e, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, e.Status)
}

func TestLoginDistinguishesNothing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Signup(ctx, "ada@example.com", "correct password here", "", "", "")
	require.NoError(t, err)

	_, wrongPw := svc.Login(ctx, "ada@example.com", "wrong password", "", "")
	_, noUser := svc.Login(ctx, "nobody@example.com", "wrong password", "", "")
	require.Error(t, wrongPw)
	require.Error(t, noUser)
	assert.Equal(t, wrongPw.Error(), noUser.Error(), "unknown email and wrong password must be indistinguishable")

	issued, err := svc.Login(ctx, "ada@example.com", "correct password here", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.AccessToken)
}

func TestRefreshRotatesTheToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	issued, err := svc.Signup(ctx, "ada@example.com", "correct password here", "", "", "")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, issued.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, issued.Session.ID, rotated.Session.ID, "refresh keeps the session row")
	assert.NotEqual(t, issued.RefreshToken, rotated.RefreshToken)

	// The old blob no longer matches the stored verifier.
	_, err = svc.Refresh(ctx, issued.RefreshToken)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)

	// The rotated one still works.
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Refresh(context.Background(), "not-a-token")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
}

func TestResolveBearerAndCookie(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	issued, err := svc.Signup(ctx, "ada@example.com", "correct password here", "", "", "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+issued.AccessToken)
	ac := svc.Resolve(ctx, r)
	require.NotNil(t, ac)
	assert.Equal(t, issued.User.ID, ac.User.ID)
	assert.Empty(t, ac.FreshAccessToken, "bearer auth mints nothing")

	r = httptest.NewRequest("GET", "/v1/me", nil)
	r.Header.Set("Authorization", "Bearer tampered."+issued.AccessToken)
	assert.Nil(t, svc.Resolve(ctx, r))
}

func TestResolveRefreshCookieMintsAccessToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	issued, err := svc.Signup(ctx, "ada@example.com", "correct password here", "", "", "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: issued.RefreshToken})
	ac := svc.Resolve(ctx, r)
	require.NotNil(t, ac)
	assert.NotEmpty(t, ac.FreshAccessToken, "cookie auth passively mints an access token")

	// A tampered cookie resolves to anonymous.
	r = httptest.NewRequest("GET", "/v1/me", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: issued.RefreshToken + "x"})
	assert.Nil(t, svc.Resolve(ctx, r))
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	issued, err := svc.Signup(ctx, "ada@example.com", "correct password here", "", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, &Context{User: issued.User, Session: issued.Session}))
	_, err = svc.Refresh(ctx, issued.RefreshToken)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	first, err := svc.Signup(ctx, "ada@example.com", "correct password here", "", "", "")
	require.NoError(t, err)
	second, err := svc.Login(ctx, "ada@example.com", "correct password here", "", "")
	require.NoError(t, err)

	n, err := svc.LogoutAll(ctx, &Context{User: first.User, Session: first.Session})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.Refresh(ctx, second.RefreshToken)
	assert.Error(t, err)
}

func TestFindOrCreateOAuthUserIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u1, err := svc.FindOrCreateOAuthUser(ctx, "Oauth@Example.com", "O. Auth")
	require.NoError(t, err)
	u2, err := svc.FindOrCreateOAuthUser(ctx, "oauth@example.com", "ignored on reuse")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
}
