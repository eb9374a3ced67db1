package oauth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/auth"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/vault"
)

// fakeProvider answers a canned profile without touching the network.
type fakeProvider struct {
	id           string
	email        string
	refreshToken string
	exchangeErr  error
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) AuthCodeURL(state, nonce, codeVerifier string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (p *fakeProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Profile, *oauth2.Token, error) {
	if p.exchangeErr != nil {
		return nil, nil, p.exchangeErr
	}
	return &Profile{Email: p.email, Name: "Fake User"},
		&oauth2.Token{AccessToken: "at", RefreshToken: p.refreshToken}, nil
}

func newTestCoordinator(t *testing.T, vertex Provider) (*Coordinator, *vault.Vault) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(st, []byte("access-secret-16b"), []byte("refresh-secret-16"),
		15*time.Minute, 24*time.Hour, auth.NewMemoryAudit(), logger)
	v := vault.New(st, catalog.New(), "kek-1", map[string][]byte{"kek-1": bytes.Repeat([]byte{7}, 32)})
	c := NewCoordinator(
		[]Provider{&fakeProvider{id: "google", email: "fake@example.com"}},
		vertex, NewMemoryStateStore(), authSvc, v,
		[]byte("state-secret-16bb"), 10*time.Minute, false, logger)
	return c, v
}

// stateFromURL pulls the state parameter back out of the authorization URL.
func stateFromURL(t *testing.T, authURL string) string {
	t.Helper()
	i := strings.Index(authURL, "state=")
	require.Positive(t, i)
	return authURL[i+len("state="):]
}

func TestCallbackHappyPath(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	started, err := c.Start(ctx, "google")
	require.NoError(t, err)
	assert.Contains(t, started.AuthURL, "state=")
	require.Len(t, started.Cookies, 2)

	r := httptest.NewRequest("GET", "/v1/auth/oauth/google/callback", nil)
	for _, ck := range started.Cookies {
		r.AddCookie(ck)
	}
	res, err := c.Callback(ctx, "google", stateFromURL(t, started.AuthURL), "code", r, "ua", "ip")
	require.NoError(t, err)
	assert.Equal(t, "google", res.Provider)
	assert.Equal(t, "fake@example.com", res.Issued.User.EmailLower)
	assert.NotEmpty(t, res.Issued.AccessToken)
}

func TestCallbackStateIsOneShot(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	started, err := c.Start(ctx, "google")
	require.NoError(t, err)
	state := stateFromURL(t, started.AuthURL)

	r := httptest.NewRequest("GET", "/cb", nil)
	for _, ck := range started.Cookies {
		r.AddCookie(ck)
	}
	_, err = c.Callback(ctx, "google", state, "code", r, "", "")
	require.NoError(t, err)

	// Replaying the same state with the same cookies fails.
	_, err = c.Callback(ctx, "google", state, "code", r, "", "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
}

func TestCallbackRejectsMissingOrForgedState(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	started, err := c.Start(ctx, "google")
	require.NoError(t, err)

	// No cookies at all.
	r := httptest.NewRequest("GET", "/cb", nil)
	_, err = c.Callback(ctx, "google", stateFromURL(t, started.AuthURL), "code", r, "", "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)

	// Cookies present but the query state was swapped for another value.
	r = httptest.NewRequest("GET", "/cb", nil)
	for _, ck := range started.Cookies {
		r.AddCookie(ck)
	}
	_, err = c.Callback(ctx, "google", "forged-state", "code", r, "", "")
	e, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
}

func TestCallbackRejectsCrossFlowNonce(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	first, err := c.Start(ctx, "google")
	require.NoError(t, err)
	second, err := c.Start(ctx, "google")
	require.NoError(t, err)

	// State cookie and query from the first flow, nonce cookie from the second.
	r := httptest.NewRequest("GET", "/cb", nil)
	r.AddCookie(first.Cookies[0])
	r.AddCookie(second.Cookies[1])
	_, err = c.Callback(ctx, "google", stateFromURL(t, first.AuthURL), "code", r, "", "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
	assert.Equal(t, apierr.CodeOAuthInvalidNonce, e.Code)
}

func TestCallbackExpiredState(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	started, err := c.Start(ctx, "google")
	require.NoError(t, err)

	c.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	r := httptest.NewRequest("GET", "/cb", nil)
	for _, ck := range started.Cookies {
		r.AddCookie(ck)
	}
	_, err = c.Callback(ctx, "google", stateFromURL(t, started.AuthURL), "code", r, "", "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
}

func TestUnknownProvider(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	_, err := c.Start(context.Background(), "myspace")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.Status)
}

func TestVertexUnconfigured(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	_, err := c.StartVertex(context.Background(), "org", "user", "proj", "us-central1")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 503, e.Status)
	assert.Equal(t, apierr.CodeVertexUnconfigured, e.Code)
}

func TestVertexCallbackStoresDefaultSecret(t *testing.T) {
	vertex := &fakeProvider{id: "vertex", email: "fake@example.com", refreshToken: "rt-1"}
	c, v := newTestCoordinator(t, vertex)
	ctx := context.Background()
	orgID := "11111111-1111-1111-1111-111111111111"
	userID := "22222222-2222-2222-2222-222222222222"

	started, err := c.StartVertex(ctx, orgID, userID, "proj-1", "us-central1")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/cb", nil)
	for _, ck := range started.Cookies {
		r.AddCookie(ck)
	}
	secretID, gotOrg, err := c.VertexCallback(ctx, stateFromURL(t, started.AuthURL), "code", r)
	require.NoError(t, err)
	assert.Equal(t, orgID, gotOrg)

	tn := store.Tenant{ActorUserID: userID, OrgID: orgID}
	plaintext, meta, err := v.Reveal(ctx, tn, orgID, secretID)
	require.NoError(t, err)
	assert.Equal(t, "llm.vertex.oauth", meta.ConnectorID)
	assert.Equal(t, "default", meta.Name)
	assert.Contains(t, string(plaintext), `"refreshToken":"rt-1"`)
	assert.Contains(t, string(plaintext), `"projectId":"proj-1"`)

	// A second grant rotates the same secret row.
	vertex.refreshToken = "rt-2"
	started2, err := c.StartVertex(ctx, orgID, userID, "proj-1", "us-central1")
	require.NoError(t, err)
	r2 := httptest.NewRequest("GET", "/cb", nil)
	for _, ck := range started2.Cookies {
		r2.AddCookie(ck)
	}
	secretID2, _, err := c.VertexCallback(ctx, stateFromURL(t, started2.AuthURL), "code", r2)
	require.NoError(t, err)
	assert.Equal(t, secretID, secretID2)
}

func TestVertexCallbackRequiresRefreshToken(t *testing.T) {
	vertex := &fakeProvider{id: "vertex", email: "fake@example.com"}
	c, _ := newTestCoordinator(t, vertex)
	ctx := context.Background()

	started, err := c.StartVertex(ctx, "org", "user", "p", "l")
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/cb", nil)
	for _, ck := range started.Cookies {
		r.AddCookie(ck)
	}
	_, _, err = c.VertexCallback(ctx, stateFromURL(t, started.AuthURL), "code", r)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 401, e.Status)
}

func TestDeviceFlow(t *testing.T) {
	c, v := newTestCoordinator(t, nil)
	ctx := context.Background()
	orgID := "11111111-1111-1111-1111-111111111111"
	userID := "22222222-2222-2222-2222-222222222222"

	code, expiresAt, err := c.DeviceStart(ctx, orgID, userID, "google", "")
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.True(t, expiresAt.After(time.Now()))

	// Without a token the flow stays pending and the code survives.
	res, err := c.DevicePoll(ctx, code, "")
	require.NoError(t, err)
	assert.Equal(t, DevicePending, res.Status)
	res, err = c.DevicePoll(ctx, code, "")
	require.NoError(t, err)
	assert.Equal(t, DevicePending, res.Status)

	// Delivering the token stores the secret and consumes the code.
	res, err = c.DevicePoll(ctx, code, "oauth-refresh-token")
	require.NoError(t, err)
	assert.Equal(t, DeviceConnected, res.Status)
	require.NotEmpty(t, res.SecretID)

	tn := store.Tenant{ActorUserID: userID, OrgID: orgID}
	plaintext, meta, err := v.Reveal(ctx, tn, orgID, res.SecretID)
	require.NoError(t, err)
	assert.Equal(t, "llm.google.oauth", meta.ConnectorID)
	assert.Equal(t, "oauth-refresh-token", string(plaintext))

	_, err = c.DevicePoll(ctx, code, "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.Status)
}

func TestDevicePollUnknownCode(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	_, err := c.DevicePoll(context.Background(), "nope", "")
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.Status)
}
