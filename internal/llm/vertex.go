package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// vertexCredential is the JSON blob the OAuth flow stores in the vault.
type vertexCredential struct {
	RefreshToken string `json:"refreshToken"`
	ProjectID    string `json:"projectId"`
	Location     string `json:"location"`
}

// VertexClient serves the vertex apiKind. The credential carries a user
// refresh token; each call mints a short-lived access token from it.
type VertexClient struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewVertexClient builds the client. The OAuth client pair is the one the
// connect flow used to obtain the refresh token.
func NewVertexClient(clientID, clientSecret string) *VertexClient {
	return &VertexClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: CallTimeout},
	}
}

func (c *VertexClient) Complete(ctx context.Context, req Request) (string, error) {
	var cred vertexCredential
	if err := json.Unmarshal([]byte(req.Credential), &cred); err != nil {
		return "", errors.New("vertex: malformed credential")
	}
	if cred.RefreshToken == "" || cred.ProjectID == "" || cred.Location == "" {
		return "", errors.New("vertex: incomplete credential")
	}

	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("vertex: token refresh: %w", err)
	}

	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		cred.Location, url.PathEscape(cred.ProjectID), url.PathEscape(cred.Location), url.PathEscape(req.Model))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.AccessToken)
	return postGenerateContent(ctx, c.httpClient, endpoint, header, geminiBody(req))
}
