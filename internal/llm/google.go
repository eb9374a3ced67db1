package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GoogleClient serves the google apiKind over the generateContent REST
// surface, authenticated by API key.
type GoogleClient struct {
	defaultBaseURL string
	httpClient     *http.Client
}

// NewGoogleClient builds the client. baseURL may be empty.
func NewGoogleClient(baseURL string) *GoogleClient {
	if baseURL == "" {
		baseURL = googleDefaultBaseURL
	}
	return &GoogleClient{
		defaultBaseURL: baseURL,
		httpClient:     &http.Client{Timeout: CallTimeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func geminiBody(req Request) geminiRequest {
	body := geminiRequest{}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Text}}})
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenConfig{MaxOutputTokens: req.MaxTokens}
	}
	return body
}

func geminiText(resp geminiResponse) (string, error) {
	if resp.Error != nil {
		return "", errors.New("generateContent: " + resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("generateContent: empty response")
	}
	var out strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		out.WriteString(p.Text)
	}
	return out.String(), nil
}

func (c *GoogleClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Credential == "" {
		return "", errors.New("google: credential is required")
	}
	base := firstNonEmpty(req.BaseURL, c.defaultBaseURL)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(base, "/"), url.PathEscape(req.Model), url.QueryEscape(req.Credential))
	return postGenerateContent(ctx, c.httpClient, endpoint, nil, geminiBody(req))
}

func postGenerateContent(ctx context.Context, hc *http.Client, endpoint string, header http.Header, body geminiRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	start := time.Now()
	resp, err := hc.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generateContent: status %d after %s", resp.StatusCode, time.Since(start).Round(time.Millisecond))
	}
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return geminiText(parsed)
}
