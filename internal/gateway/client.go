// Package gateway is the HTTP client for the downstream gateway service that
// carries agent session traffic to executors. Dispatch failures surface as
// ErrUnavailable so the session surface can answer 503 while keeping the
// already-appended user event (at-least-once from the client's view).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnavailable is returned when the gateway rejects or cannot accept a
// dispatch.
var ErrUnavailable = errors.New("gateway unavailable")

const dispatchTimeout = 10 * time.Second

// Dispatch carries one user message to the gateway.
type Dispatch struct {
	SessionID        string `json:"sessionId"`
	SessionKey       string `json:"sessionKey"`
	OrganizationID   string `json:"organizationId"`
	EventID          string `json:"eventId"`
	Seq              int64  `json:"seq"`
	Text             string `json:"text"`
	ExecutorSelector string `json:"executorSelector,omitempty"`
}

// Client is the control plane's view of the gateway service.
type Client interface {
	DispatchMessage(ctx context.Context, d Dispatch) error
	NotifyReset(ctx context.Context, sessionID string)
}

// HTTPClient talks to the real gateway over HTTP with a service token and a
// circuit breaker so a dead gateway fails fast instead of tying up workers.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *breaker
	logger  *slog.Logger
}

// NewHTTPClient builds a gateway client for baseURL.
func NewHTTPClient(baseURL, serviceToken string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   serviceToken,
		http:    &http.Client{Timeout: dispatchTimeout},
		breaker: newBreaker(),
		logger:  logger,
	}
}

// DispatchMessage POSTs the event to the gateway's dispatch endpoint.
func (c *HTTPClient) DispatchMessage(ctx context.Context, d Dispatch) error {
	now := time.Now()
	if err := c.breaker.allow(now); err != nil {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	err := c.post(ctx, "/v1/sessions/dispatch", d)
	c.breaker.record(time.Now(), err == nil)
	if err != nil {
		c.logger.Warn("gateway dispatch failed",
			"sessionId", d.SessionID, "seq", d.Seq, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// NotifyReset tells the gateway to drop executor pinning for the session.
// Best effort: failures are logged, never surfaced.
func (c *HTTPClient) NotifyReset(ctx context.Context, sessionID string) {
	if err := c.post(ctx, "/v1/sessions/reset", map[string]string{"sessionId": sessionID}); err != nil {
		c.logger.Warn("gateway reset notify failed", "sessionId", sessionID, "error", err)
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to serialize gateway payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Noop is used when no gateway is configured (local development). Dispatches
// succeed silently.
type Noop struct{}

func (Noop) DispatchMessage(context.Context, Dispatch) error { return nil }
func (Noop) NotifyReset(context.Context, string)             {}
