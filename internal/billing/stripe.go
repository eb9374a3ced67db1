// Package billing integrates Stripe checkout and webhooks with the org
// credit ledger. Webhook application is exactly-once per Stripe event id.
package billing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vespid/control-plane/internal/cryptoutil"
)

const (
	stripeAPIBase      = "https://api.stripe.com"
	stripeTimeout      = 10 * time.Second
	signatureTolerance = 5 * time.Minute
)

// ErrBadSignature is returned when the webhook signature does not verify.
var ErrBadSignature = errors.New("webhook signature verification failed")

// VerifySignature checks a Stripe-Signature header (`t=<unix>,v1=<hex>...`)
// against the raw payload: HMAC-SHA256 over "<t>.<payload>" with the webhook
// secret, constant-time compare, 5-minute timestamp tolerance.
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrBadSignature
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrBadSignature
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrBadSignature
	}

	signed := strconv.FormatInt(ts, 10) + "." + string(payload)
	expected := hex.EncodeToString(cryptoutil.SignHMAC([]byte(signed), []byte(secret)))
	for _, sig := range sigs {
		if cryptoutil.ConstantTimeEquals(sig, expected) {
			return nil
		}
	}
	return ErrBadSignature
}

// CheckoutParams creates one checkout session for a credits pack.
type CheckoutParams struct {
	PriceID    string
	Quantity   int64
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is the subset of Stripe's checkout session we use.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Price is the subset of Stripe's price object we use.
type Price struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Active     bool   `json:"active"`
}

// API is the Stripe surface the billing service depends on.
type API interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	GetPrice(ctx context.Context, id string) (*Price, error)
}

// RESTClient talks to the Stripe REST API with the secret key.
type RESTClient struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewRESTClient builds a Stripe client. baseURL overrides are for tests.
func NewRESTClient(secretKey, baseURL string) *RESTClient {
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	return &RESTClient{
		secretKey: secretKey,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: stripeTimeout},
	}
}

func (c *RESTClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price]", p.PriceID)
	form.Set("line_items[0][quantity]", strconv.FormatInt(p.Quantity, 10))
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	var out CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) GetPrice(ctx context.Context, id string) (*Price, error) {
	var out Price
	if err := c.do(ctx, http.MethodGet, "/v1/prices/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("stripe: %s %s returned %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
