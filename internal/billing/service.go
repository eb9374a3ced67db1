package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/events"
	"github.com/vespid/control-plane/internal/store"
)

const priceCacheTTL = 10 * time.Minute

// Pack is one purchasable credits bundle, configured via
// STRIPE_CREDITS_PACKS_JSON.
type Pack struct {
	ID      string `json:"id"`
	PriceID string `json:"priceId"`
	Credits int64  `json:"credits"`
	Label   string `json:"label,omitempty"`
}

// ParsePacks decodes the packs JSON. An empty value yields no packs, which
// leaves checkout disabled.
func ParsePacks(raw string) ([]Pack, error) {
	if raw == "" {
		return nil, nil
	}
	var packs []Pack
	if err := json.Unmarshal([]byte(raw), &packs); err != nil {
		return nil, fmt.Errorf("failed to parse credits packs: %w", err)
	}
	for _, p := range packs {
		if p.ID == "" || p.PriceID == "" || p.Credits <= 0 {
			return nil, fmt.Errorf("credits pack %q is incomplete", p.ID)
		}
	}
	return packs, nil
}

type cachedPrice struct {
	price     *Price
	fetchedAt time.Time
}

type priceFetch struct {
	done  chan struct{}
	price *Price
	err   error
}

// Service applies Stripe activity to the credit ledger.
type Service struct {
	store         store.Store
	stripe        API
	webhookSecret string
	packs         []Pack
	bus           events.Publisher
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	prices   map[string]cachedPrice
	inflight map[string]*priceFetch
}

// NewService wires the billing coordinator. stripe may be nil when billing
// is unconfigured; operations then answer STRIPE_NOT_CONFIGURED.
func NewService(st store.Store, stripe API, webhookSecret string, packs []Pack, bus events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:         st,
		stripe:        stripe,
		webhookSecret: webhookSecret,
		packs:         packs,
		bus:           bus,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		prices:        make(map[string]cachedPrice),
		inflight:      make(map[string]*priceFetch),
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Packs lists the configured credit bundles.
func (s *Service) Packs() []Pack { return s.packs }

func (s *Service) pack(id string) (Pack, bool) {
	for _, p := range s.packs {
		if p.ID == id {
			return p, true
		}
	}
	return Pack{}, false
}

// Price returns the Stripe price for a pack, cached for ten minutes with
// per-key inflight dedup so concurrent lookups share one outbound request.
func (s *Service) Price(ctx context.Context, priceID string) (*Price, error) {
	if s.stripe == nil {
		return nil, apierr.Unavailable(apierr.CodeStripeUnconfigured, "billing is not configured")
	}
	s.mu.Lock()
	if cached, ok := s.prices[priceID]; ok && s.now().Sub(cached.fetchedAt) < priceCacheTTL {
		s.mu.Unlock()
		return cached.price, nil
	}
	if fl, ok := s.inflight[priceID]; ok {
		s.mu.Unlock()
		select {
		case <-fl.done:
			return fl.price, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &priceFetch{done: make(chan struct{})}
	s.inflight[priceID] = fl
	s.mu.Unlock()

	fl.price, fl.err = s.stripe.GetPrice(ctx, priceID)
	s.mu.Lock()
	delete(s.inflight, priceID)
	if fl.err == nil {
		s.prices[priceID] = cachedPrice{price: fl.price, fetchedAt: s.now()}
	}
	s.mu.Unlock()
	close(fl.done)
	return fl.price, fl.err
}

// Checkout creates a Stripe checkout session for a pack, carrying the org id
// and credit amount in metadata for the webhook to apply.
func (s *Service) Checkout(ctx context.Context, orgID, packID, successURL, cancelURL string) (*CheckoutSession, error) {
	if s.stripe == nil {
		return nil, apierr.Unavailable(apierr.CodeStripeUnconfigured, "billing is not configured")
	}
	p, ok := s.pack(packID)
	if !ok {
		return nil, apierr.Validation("unknown credits pack: " + packID)
	}
	if _, err := s.Price(ctx, p.PriceID); err != nil {
		return nil, apierr.BadGateway(apierr.CodeInternal, "price lookup failed")
	}
	return s.stripe.CreateCheckoutSession(ctx, CheckoutParams{
		PriceID:    p.PriceID,
		Quantity:   1,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata: map[string]string{
			"organizationId": orgID,
			"credits":        strconv.FormatInt(p.Credits, 10),
			"packId":         p.ID,
		},
	})
}

// webhookEvent is the slice of a Stripe event the handler reads.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookResult reports what a delivery did.
type WebhookResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// HandleWebhook verifies the signature and applies a paid checkout's credits
// exactly once, keyed by the Stripe event id. Everything else is a 200 no-op.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (*WebhookResult, error) {
	if s.webhookSecret == "" {
		return nil, apierr.Unavailable(apierr.CodeStripeUnconfigured, "billing is not configured")
	}
	if err := VerifySignature(payload, sigHeader, s.webhookSecret, s.now()); err != nil {
		return nil, apierr.BadRequest(apierr.CodeValidation, "invalid webhook signature")
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, apierr.BadRequest(apierr.CodeValidation, "malformed webhook payload")
	}
	if ev.Type != "checkout.session.completed" {
		return &WebhookResult{Applied: false, Reason: "ignored_event_type"}, nil
	}
	if ev.Data.Object.PaymentStatus != "paid" {
		return &WebhookResult{Applied: false, Reason: "not_paid"}, nil
	}
	orgID := ev.Data.Object.Metadata["organizationId"]
	credits, _ := strconv.ParseInt(ev.Data.Object.Metadata["credits"], 10, 64)
	if orgID == "" || credits <= 0 {
		return &WebhookResult{Applied: false, Reason: "missing_metadata"}, nil
	}

	tenant := store.Tenant{ActorUserID: "system:stripe", OrgID: orgID}
	applied, balance, err := s.store.ApplyCredit(ctx, tenant, &store.CreditLedgerEntry{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		DeltaCredits:   credits,
		Reason:         "stripe_checkout",
		StripeEventID:  ev.ID,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return &WebhookResult{Applied: false, Reason: "duplicate_event"}, nil
	}

	s.logger.Info("credits applied",
		"orgId", orgID, "credits", credits, "stripeEventId", ev.ID, "balance", balance.BalanceCredits)
	s.publish(orgID, credits, ev.ID)
	return &WebhookResult{Applied: true}, nil
}

// Balance returns the org's current credit balance.
func (s *Service) Balance(ctx context.Context, t store.Tenant, orgID string) (*store.OrganizationCredits, error) {
	return s.store.GetCredits(ctx, t, orgID)
}

// Ledger pages the org's credit history, newest first.
func (s *Service) Ledger(ctx context.Context, t store.Tenant, orgID string, page store.Page) ([]*store.CreditLedgerEntry, string, error) {
	return s.store.ListLedger(ctx, t, orgID, page)
}

// SpendForRun debits credits for one workflow run. The balance never goes
// negative; an underfunded org keeps its run but the debit is rejected.
func (s *Service) SpendForRun(ctx context.Context, t store.Tenant, orgID, runID string, credits int64) error {
	if credits <= 0 {
		return apierr.Validation("debit must be positive")
	}
	balance, err := s.store.GetCredits(ctx, t, orgID)
	if err != nil {
		return err
	}
	if balance.BalanceCredits < credits {
		return apierr.Conflict(apierr.CodeConflict, "insufficient credits")
	}
	_, _, err = s.store.ApplyCredit(ctx, t, &store.CreditLedgerEntry{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		DeltaCredits:   -credits,
		Reason:         "workflow_run",
		WorkflowRunID:  runID,
		CreatedBy:      t.ActorUserID,
		CreatedAt:      s.now(),
	})
	return err
}

func (s *Service) publish(orgID string, credits int64, eventID string) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{"credits": credits, "stripeEventId": eventID})
	s.bus.Publish(events.Event{
		ID:      uuid.NewString(),
		Type:    events.TypeCreditsApplied,
		OrgID:   orgID,
		Subject: orgID,
		Time:    s.now(),
		Data:    data,
	})
}
