package httpapi

import (
	"io"
	"net/http"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

func (s *Server) handleCreditPacks(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"packs": s.billing.Packs()})
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	credits, err := s.billing.Balance(r.Context(), tenant(ac, oc), oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, credits)
}

func (s *Server) handleCreditLedger(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, next, err := s.billing.Ledger(r.Context(), tenant(ac, oc), oc.OrganizationID, pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"entries": entries, "nextCursor": next})
}

func (s *Server) handleCreditCheckout(w http.ResponseWriter, r *http.Request) {
	_, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		PackID     string `json:"packId"`
		SuccessURL string `json:"successUrl,omitempty"`
		CancelURL  string `json:"cancelUrl,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = s.webBaseURL + "/billing/success"
	}
	if req.CancelURL == "" {
		req.CancelURL = s.webBaseURL + "/billing"
	}
	cs, err := s.billing.Checkout(r.Context(), oc.OrganizationID, req.PackID, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, cs)
}

// handleStripeWebhook verifies the signature over the raw payload and applies
// paid checkout sessions exactly once.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.fail(w, r, apierr.Validation("unreadable payload"))
		return
	}
	result, err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if result.Applied && s.metrics != nil {
		s.metrics.CreditTopUps.Inc()
	}
	s.respond(w, http.StatusOK, result)
}
