package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

func (s *Server) handleConnectChannel(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		ChannelID  string `json:"channelId"`
		ExternalID string `json:"externalId"`
		Name       string `json:"name,omitempty"`
		WebhookURL string `json:"webhookUrl,omitempty"`
		WorkflowID string `json:"workflowId,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.catalog.ChannelExists(req.ChannelID) {
		s.fail(w, r, apierr.Validation("unknown channel"))
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		s.fail(w, r, apierr.Validation("externalId is required"))
		return
	}
	if req.WorkflowID != "" {
		if _, err := s.workflows.Get(r.Context(), tenant(ac, oc), oc.OrganizationID, req.WorkflowID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	a := &store.ChannelAccount{
		ID:             uuid.NewString(),
		OrganizationID: oc.OrganizationID,
		ChannelID:      req.ChannelID,
		ExternalID:     req.ExternalID,
		Name:           req.Name,
		WebhookURL:     req.WebhookURL,
		WorkflowID:     req.WorkflowID,
		CreatedBy:      ac.User.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateChannelAccount(r.Context(), tenant(ac, oc), a); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, a)
}

func (s *Server) handleListChannelAccounts(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	accounts, err := s.store.ListChannelAccounts(r.Context(), tenant(ac, oc), oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleDisconnectChannel(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteChannelAccount(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["accountId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}
