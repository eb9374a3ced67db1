package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/token"
)

// The internal surface is called by trusted services (the gateway, the
// channel ingress), never by end users.

func (s *Server) handleInternalIssueExecutor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organizationId"`
		Name           string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.OrganizationID == "" || strings.TrimSpace(req.Name) == "" {
		s.fail(w, r, apierr.Validation("organizationId and name are required"))
		return
	}
	t := store.Tenant{ActorUserID: "system:internal", OrgID: req.OrganizationID}
	if _, err := s.store.GetOrganization(r.Context(), t, req.OrganizationID); err != nil {
		s.fail(w, r, err)
		return
	}
	execID := uuid.NewString()
	credential, err := token.NewSegmented(execID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	exec := &store.Executor{
		ID:             execID,
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Kind:           store.ExecutorManaged,
		TokenHash:      cryptoutil.SHA256Hex([]byte(credential)),
		Status:         store.ExecutorStatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateExecutor(r.Context(), t, exec); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"executor": exec, "credential": credential})
}

func (s *Server) handleInternalRevokeExecutor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organizationId"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t := store.Tenant{ActorUserID: "system:internal", OrgID: req.OrganizationID}
	revoked, err := s.store.RevokeExecutor(r.Context(), t, req.OrganizationID, mux.Vars(r)["id"], time.Now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"ok": true, "revoked": revoked})
}

// handleChannelTriggerRun starts the workflow bound to a channel account in
// response to an inbound channel event.
func (s *Server) handleChannelTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID  string          `json:"channelId"`
		ExternalID string          `json:"externalId"`
		Input      json.RawMessage `json:"input,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t := store.Tenant{ActorUserID: "system:channel"}
	account, err := s.store.FindChannelAccount(r.Context(), t, req.ChannelID, req.ExternalID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if account.WorkflowID == "" {
		s.fail(w, r, apierr.Conflict(apierr.CodeConflict, "the channel account has no workflow bound"))
		return
	}
	t.OrgID = account.OrganizationID
	run, err := s.workflows.StartRun(r.Context(), t, account.OrganizationID, account.WorkflowID, "channel", req.Input, "channel:"+account.ID)
	if s.metrics != nil {
		outcome := "accepted"
		if err != nil {
			outcome = "failed"
			if e, ok := apierr.As(err); ok && e.Code == apierr.CodeQueueUnavailable {
				outcome = "queue_unavailable"
			}
		}
		s.metrics.RunEnqueues.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, run)
}
