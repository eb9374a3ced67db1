package httpapi

import (
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

const pairingTokenTTL = 15 * time.Minute

func (s *Server) handleCreatePairingToken(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		ExecutorName string `json:"executorName"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ExecutorName) == "" {
		s.fail(w, r, apierr.Validation("executorName is required"))
		return
	}
	id := uuid.NewString()
	raw, err := token.NewSegmented(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_, secret, err := token.ParseSegmented(raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := time.Now().UTC()
	pt := &store.PairingToken{
		ID:             id,
		OrganizationID: oc.OrganizationID,
		ExecutorName:   req.ExecutorName,
		SecretHash:     cryptoutil.SHA256Hex([]byte(secret)),
		ExpiresAt:      now.Add(pairingTokenTTL),
		CreatedBy:      ac.User.ID,
		CreatedAt:      now,
	}
	if err := s.store.CreatePairingToken(r.Context(), tenant(ac, oc), pt); err != nil {
		s.fail(w, r, err)
		return
	}
	// The pairing token is one-shot and shown exactly once.
	s.respond(w, http.StatusCreated, map[string]any{"pairingToken": raw, "expiresAt": pt.ExpiresAt})
}

// handlePairExecutor exchanges a one-shot pairing token for a long-lived
// executor credential. No user session is required; the token is the proof.
func (s *Server) handlePairExecutor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PairingToken string `json:"pairingToken"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, secret, err := token.ParseSegmented(req.PairingToken)
	if err != nil {
		s.fail(w, r, apierr.New(http.StatusUnauthorized, apierr.CodePairingTokenInvalid, "the pairing token is invalid or expired"))
		return
	}
	t := store.Tenant{ActorUserID: "system:pairing"}
	pt, err := s.store.ConsumePairingToken(r.Context(), t, id, cryptoutil.SHA256Hex([]byte(secret)), time.Now().UTC())
	if err != nil {
		s.fail(w, r, apierr.New(http.StatusUnauthorized, apierr.CodePairingTokenInvalid, "the pairing token is invalid or expired"))
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
		OrganizationID: pt.OrganizationID,
		Name:           pt.ExecutorName,
		Kind:           store.ExecutorPaired,
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

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	executors, err := s.store.ListExecutors(r.Context(), tenant(ac, oc), oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"executors": executors})
}

// handleRevokeExecutor is idempotent: revoking an already-revoked executor
// reports revoked=false without error.
func (s *Server) handleRevokeExecutor(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	revoked, err := s.store.RevokeExecutor(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["executorId"], time.Now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"ok": true, "revoked": revoked})
}
