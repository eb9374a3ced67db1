package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

type secretRequest struct {
	ConnectorID string `json:"connectorId"`
	Name        string `json:"name"`
	Value       string `json:"value"`
}

// Secret values go in and never come back out through this surface.

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req secretRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		s.fail(w, r, apierr.Validation("value is required"))
		return
	}
	sec, err := s.vault.Create(r.Context(), tenant(ac, oc), oc.OrganizationID, req.ConnectorID, req.Name, []byte(req.Value), ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, sec)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	secrets, next, err := s.vault.List(r.Context(), tenant(ac, oc), oc.OrganizationID, pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"secrets": secrets, "nextCursor": next})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sec, err := s.vault.Get(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["secretId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sec)
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req secretRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		s.fail(w, r, apierr.Validation("value is required"))
		return
	}
	sec, err := s.vault.Rotate(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["secretId"], []byte(req.Value), ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sec)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		s.fail(w, r, apierr.Validation("value is required"))
		return
	}
	sec, err := s.vault.Rotate(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["secretId"], []byte(req.Value), ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sec)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.vault.Delete(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["secretId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}
