package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

type toolsetRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	Visibility  string          `json:"visibility,omitempty"`
}

func validVisibility(v string) bool {
	switch v {
	case store.VisibilityPrivate, store.VisibilityOrg:
		return true
	}
	// Public is only reached through the publish flow.
	return false
}

func (s *Server) handleCreateToolset(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req toolsetRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.fail(w, r, apierr.Validation("name is required"))
		return
	}
	if req.Visibility == "" {
		req.Visibility = store.VisibilityPrivate
	}
	if !validVisibility(req.Visibility) {
		s.fail(w, r, apierr.Validation("visibility must be private or org"))
		return
	}
	now := time.Now().UTC()
	ts := &store.Toolset{
		ID:             uuid.NewString(),
		OrganizationID: oc.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Definition:     req.Definition,
		Visibility:     req.Visibility,
		CreatedBy:      ac.User.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateToolset(r.Context(), tenant(ac, oc), ts); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, ts)
}

func (s *Server) handleListToolsets(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	toolsets, next, err := s.store.ListToolsets(r.Context(), tenant(ac, oc), oc.OrganizationID, pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"toolsets": toolsets, "nextCursor": next})
}

func (s *Server) handleGetToolset(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ts, err := s.store.GetToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["toolsetId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, ts)
}

func (s *Server) handleUpdateToolset(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ts, err := s.store.GetToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["toolsetId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req toolsetRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Name != "" {
		ts.Name = req.Name
	}
	if req.Description != "" {
		ts.Description = req.Description
	}
	if len(req.Definition) > 0 {
		ts.Definition = req.Definition
	}
	if req.Visibility != "" {
		if !validVisibility(req.Visibility) {
			s.fail(w, r, apierr.Validation("visibility must be private or org"))
			return
		}
		if ts.Visibility == store.VisibilityPublic {
			s.fail(w, r, apierr.Conflict(apierr.CodeConflict, "unpublish the toolset before changing its visibility"))
			return
		}
		ts.Visibility = req.Visibility
	}
	ts.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateToolset(r.Context(), tenant(ac, oc), ts); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, ts)
}

func (s *Server) handleDeleteToolset(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["toolsetId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePublishToolset(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		PublicSlug string `json:"publicSlug"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	slug := req.PublicSlug
	if slug == "" {
		ts, err := s.store.GetToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["toolsetId"])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		slug = slugify(ts.Name)
	} else if slug != slugify(slug) {
		s.fail(w, r, apierr.Validation("publicSlug must be lowercase letters, digits and dashes"))
		return
	}
	ts, err := s.store.PublishToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["toolsetId"], slug, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.fail(w, r, apierr.Conflict(apierr.CodePublicSlugConflict, "the public slug is already taken"))
			return
		}
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, ts)
}

func (s *Server) handleUnpublishToolset(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// The restored visibility is the caller's choice; private when the body
	// is absent or silent.
	var req struct {
		Visibility string `json:"visibility,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.Visibility == "" {
		req.Visibility = store.VisibilityPrivate
	}
	if !validVisibility(req.Visibility) {
		s.fail(w, r, apierr.Validation("visibility must be private or org"))
		return
	}
	ts, err := s.store.UnpublishToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["toolsetId"], req.Visibility, time.Now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, ts)
}

// handleGallery lists publicly published toolsets across organizations.
func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	toolsets, next, err := s.store.ListPublicToolsets(r.Context(), tenantForUser(ac), pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"toolsets": toolsets, "nextCursor": next})
}
