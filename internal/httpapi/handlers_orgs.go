package httpapi

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/org"
	"github.com/vespid/control-plane/internal/store"
	"github.com/vespid/control-plane/internal/token"
)

const invitationTTL = 7 * 24 * time.Hour

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "org"
	}
	if len(s) > 48 {
		s = s[:48]
	}
	return s
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Name string `json:"name"`
		Slug string `json:"slug,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.fail(w, r, apierr.Validation("name is required"))
		return
	}
	slug := req.Slug
	if slug == "" {
		slug = slugify(req.Name)
	} else if slug != slugify(slug) {
		s.fail(w, r, apierr.Validation("slug must be lowercase letters, digits and dashes"))
		return
	}

	now := time.Now().UTC()
	o := &store.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	owner := &store.Membership{
		OrganizationID: o.ID,
		UserID:         ac.User.ID,
		RoleKey:        store.RoleOwner,
		CreatedAt:      now,
	}
	t := tenantForUser(ac)
	if err := s.store.CreateOrganization(r.Context(), t, o, owner); err != nil {
		// Slug collision with another org: disambiguate once.
		if errors.Is(err, store.ErrAlreadyExists) && req.Slug == "" {
			o.Slug = slug + "-" + strings.Split(o.ID, "-")[0]
			err = s.store.CreateOrganization(r.Context(), t, o, owner)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.respond(w, http.StatusCreated, o)
}

func (s *Server) handleListMyOrgs(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	orgs, err := s.store.ListOrganizationsForUser(r.Context(), tenantForUser(ac), ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"organizations": orgs})
}

// ============================================================================
// INVITATIONS AND MEMBERSHIP
// ============================================================================

func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Email   string `json:"email"`
		RoleKey string `json:"roleKey"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		s.fail(w, r, apierr.Validation("a valid email is required"))
		return
	}
	if req.RoleKey == "" {
		req.RoleKey = store.RoleMember
	}
	if _, ok := store.RoleRank[req.RoleKey]; !ok {
		s.fail(w, r, apierr.Validation("unknown role"))
		return
	}
	if !org.CanGrantRole(oc.Membership, req.RoleKey) {
		s.fail(w, r, apierr.Forbidden("you cannot grant this role"))
		return
	}

	// The token's first segment is the organization id, so an invite link
	// identifies its org before any lookup.
	raw, err := token.NewSegmented(oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := time.Now().UTC()
	inv := &store.Invitation{
		ID:              uuid.NewString(),
		OrganizationID:  oc.OrganizationID,
		EmailLower:      email,
		RoleKey:         req.RoleKey,
		InvitedByUserID: ac.User.ID,
		Token:           cryptoutil.SHA256Hex([]byte(raw)),
		Status:          store.InvitationPending,
		ExpiresAt:       now.Add(invitationTTL),
		CreatedAt:       now,
	}
	if err := s.store.CreateInvitation(r.Context(), tenant(ac, oc), inv); err != nil {
		s.fail(w, r, err)
		return
	}
	// The raw token is shown exactly once, at creation.
	s.respond(w, http.StatusCreated, map[string]any{"invitation": inv, "token": raw})
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	ac, err := s.authCtx(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	raw := mux.Vars(r)["token"]
	t := tenantForUser(ac)
	inv, err := s.store.GetInvitationByToken(r.Context(), t, cryptoutil.SHA256Hex([]byte(raw)))
	if err != nil {
		s.fail(w, r, apierr.NotFound(apierr.CodeNotFound, "invitation not found"))
		return
	}
	now := time.Now().UTC()
	// Replaying an accept is idempotent for the user who consumed the
	// invitation: they get their existing membership back.
	if inv.Status == store.InvitationAccepted && inv.AcceptedByUserID == ac.User.ID {
		m, err := s.store.GetMembership(r.Context(), t, inv.OrganizationID, ac.User.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"organizationId": m.OrganizationID, "roleKey": m.RoleKey})
		return
	}
	if inv.Status != store.InvitationPending || now.After(inv.ExpiresAt) {
		s.fail(w, r, apierr.Conflict(apierr.CodeConflict, "invitation is no longer valid"))
		return
	}
	if inv.EmailLower != ac.User.EmailLower {
		s.fail(w, r, apierr.Forbidden("this invitation was issued to a different email"))
		return
	}
	m := &store.Membership{
		OrganizationID: inv.OrganizationID,
		UserID:         ac.User.ID,
		RoleKey:        inv.RoleKey,
		CreatedAt:      now,
	}
	if err := s.store.CreateMembership(r.Context(), t, m); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		s.fail(w, r, err)
		return
	}
	if err := s.store.MarkInvitationAccepted(r.Context(), t, inv.ID, ac.User.ID, now); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"organizationId": inv.OrganizationID, "roleKey": inv.RoleKey})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	members, err := s.store.ListMembers(r.Context(), tenant(ac, oc), oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		RoleKey string `json:"roleKey"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := store.RoleRank[req.RoleKey]; !ok {
		s.fail(w, r, apierr.Validation("unknown role"))
		return
	}
	if !org.CanGrantRole(oc.Membership, req.RoleKey) {
		s.fail(w, r, apierr.Forbidden("you cannot grant this role"))
		return
	}
	memberID := mux.Vars(r)["memberId"]
	target, err := s.store.GetMembership(r.Context(), tenant(ac, oc), oc.OrganizationID, memberID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Demoting the last owner would orphan the org.
	if target.RoleKey == store.RoleOwner && req.RoleKey != store.RoleOwner {
		members, err := s.store.ListMembers(r.Context(), tenant(ac, oc), oc.OrganizationID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		owners := 0
		for _, m := range members {
			if m.RoleKey == store.RoleOwner {
				owners++
			}
		}
		if owners <= 1 {
			s.fail(w, r, apierr.Conflict(apierr.CodeConflict, "an organization must keep at least one owner"))
			return
		}
	}
	updated, err := s.store.UpdateMembershipRole(r.Context(), tenant(ac, oc), oc.OrganizationID, memberID, req.RoleKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

// ============================================================================
// SETTINGS
// ============================================================================

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.store.GetOrganization(r.Context(), tenant(ac, oc), oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, o.Settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleAdmin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var settings store.OrgSettings
	if err := decode(r, &settings); err != nil {
		s.fail(w, r, err)
		return
	}
	if settings.DefaultLLM != nil {
		if _, ok := s.catalog.Provider(settings.DefaultLLM.Provider); !ok {
			s.fail(w, r, apierr.Validation("unknown default LLM provider"))
			return
		}
	}
	for key := range settings.ProviderOverrides {
		if _, ok := s.catalog.Provider(key); !ok {
			s.fail(w, r, apierr.Validation("unknown provider in overrides: "+key))
			return
		}
	}
	o, err := s.store.UpdateOrganizationSettings(r.Context(), tenant(ac, oc), oc.OrganizationID, settings, time.Now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, o.Settings)
}
