package org

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

func seedOrg(t *testing.T, st *store.Memory, role string) (orgID, userID string) {
	t.Helper()
	ctx := context.Background()
	userID = uuid.NewString()
	orgID = uuid.NewString()
	now := time.Now().UTC()
	tn := store.Tenant{ActorUserID: userID}
	require.NoError(t, st.CreateOrganization(ctx, tn, &store.Organization{
		ID: orgID, Slug: "org-" + orgID[:8], Name: "Test org", CreatedAt: now, UpdatedAt: now,
	}, &store.Membership{OrganizationID: orgID, UserID: userID, RoleKey: role, CreatedAt: now}))
	return orgID, userID
}

func TestResolveStrictRequiresHeader(t *testing.T) {
	st := store.NewMemory()
	orgID, userID := seedOrg(t, st, store.RoleMember)
	r := NewResolver(st, ModeStrict)
	w := NewWarnings()

	_, err := r.Resolve(context.Background(), userID, "", orgID, "", w)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, e.Status)
	assert.Equal(t, apierr.CodeOrgContextRequired, e.Code)

	oc, err := r.Resolve(context.Background(), userID, orgID, orgID, "", w)
	require.NoError(t, err)
	assert.Equal(t, orgID, oc.OrganizationID)
	assert.Empty(t, w.Header())
}

func TestResolveWarnModeFallsBackToRoute(t *testing.T) {
	st := store.NewMemory()
	orgID, userID := seedOrg(t, st, store.RoleMember)
	r := NewResolver(st, ModeWarn)

	w := NewWarnings()
	oc, err := r.Resolve(context.Background(), userID, "", orgID, "", w)
	require.NoError(t, err)
	assert.Equal(t, orgID, oc.OrganizationID)
	assert.Equal(t, WarnMissingHeader, w.Header())

	w = NewWarnings()
	oc, err = r.Resolve(context.Background(), userID, "not-a-uuid", orgID, "", w)
	require.NoError(t, err)
	assert.Equal(t, orgID, oc.OrganizationID)
	assert.Equal(t, WarnInvalidHeader, w.Header())

	w = NewWarnings()
	oc, err = r.Resolve(context.Background(), userID, uuid.NewString(), orgID, "", w)
	require.NoError(t, err)
	assert.Equal(t, orgID, oc.OrganizationID, "the route wins on mismatch")
	assert.Equal(t, WarnHeaderRouteMismatch, w.Header())
}

func TestResolveStrictRejectsMismatch(t *testing.T) {
	st := store.NewMemory()
	orgID, userID := seedOrg(t, st, store.RoleMember)
	r := NewResolver(st, ModeStrict)

	_, err := r.Resolve(context.Background(), userID, uuid.NewString(), orgID, "", NewWarnings())
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, e.Status)
	assert.Equal(t, apierr.CodeInvalidOrgContext, e.Code)
}

func TestResolveDeniesNonMembers(t *testing.T) {
	st := store.NewMemory()
	orgID, _ := seedOrg(t, st, store.RoleMember)
	r := NewResolver(st, ModeStrict)

	_, err := r.Resolve(context.Background(), uuid.NewString(), orgID, orgID, "", NewWarnings())
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 403, e.Status)
	assert.Equal(t, apierr.CodeOrgAccessDenied, e.Code)
}

func TestResolveEnforcesMinRole(t *testing.T) {
	st := store.NewMemory()
	orgID, userID := seedOrg(t, st, store.RoleMember)
	r := NewResolver(st, ModeStrict)

	_, err := r.Resolve(context.Background(), userID, orgID, orgID, store.RoleAdmin, NewWarnings())
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 403, e.Status)

	oc, err := r.Resolve(context.Background(), userID, orgID, orgID, store.RoleMember, NewWarnings())
	require.NoError(t, err)
	assert.Equal(t, store.RoleMember, oc.Membership.RoleKey)
}

func TestWarningsDeduplicateAndSort(t *testing.T) {
	w := NewWarnings()
	w.Add(WarnMissingHeader)
	w.Add(WarnMissingHeader)
	w.Add(WarnInvalidHeader)
	assert.Equal(t, WarnInvalidHeader+","+WarnMissingHeader, w.Header())
}

func TestCanGrantRole(t *testing.T) {
	owner := &store.Membership{RoleKey: store.RoleOwner}
	admin := &store.Membership{RoleKey: store.RoleAdmin}
	member := &store.Membership{RoleKey: store.RoleMember}

	assert.True(t, CanGrantRole(owner, store.RoleOwner))
	assert.False(t, CanGrantRole(admin, store.RoleOwner), "only the owner grants ownership")
	assert.True(t, CanGrantRole(admin, store.RoleAdmin))
	assert.True(t, CanGrantRole(admin, store.RoleMember))
	assert.False(t, CanGrantRole(member, store.RoleMember))
}
