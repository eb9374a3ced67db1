// Package org resolves and enforces the organization context of a request:
// X-Org-Id validation, route consistency, membership lookup, and role gates.
package org

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

// Enforcement modes.
const (
	ModeStrict = "strict"
	ModeWarn   = "warn"
)

// Warning codes surfaced in the x-org-context-warning header (warn mode).
const (
	WarnMissingHeader = "ORG_HEADER_MISSING"
	WarnInvalidHeader = "ORG_HEADER_INVALID"
	WarnHeaderRouteMismatch = "ORG_HEADER_ROUTE_MISMATCH"
)

// HeaderOrgID is the request header carrying the organization context.
const HeaderOrgID = "X-Org-Id"

// Context is a validated organization context.
type Context struct {
	OrganizationID string
	Membership     *store.Membership
}

// Warnings accumulates de-duplicated warning codes for one request.
type Warnings struct {
	mu    sync.Mutex
	codes []string
	seen  map[string]bool
}

// NewWarnings creates an empty accumulator.
func NewWarnings() *Warnings {
	return &Warnings{seen: make(map[string]bool)}
}

// Add records a code once.
func (w *Warnings) Add(code string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.seen[code] {
		w.seen[code] = true
		w.codes = append(w.codes, code)
	}
}

// Header renders the comma-separated, sorted header value, or "" when empty.
func (w *Warnings) Header() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.codes) == 0 {
		return ""
	}
	codes := make([]string, len(w.codes))
	copy(codes, w.codes)
	sort.Strings(codes)
	return strings.Join(codes, ",")
}

// Resolver validates org contexts against the store.
type Resolver struct {
	store store.Store
	mode  string
}

// NewResolver builds a resolver in the given enforcement mode.
func NewResolver(st store.Store, mode string) *Resolver {
	if mode != ModeWarn {
		mode = ModeStrict
	}
	return &Resolver{store: st, mode: mode}
}

// Mode returns the enforcement mode.
func (r *Resolver) Mode() string { return r.mode }

// Resolve validates the header against the route org id, loads the caller's
// membership, and enforces minRole (empty skips the gate). No org-scoped
// store call happens before the membership check passes.
func (r *Resolver) Resolve(ctx context.Context, actorUserID, headerOrgID, routeOrgID, minRole string, warnings *Warnings) (*Context, error) {
	orgID, err := r.effectiveOrgID(headerOrgID, routeOrgID, warnings)
	if err != nil {
		return nil, err
	}

	m, err := r.store.GetMembership(ctx, store.Tenant{ActorUserID: actorUserID}, orgID, actorUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(403, apierr.CodeOrgAccessDenied, "you are not a member of this organization")
		}
		return nil, err
	}

	if minRole != "" && store.RoleRank[m.RoleKey] < store.RoleRank[minRole] {
		return nil, apierr.Forbidden("this action requires the " + minRole + " role")
	}

	return &Context{OrganizationID: orgID, Membership: m}, nil
}

func (r *Resolver) effectiveOrgID(headerOrgID, routeOrgID string, warnings *Warnings) (string, error) {
	headerOrgID = strings.TrimSpace(headerOrgID)

	if headerOrgID == "" {
		if r.mode == ModeStrict {
			return "", apierr.BadRequest(apierr.CodeOrgContextRequired, "the X-Org-Id header is required")
		}
		warnings.Add(WarnMissingHeader)
		return routeOrgID, nil
	}

	if _, err := uuid.Parse(headerOrgID); err != nil {
		if r.mode == ModeStrict {
			return "", apierr.BadRequest(apierr.CodeInvalidOrgContext, "the X-Org-Id header is not a valid UUID")
		}
		warnings.Add(WarnInvalidHeader)
		return routeOrgID, nil
	}

	if routeOrgID != "" && headerOrgID != routeOrgID {
		if r.mode == ModeStrict {
			return "", apierr.BadRequest(apierr.CodeInvalidOrgContext, "the X-Org-Id header does not match the route organization")
		}
		warnings.Add(WarnHeaderRouteMismatch)
		return routeOrgID, nil
	}

	return headerOrgID, nil
}

// CanGrantRole enforces the owner-assignment rule: only the current owner
// may grant the owner role.
func CanGrantRole(granter *store.Membership, newRole string) bool {
	if newRole == store.RoleOwner {
		return granter.RoleKey == store.RoleOwner
	}
	return store.RoleRank[granter.RoleKey] >= store.RoleRank[store.RoleAdmin]
}
