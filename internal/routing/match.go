// Package routing resolves which agent handles a new session. Bindings are
// dimensioned rules; resolution filters the org's bindings against the
// request context and ranks the survivors deterministically.
package routing

import (
	"sort"

	"github.com/vespid/control-plane/internal/store"
)

// Request is the context a session is created in.
type Request struct {
	OrganizationID string
	ActorUserID    string
	RoleKey        string
	Scope          string
	Peer           string
	Team           string
	Account        string
	Channel        string
}

var dimensionRank = func() map[string]int {
	m := make(map[string]int, len(store.BindingDimensionOrder))
	for i, d := range store.BindingDimensionOrder {
		m[d] = i
	}
	return m
}()

// matches reports whether b applies to req. parent_peer is reserved and
// never matches.
func matches(b *store.AgentBinding, req Request) bool {
	switch b.Dimension {
	case "peer":
		return b.Match.Peer != "" && b.Match.Peer == req.Peer
	case "parent_peer":
		return false
	case "org_roles":
		for _, role := range b.Match.OrgRoles {
			if role == req.RoleKey {
				return true
			}
		}
		return false
	case "organization":
		return b.Match.OrganizationID == "" || b.Match.OrganizationID == req.OrganizationID
	case "team":
		return b.Match.Team != "" && b.Match.Team == req.Team
	case "account":
		return b.Match.Account != "" && b.Match.Account == req.Account
	case "channel":
		return b.Match.Channel != "" && b.Match.Channel == req.Channel
	case "default":
		return true
	default:
		return false
	}
}

// Resolve picks the winning binding: filter by dimension match, then rank by
// dimension order (lowest index first), priority descending, id ascending.
// Returns nil when nothing matches.
func Resolve(bindings []*store.AgentBinding, req Request) *store.AgentBinding {
	matched := make([]*store.AgentBinding, 0, len(bindings))
	for _, b := range bindings {
		if _, known := dimensionRank[b.Dimension]; !known {
			continue
		}
		if matches(b, req) {
			matched = append(matched, b)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		di, dj := dimensionRank[matched[i].Dimension], dimensionRank[matched[j].Dimension]
		if di != dj {
			return di < dj
		}
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched[0]
}
