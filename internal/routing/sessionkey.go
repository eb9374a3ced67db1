package routing

import (
	"strings"
)

// Session scopes.
const (
	ScopeMain               = "main"
	ScopePerPeer            = "per-peer"
	ScopePerChannelPeer     = "per-channel-peer"
	ScopePerAccountChanPeer = "per-account-channel-peer"
)

const normFallback = "unknown"

// Norm lowercases x and collapses every run of characters outside
// [a-z0-9._-] into a single dash. An empty result falls back to "unknown".
func Norm(x string) string {
	x = strings.ToLower(x)
	var b strings.Builder
	b.Grow(len(x))
	lastDash := false
	for _, r := range x {
		ok := r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
		if ok {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := b.String()
	if out == "" {
		return normFallback
	}
	return out
}

// peerIdentity picks the peer segment source: explicit peer, else the actor.
func peerIdentity(req Request) string {
	if req.Peer != "" {
		return req.Peer
	}
	return req.ActorUserID
}

// SessionKey derives the deterministic key that groups messages of the same
// logical conversation. The base names the routed agent, org, and scope;
// narrower scopes append their discriminating segments.
func SessionKey(routedAgentID string, req Request) string {
	agent := routedAgentID
	if agent == "" {
		agent = "main"
	}
	var b strings.Builder
	b.WriteString("agent:")
	b.WriteString(Norm(agent))
	b.WriteString(":org:")
	b.WriteString(Norm(req.OrganizationID))
	b.WriteString(":scope:")
	b.WriteString(Norm(req.Scope))

	switch req.Scope {
	case ScopePerPeer:
		b.WriteString(":peer:")
		b.WriteString(Norm(peerIdentity(req)))
	case ScopePerChannelPeer:
		b.WriteString(":channel:")
		b.WriteString(Norm(req.Channel))
		b.WriteString(":peer:")
		b.WriteString(Norm(peerIdentity(req)))
	case ScopePerAccountChanPeer:
		b.WriteString(":account:")
		b.WriteString(Norm(req.Account))
		b.WriteString(":channel:")
		b.WriteString(Norm(req.Channel))
		b.WriteString(":peer:")
		b.WriteString(Norm(peerIdentity(req)))
	}
	return b.String()
}
