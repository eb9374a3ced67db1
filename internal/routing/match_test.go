package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/store"
)

func binding(id, dimension string, priority int, match store.BindingMatch) *store.AgentBinding {
	return &store.AgentBinding{ID: id, AgentID: "agent-" + id, Dimension: dimension, Priority: priority, Match: match}
}

func TestResolveDimensionOrderBeatsPriority(t *testing.T) {
	req := Request{OrganizationID: "org1", RoleKey: store.RoleAdmin, Peer: "u1"}
	got := Resolve([]*store.AgentBinding{
		binding("a", "default", 100, store.BindingMatch{}),
		binding("b", "org_roles", 50, store.BindingMatch{OrgRoles: []string{store.RoleAdmin}}),
		binding("c", "peer", 0, store.BindingMatch{Peer: "u1"}),
	}, req)
	require.NotNil(t, got)
	assert.Equal(t, "c", got.ID, "peer dimension outranks any priority")
}

func TestResolvePriorityThenID(t *testing.T) {
	req := Request{OrganizationID: "org1"}
	got := Resolve([]*store.AgentBinding{
		binding("z", "default", 5, store.BindingMatch{}),
		binding("a", "default", 5, store.BindingMatch{}),
		binding("m", "default", 9, store.BindingMatch{}),
	}, req)
	require.NotNil(t, got)
	assert.Equal(t, "m", got.ID)

	got = Resolve([]*store.AgentBinding{
		binding("z", "default", 5, store.BindingMatch{}),
		binding("a", "default", 5, store.BindingMatch{}),
	}, req)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID, "ties break on id ascending")
}

func TestResolveParentPeerNeverMatches(t *testing.T) {
	req := Request{OrganizationID: "org1", Peer: "u1"}
	got := Resolve([]*store.AgentBinding{
		binding("p", "parent_peer", 99, store.BindingMatch{Peer: "u1"}),
	}, req)
	assert.Nil(t, got)
}

func TestResolveOrganizationMatch(t *testing.T) {
	req := Request{OrganizationID: "org1"}
	assert.NotNil(t, Resolve([]*store.AgentBinding{
		binding("a", "organization", 0, store.BindingMatch{}),
	}, req), "absent organizationId matches the current org")
	assert.Nil(t, Resolve([]*store.AgentBinding{
		binding("a", "organization", 0, store.BindingMatch{OrganizationID: "other"}),
	}, req))
}

func TestResolveNoMatch(t *testing.T) {
	got := Resolve([]*store.AgentBinding{
		binding("a", "peer", 9, store.BindingMatch{Peer: "someone-else"}),
	}, Request{Peer: "u1"})
	assert.Nil(t, got)
}

func TestNorm(t *testing.T) {
	cases := map[string]string{
		"Hello World":  "hello-world",
		"a__b.c-d":     "a__b.c-d",
		"ORG 42!!x":    "org-42-x",
		"":             "unknown",
		"@@@":          "-",
		"user@ex.com":  "user-ex.com",
		"Ünïcode Name": "-n-code-name",
	}
	for in, want := range cases {
		assert.Equal(t, want, Norm(in), "norm(%q)", in)
	}
}

func TestSessionKeyScopes(t *testing.T) {
	req := Request{
		OrganizationID: "Org1",
		ActorUserID:    "actor",
		Channel:        "slack",
		Account:        "acct",
	}

	req.Scope = ScopeMain
	assert.Equal(t, "agent:main:org:org1:scope:main", SessionKey("", req))

	req.Scope = ScopePerPeer
	assert.Equal(t, "agent:bot:org:org1:scope:per-peer:peer:actor", SessionKey("Bot", req))

	req.Peer = "U9"
	req.Scope = ScopePerChannelPeer
	assert.Equal(t, "agent:bot:org:org1:scope:per-channel-peer:channel:slack:peer:u9", SessionKey("Bot", req))

	req.Scope = ScopePerAccountChanPeer
	assert.Equal(t, "agent:bot:org:org1:scope:per-account-channel-peer:account:acct:channel:slack:peer:u9", SessionKey("Bot", req))
}
