package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsRegistered(t *testing.T) {
	c := New()

	assert.True(t, c.ConnectorExists("github"))
	assert.True(t, c.ConnectorExists("llm.openai"))
	assert.True(t, c.ConnectorExists("llm.vertex.oauth"))
	assert.False(t, c.ConnectorExists("does-not-exist"))

	assert.True(t, c.ChannelExists("slack"))
	assert.True(t, c.ChannelExists("webchat"))

	_, ok := c.Provider("anthropic")
	assert.True(t, ok)
	_, ok = c.Component("github-mcp")
	assert.True(t, ok)
}

func TestProvidersFilterByContext(t *testing.T) {
	c := New()

	builder := c.Providers(ContextToolsetBuilder)
	for _, p := range builder {
		assert.True(t, p.SupportsContext(ContextToolsetBuilder), "provider %s", p.ID)
	}
	// vertex is session/workflow only
	for _, p := range builder {
		assert.NotEqual(t, "vertex", p.ID)
	}

	all := c.Providers("")
	assert.Greater(t, len(all), len(builder))
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"plain words", "post to Slack", []string{"post", "to", "slack"}},
		{"drops short tokens", "a GitHub PR", []string{"github", "pr"}},
		{"splits punctuation", "read/write files; no-limits", []string{"read", "write", "files", "no", "limits"}},
		{"empty", "  --  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.query)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenizeCapsAtTwenty(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += " token" + string(rune('a'+i))
	}
	assert.Len(t, Tokenize(long), 20)
}

func TestRankScoresAndOrders(t *testing.T) {
	c := New()

	ranked := c.Rank("github pull requests", 5)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "github-mcp", ranked[0].Component.Key)
	assert.Greater(t, ranked[0].Score, 0)

	// Scores are non-increasing; ties break by key ascending.
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score == ranked[i-1].Score {
			assert.Less(t, ranked[i-1].Component.Key, ranked[i].Component.Key)
		} else {
			assert.Less(t, ranked[i].Score, ranked[i-1].Score)
		}
	}
}

func TestRankEmptyQueryKeepsRegistrationOrder(t *testing.T) {
	c := New()

	ranked := c.Rank("", 3)
	require.Len(t, ranked, 3)
	all := c.Components()
	for i := range ranked {
		assert.Equal(t, all[i].Key, ranked[i].Component.Key)
		assert.Zero(t, ranked[i].Score)
	}
}

func TestRankDefaultLimit(t *testing.T) {
	c := New()
	ranked := c.Rank("anything at all", 0)
	assert.LessOrEqual(t, len(ranked), defaultRankLimit)
}
