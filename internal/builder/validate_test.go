package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/control-plane/internal/apierr"
)

func validDraft() *Draft {
	return &Draft{
		Name: "release-helper",
		MCPServers: []MCPServer{
			{Name: "github-mcp", Command: "npx", Env: map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "${ENV:GITHUB_TOKEN}"}},
		},
		AgentSkills: []SkillBundle{
			{Name: "triage", Format: SkillFormat, Files: []SkillFile{
				{Path: "SKILL.md", Content: "# triage"},
				{Path: "scripts/run.sh", Content: "echo ok"},
			}},
		},
	}
}

func TestValidateDraftAccepts(t *testing.T) {
	assert.NoError(t, ValidateDraft(validDraft()))
}

func TestValidateDraftPlaceholders(t *testing.T) {
	cases := map[string]string{
		"literal secret":    "ghp_abc123",
		"embedded":          "token=${ENV:TOKEN}",
		"wrong sigil":       "$ENV:TOKEN",
		"empty":             "",
		"shell expansion":   "$(cat /etc/passwd)",
		"lowercase no-name": "${ENV:}",
	}
	for name, val := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDraft()
			d.MCPServers[0].Env = map[string]string{"KEY": val}
			err := ValidateDraft(d)
			require.Error(t, err)
			e, ok := apierr.As(err)
			require.True(t, ok)
			assert.Equal(t, apierr.CodeInvalidPlaceholder, e.Code)
			assert.Equal(t, 400, e.Status)
		})
	}

	d := validDraft()
	d.MCPServers[0].Headers = map[string]string{"Authorization": "Bearer abc"}
	err := ValidateDraft(d)
	require.Error(t, err)
	e, _ := apierr.As(err)
	assert.Equal(t, apierr.CodeInvalidPlaceholder, e.Code)
	assert.Equal(t, 400, e.Status)
}

func TestValidateDraftServerNames(t *testing.T) {
	d := validDraft()
	d.MCPServers = append(d.MCPServers, MCPServer{Name: ReservedServerName})
	assert.Error(t, ValidateDraft(d))

	d = validDraft()
	d.MCPServers = append(d.MCPServers, MCPServer{Name: "github-mcp"})
	err := ValidateDraft(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateDraftSkillBundles(t *testing.T) {
	type tc struct {
		mutate func(*Draft)
	}
	cases := map[string]tc{
		"wrong format": {func(d *Draft) { d.AgentSkills[0].Format = "v2" }},
		"no manifest":  {func(d *Draft) { d.AgentSkills[0].Files = d.AgentSkills[0].Files[1:] }},
		"traversal":    {func(d *Draft) { d.AgentSkills[0].Files[1].Path = "../escape.sh" }},
		"absolute":     {func(d *Draft) { d.AgentSkills[0].Files[1].Path = "/etc/hosts" }},
		"windows":      {func(d *Draft) { d.AgentSkills[0].Files[1].Path = `C:\tools\x` }},
		"symlink":      {func(d *Draft) { d.AgentSkills[0].Files[1].Symlink = "/tmp/target" }},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDraft()
			c.mutate(d)
			err := ValidateDraft(d)
			require.Error(t, err)
			e, ok := apierr.As(err)
			require.True(t, ok)
			assert.Equal(t, apierr.CodeInvalidSkillBundle, e.Code)
			assert.Equal(t, 400, e.Status)
		})
	}
}

func TestSafeRelativePath(t *testing.T) {
	assert.True(t, safeRelativePath("SKILL.md"))
	assert.True(t, safeRelativePath("nested/dir/file.txt"))
	assert.False(t, safeRelativePath(""))
	assert.False(t, safeRelativePath("a//b"))
	assert.False(t, safeRelativePath("dir/../file"))
	assert.False(t, safeRelativePath("D:stuff"))
}
