// Package builder is the toolset-builder engine: a short conversational
// session that assembles a toolset draft from catalog components and
// LLM-suggested agent skills, then validates and persists it.
package builder

import (
	"regexp"
	"strings"

	"github.com/vespid/control-plane/internal/apierr"
)

// ReservedServerName is claimed by the platform's built-in tool server.
const ReservedServerName = "vespid-tools"

// SkillFormat is the only accepted agent-skill bundle format.
const SkillFormat = "agentskills-v1"

// envPlaceholder is the only syntax allowed for MCP env and header values:
// secrets are referenced, never inlined.
var envPlaceholder = regexp.MustCompile(`^\$\{ENV:[A-Za-z_][A-Za-z0-9_]*\}$`)

// Draft is the finalized toolset definition.
type Draft struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	MCPServers  []MCPServer   `json:"mcpServers,omitempty"`
	AgentSkills []SkillBundle `json:"agentSkills,omitempty"`
}

// MCPServer is one tool server entry. Servers are copied from the catalog by
// component key; the builder never invents them.
type MCPServer struct {
	Name         string            `json:"name"`
	ComponentKey string            `json:"componentKey,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	URL          string            `json:"url,omitempty"`
	Transport    string            `json:"transport,omitempty"`
}

// SkillBundle is a packaged agent skill.
type SkillBundle struct {
	Name   string      `json:"name"`
	Format string      `json:"format"`
	Files  []SkillFile `json:"files"`
}

// SkillFile is one file in a skill bundle. Symlinks are expressed with a
// non-empty Symlink target and are always rejected.
type SkillFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Symlink string `json:"symlink,omitempty"`
}

// ValidateDraft enforces the rules a finalized draft must satisfy: env and
// header values are `${ENV:VAR}` placeholders only, skill bundles declare the
// supported format with a SKILL.md and safe relative paths, the reserved
// server name is refused, and server names are unique.
func ValidateDraft(d *Draft) error {
	seen := make(map[string]bool, len(d.MCPServers))
	for _, srv := range d.MCPServers {
		if srv.Name == "" {
			return apierr.Validation("mcp server name is required")
		}
		if srv.Name == ReservedServerName {
			return apierr.Validation("mcp server name " + ReservedServerName + " is reserved")
		}
		if seen[srv.Name] {
			return apierr.Validation("duplicate mcp server name: " + srv.Name)
		}
		seen[srv.Name] = true
		if err := validatePlaceholders(srv.Name, "env", srv.Env); err != nil {
			return err
		}
		if err := validatePlaceholders(srv.Name, "header", srv.Headers); err != nil {
			return err
		}
	}
	for _, bundle := range d.AgentSkills {
		if err := validateBundle(bundle); err != nil {
			return err
		}
	}
	return nil
}

func validatePlaceholders(server, kind string, values map[string]string) error {
	for key, val := range values {
		if !envPlaceholder.MatchString(val) {
			return apierr.BadRequest(apierr.CodeInvalidPlaceholder,
				"mcp "+kind+" values must use ${ENV:VAR} placeholders").
				WithDetails(map[string]any{"server": server, "key": key})
		}
	}
	return nil
}

func validateBundle(b SkillBundle) error {
	fail := func(msg string) error {
		return apierr.BadRequest(apierr.CodeInvalidSkillBundle, msg).
			WithDetails(map[string]any{"bundle": b.Name})
	}
	if b.Name == "" {
		return fail("skill bundle name is required")
	}
	if b.Format != SkillFormat {
		return fail("skill bundle format must be " + SkillFormat)
	}
	hasManifest := false
	for _, f := range b.Files {
		if f.Symlink != "" {
			return fail("skill bundles cannot contain symlinks")
		}
		if !safeRelativePath(f.Path) {
			return fail("unsafe skill file path: " + f.Path)
		}
		if f.Path == "SKILL.md" {
			hasManifest = true
		}
	}
	if !hasManifest {
		return fail("skill bundle must contain SKILL.md")
	}
	return nil
}

// safeRelativePath rejects traversal, absolute paths, and Windows forms.
func safeRelativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	if len(p) >= 2 && p[1] == ':' {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "" {
			return false
		}
	}
	return true
}
