// Package catalog is the static registry of connectors, channels, LLM
// providers, and toolset components the control plane recognizes. Defaults
// are compiled in; a YAML file can extend or override them at startup.
package catalog

import (
	"fmt"
	"os"
	"sync"

	yaml "gopkg.in/yaml.v2"
)

// Connector identifies an external system a secret can belong to.
type Connector struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Kind        string   `json:"kind" yaml:"kind"` // api | llm | oauth
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Channel identifies a messaging surface sessions can be reached on.
type Channel struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Transport   string `json:"transport" yaml:"transport"`
}

// Provider contexts.
const (
	ContextSession        = "session"
	ContextWorkflowAgent  = "workflowAgentRun"
	ContextToolsetBuilder = "toolsetBuilder"
)

// API kinds dispatched by the LLM layer.
const (
	APIKindOpenAI    = "openai-compatible"
	APIKindAnthropic = "anthropic-compatible"
	APIKindGoogle    = "google"
	APIKindVertex    = "vertex"
)

// LLMProvider describes one selectable model provider.
type LLMProvider struct {
	ID            string   `json:"id" yaml:"id"`
	Label         string   `json:"label" yaml:"label"`
	APIKind       string   `json:"apiKind" yaml:"apiKind"`
	Contexts      []string `json:"contexts" yaml:"contexts"`
	RequiresOAuth bool     `json:"requiresOAuth" yaml:"requiresOAuth"`
	DefaultModel  string   `json:"defaultModel" yaml:"defaultModel"`
	ConnectorID   string   `json:"connectorId" yaml:"connectorId"`
}

// SupportsContext reports whether the provider is allowed in ctx.
func (p LLMProvider) SupportsContext(ctx string) bool {
	for _, c := range p.Contexts {
		if c == ctx {
			return true
		}
	}
	return false
}

// Component is a rankable toolset building block. MCP components carry a
// server definition the builder may reference by key but never invent.
type Component struct {
	Key         string            `json:"key" yaml:"key"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Kind        string            `json:"kind" yaml:"kind"` // mcp
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Transport   string            `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// Catalog holds the recognized definitions. Lookup methods are safe for
// concurrent use; mutation happens only during construction.
type Catalog struct {
	mu             sync.RWMutex
	connectors     map[string]Connector
	connectorOrder []string
	channels       map[string]Channel
	channelOrder   []string
	providers      map[string]LLMProvider
	providerOrder  []string
	components     map[string]Component
	componentOrder []string
}

type catalogFile struct {
	Connectors []Connector   `yaml:"connectors"`
	Channels   []Channel     `yaml:"channels"`
	Providers  []LLMProvider `yaml:"llmProviders"`
	Components []Component   `yaml:"components"`
}

// New builds a catalog with the compiled-in defaults.
func New() *Catalog {
	c := &Catalog{
		connectors: make(map[string]Connector),
		channels:   make(map[string]Channel),
		providers:  make(map[string]LLMProvider),
		components: make(map[string]Component),
	}
	c.registerDefaults()
	return c
}

// NewFromFile builds the default catalog then merges definitions from a YAML
// file; entries with known ids replace the defaults.
func NewFromFile(path string) (*Catalog, error) {
	c := New()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	for _, conn := range file.Connectors {
		c.addConnector(conn)
	}
	for _, ch := range file.Channels {
		c.addChannel(ch)
	}
	for _, p := range file.Providers {
		c.addProvider(p)
	}
	for _, comp := range file.Components {
		c.addComponent(comp)
	}
	return c, nil
}

func (c *Catalog) addConnector(conn Connector) {
	if _, ok := c.connectors[conn.ID]; !ok {
		c.connectorOrder = append(c.connectorOrder, conn.ID)
	}
	c.connectors[conn.ID] = conn
}

func (c *Catalog) addChannel(ch Channel) {
	if _, ok := c.channels[ch.ID]; !ok {
		c.channelOrder = append(c.channelOrder, ch.ID)
	}
	c.channels[ch.ID] = ch
}

func (c *Catalog) addProvider(p LLMProvider) {
	if _, ok := c.providers[p.ID]; !ok {
		c.providerOrder = append(c.providerOrder, p.ID)
	}
	c.providers[p.ID] = p
}

func (c *Catalog) addComponent(comp Component) {
	if _, ok := c.components[comp.Key]; !ok {
		c.componentOrder = append(c.componentOrder, comp.Key)
	}
	c.components[comp.Key] = comp
}

// Connectors returns all connectors in registration order.
func (c *Catalog) Connectors() []Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connector, 0, len(c.connectorOrder))
	for _, id := range c.connectorOrder {
		out = append(out, c.connectors[id])
	}
	return out
}

// ConnectorExists reports whether id names a recognized connector, including
// the per-provider LLM connector ids.
func (c *Catalog) ConnectorExists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.connectors[id]
	return ok
}

// Channels returns all channels in registration order.
func (c *Catalog) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, 0, len(c.channelOrder))
	for _, id := range c.channelOrder {
		out = append(out, c.channels[id])
	}
	return out
}

// ChannelExists reports whether id names a recognized channel.
func (c *Catalog) ChannelExists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[id]
	return ok
}

// Providers returns LLM providers, optionally filtered to one context.
func (c *Catalog) Providers(context string) []LLMProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LLMProvider, 0, len(c.providerOrder))
	for _, id := range c.providerOrder {
		p := c.providers[id]
		if context == "" || p.SupportsContext(context) {
			out = append(out, p)
		}
	}
	return out
}

// Provider looks up one LLM provider by id.
func (c *Catalog) Provider(id string) (LLMProvider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[id]
	return p, ok
}

// Component looks up one toolset component by key.
func (c *Catalog) Component(key string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[key]
	return comp, ok
}

// Components returns all components in registration order.
func (c *Catalog) Components() []Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Component, 0, len(c.componentOrder))
	for _, key := range c.componentOrder {
		out = append(out, c.components[key])
	}
	return out
}

func (c *Catalog) registerDefaults() {
	for _, conn := range []Connector{
		{ID: "github", Name: "GitHub", Description: "GitHub repositories, issues, and pull requests", Kind: "api", Tags: []string{"code", "vcs"}},
		{ID: "slack", Name: "Slack", Description: "Slack workspaces and messaging", Kind: "api", Tags: []string{"chat"}},
		{ID: "notion", Name: "Notion", Description: "Notion pages and databases", Kind: "api", Tags: []string{"docs"}},
		{ID: "postgres", Name: "PostgreSQL", Description: "PostgreSQL database access", Kind: "api", Tags: []string{"database"}},
		{ID: "stripe", Name: "Stripe", Description: "Stripe payments API", Kind: "api", Tags: []string{"payments"}},
		{ID: "http", Name: "Generic HTTP", Description: "Arbitrary HTTP API credentials", Kind: "api"},
		{ID: "llm.openai", Name: "OpenAI", Description: "OpenAI API key", Kind: "llm"},
		{ID: "llm.anthropic", Name: "Anthropic", Description: "Anthropic API key", Kind: "llm"},
		{ID: "llm.google", Name: "Google AI Studio", Description: "Google AI Studio API key", Kind: "llm"},
		{ID: "llm.vertex", Name: "Vertex AI", Description: "Vertex AI service credentials", Kind: "llm"},
		{ID: "llm.vertex.oauth", Name: "Vertex AI (OAuth)", Description: "Vertex AI user-delegated OAuth credentials", Kind: "oauth"},
		{ID: "llm.google.oauth", Name: "Google AI (OAuth)", Description: "Google AI user-delegated OAuth credentials", Kind: "oauth"},
	} {
		c.addConnector(conn)
	}

	for _, ch := range []Channel{
		{ID: "webchat", Name: "Web Chat", Description: "Embedded web chat widget", Transport: "websocket"},
		{ID: "slack", Name: "Slack", Description: "Slack app channel", Transport: "events-api"},
		{ID: "telegram", Name: "Telegram", Description: "Telegram bot channel", Transport: "webhook"},
		{ID: "email", Name: "Email", Description: "Inbound email channel", Transport: "smtp"},
	} {
		c.addChannel(ch)
	}

	allContexts := []string{ContextSession, ContextWorkflowAgent, ContextToolsetBuilder}
	for _, p := range []LLMProvider{
		{ID: "openai", Label: "OpenAI", APIKind: APIKindOpenAI, Contexts: allContexts, DefaultModel: "gpt-4o-mini", ConnectorID: "llm.openai"},
		{ID: "anthropic", Label: "Anthropic", APIKind: APIKindAnthropic, Contexts: allContexts, DefaultModel: "claude-3-5-sonnet-latest", ConnectorID: "llm.anthropic"},
		{ID: "google", Label: "Google AI Studio", APIKind: APIKindGoogle, Contexts: allContexts, DefaultModel: "gemini-1.5-flash", ConnectorID: "llm.google"},
		{ID: "vertex", Label: "Vertex AI", APIKind: APIKindVertex, Contexts: []string{ContextSession, ContextWorkflowAgent}, RequiresOAuth: true, DefaultModel: "gemini-1.5-pro", ConnectorID: "llm.vertex.oauth"},
	} {
		c.addProvider(p)
	}

	for _, comp := range []Component{
		{Key: "github-mcp", Name: "GitHub MCP", Description: "Browse repositories, manage issues and pull requests on GitHub", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-github"}, Env: map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "${ENV:GITHUB_TOKEN}"}, Transport: "stdio"},
		{Key: "slack-mcp", Name: "Slack MCP", Description: "Read and post Slack messages, manage channels", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-slack"}, Env: map[string]string{"SLACK_BOT_TOKEN": "${ENV:SLACK_BOT_TOKEN}"}, Transport: "stdio"},
		{Key: "filesystem-mcp", Name: "Filesystem MCP", Description: "Read and write files in a sandboxed workspace directory", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-filesystem"}, Transport: "stdio"},
		{Key: "fetch-mcp", Name: "Fetch MCP", Description: "Fetch web pages and convert them to markdown for analysis", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-fetch"}, Transport: "stdio"},
		{Key: "postgres-mcp", Name: "PostgreSQL MCP", Description: "Run read-only SQL queries against a PostgreSQL database", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-postgres"}, Env: map[string]string{"DATABASE_URL": "${ENV:DATABASE_URL}"}, Transport: "stdio"},
		{Key: "notion-mcp", Name: "Notion MCP", Description: "Search and edit Notion pages and databases", Kind: "mcp", Command: "npx", Args: []string{"-y", "@notionhq/notion-mcp-server"}, Env: map[string]string{"NOTION_TOKEN": "${ENV:NOTION_TOKEN}"}, Transport: "stdio"},
		{Key: "memory-mcp", Name: "Memory MCP", Description: "Persistent knowledge graph memory across conversations", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-memory"}, Transport: "stdio"},
		{Key: "puppeteer-mcp", Name: "Puppeteer MCP", Description: "Drive a headless browser for scraping and screenshots", Kind: "mcp", Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-puppeteer"}, Transport: "stdio"},
	} {
		c.addComponent(comp)
	}
}
