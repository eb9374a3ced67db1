// Package llm dispatches completion requests to the configured model
// provider. The registry resolves a provider id plus org-level overrides to
// a concrete client by apiKind; credentials arrive as plaintext revealed by
// the vault for the duration of one call.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/catalog"
	"github.com/vespid/control-plane/internal/store"
)

// CallTimeout bounds every provider call.
const CallTimeout = 25 * time.Second

// Message is one turn of conversation context.
type Message struct {
	Role string // user | assistant
	Text string
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	MaxTokens  int
	Credential string // API key, or the vertex secret JSON blob
	BaseURL    string // org override; empty uses the provider default
}

// Client completes a request against one apiKind.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Registry maps apiKinds to clients and validates LLM configs against the
// catalog and org settings.
type Registry struct {
	catalog *catalog.Catalog
	clients map[string]Client
}

// NewRegistry builds the production registry. The vertex client pair is the
// OAuth app the connect flow runs under.
func NewRegistry(cat *catalog.Catalog, openAIBase, anthropicBase, googleBase, vertexClientID, vertexClientSecret string) *Registry {
	return &Registry{
		catalog: cat,
		clients: map[string]Client{
			catalog.APIKindOpenAI:    NewOpenAIClient(openAIBase),
			catalog.APIKindAnthropic: NewAnthropicClient(anthropicBase),
			catalog.APIKindGoogle:    NewGoogleClient(googleBase),
			catalog.APIKindVertex:    NewVertexClient(vertexClientID, vertexClientSecret),
		},
	}
}

// NewRegistryWithClients is the test constructor.
func NewRegistryWithClients(cat *catalog.Catalog, clients map[string]Client) *Registry {
	return &Registry{catalog: cat, clients: clients}
}

// Resolved pairs the validated config with its provider definition.
type Resolved struct {
	Config   store.LLMConfig
	Provider catalog.LLMProvider
	APIKind  string
	BaseURL  string
}

// Validate resolves cfg for llmContext under the caller's role and the org's
// settings. Members must use the org default; if none is set, or the default
// does not support the context, the request fails ORG_DEFAULT_LLM_REQUIRED.
// Providers that require OAuth need a secretId bound to their connector.
func (r *Registry) Validate(settings store.OrgSettings, roleKey string, cfg *store.LLMConfig, llmContext string) (*Resolved, error) {
	if roleKey == store.RoleMember || cfg == nil || cfg.Provider == "" {
		def := settings.DefaultLLM
		if def == nil || def.Provider == "" {
			return nil, apierr.BadRequest(apierr.CodeOrgDefaultLLM, "the organization has no default LLM configured").
				WithDetails(map[string]any{"cause": "missing_default"})
		}
		cfg = def
	}

	p, ok := r.catalog.Provider(cfg.Provider)
	if !ok {
		return nil, apierr.Validation("unknown LLM provider: " + cfg.Provider)
	}
	if !p.SupportsContext(llmContext) {
		if settings.DefaultLLM != nil && cfg.Provider == settings.DefaultLLM.Provider {
			return nil, apierr.BadRequest(apierr.CodeOrgDefaultLLM, "the organization default LLM does not support this context").
				WithDetails(map[string]any{"cause": "default_wrong_context", "provider": cfg.Provider})
		}
		return nil, apierr.Validation("provider " + cfg.Provider + " does not support context " + llmContext)
	}
	if p.RequiresOAuth && cfg.SecretID == "" {
		return nil, apierr.Unprocessable(apierr.CodeLLMSecretRequired, "provider "+cfg.Provider+" requires a connected credential")
	}

	resolved := *cfg
	if resolved.Model == "" {
		resolved.Model = p.DefaultModel
	}

	apiKind := p.APIKind
	baseURL := ""
	if ov, ok := settings.ProviderOverrides[cfg.Provider]; ok {
		if ov.APIKind != "" {
			apiKind = ov.APIKind
		}
		baseURL = ov.BaseURL
	}
	return &Resolved{Config: resolved, Provider: p, APIKind: apiKind, BaseURL: baseURL}, nil
}

// ExpectedConnector returns the connector id a provider's OAuth secret must
// belong to.
func ExpectedConnector(p catalog.LLMProvider) string {
	if p.ConnectorID != "" {
		return p.ConnectorID
	}
	return "llm." + p.ID
}

// Complete dispatches to the client registered for the resolved apiKind.
func (r *Registry) Complete(ctx context.Context, res *Resolved, req Request) (string, error) {
	client, ok := r.clients[res.APIKind]
	if !ok {
		return "", apierr.Unavailable(apierr.CodeLLMUnavailable, "no client for apiKind "+res.APIKind)
	}
	req.Model = res.Config.Model
	req.BaseURL = res.BaseURL
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	text, err := client.Complete(ctx, req)
	if err != nil {
		return "", apierr.Unavailable(apierr.CodeLLMUnavailable, "the model provider is unavailable")
	}
	return strings.TrimSpace(text), nil
}
