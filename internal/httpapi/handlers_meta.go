package httpapi

import (
	"net/http"

	"github.com/vespid/control-plane/internal/catalog"
)

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"version":       "v1",
		"orgHeaderMode": s.orgs.Mode(),
		"connectors":    len(s.catalog.Connectors()),
		"channels":      len(s.catalog.Channels()),
		"llmProviders":  len(s.catalog.Providers("")),
	})
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"connectors": s.catalog.Connectors()})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"channels": s.catalog.Channels()})
}

// handleLLMProviders lists providers, optionally filtered to a usage context
// (session, workflowAgentRun, toolsetBuilder).
func (s *Server) handleLLMProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.URL.Query().Get("context")
	switch ctx {
	case "", catalog.ContextSession, catalog.ContextWorkflowAgent, catalog.ContextToolsetBuilder:
	default:
		s.respond(w, http.StatusOK, map[string]any{"providers": []any{}})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"providers": s.catalog.Providers(ctx)})
}
