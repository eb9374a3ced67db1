package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

type agentRequest struct {
	Name      string              `json:"name"`
	EngineID  string              `json:"engineId,omitempty"`
	LLM       store.LLMConfig     `json:"llm"`
	Prompt    store.SessionPrompt `json:"prompt"`
	ToolsetID string              `json:"toolsetId,omitempty"`
	Status    string              `json:"status,omitempty"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req agentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.fail(w, r, apierr.Validation("name is required"))
		return
	}
	if req.LLM.Provider != "" {
		if _, ok := s.catalog.Provider(req.LLM.Provider); !ok {
			s.fail(w, r, apierr.Validation("unknown LLM provider"))
			return
		}
	}
	if req.ToolsetID != "" {
		if _, err := s.store.GetToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, req.ToolsetID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	now := time.Now().UTC()
	a := &store.Agent{
		ID:             uuid.NewString(),
		OrganizationID: oc.OrganizationID,
		Name:           req.Name,
		EngineID:       req.EngineID,
		LLM:            req.LLM,
		Prompt:         req.Prompt,
		ToolsetID:      req.ToolsetID,
		Status:         "active",
		CreatedBy:      ac.User.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if a.EngineID == "" {
		a.EngineID = "default"
	}
	if err := s.store.CreateAgent(r.Context(), tenant(ac, oc), a); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	agents, next, err := s.store.ListAgents(r.Context(), tenant(ac, oc), oc.OrganizationID, pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"agents": agents, "nextCursor": next})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.store.GetAgent(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["agentId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.store.GetAgent(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["agentId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req agentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Name != "" {
		a.Name = req.Name
	}
	if req.EngineID != "" {
		a.EngineID = req.EngineID
	}
	if req.LLM.Provider != "" {
		if _, ok := s.catalog.Provider(req.LLM.Provider); !ok {
			s.fail(w, r, apierr.Validation("unknown LLM provider"))
			return
		}
		a.LLM = req.LLM
	}
	if req.Prompt.System != "" || req.Prompt.Instructions != "" {
		a.Prompt = req.Prompt
	}
	if req.ToolsetID != "" {
		if _, err := s.store.GetToolset(r.Context(), tenant(ac, oc), oc.OrganizationID, req.ToolsetID); err != nil {
			s.fail(w, r, err)
			return
		}
		a.ToolsetID = req.ToolsetID
	}
	if req.Status != "" {
		a.Status = req.Status
	}
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(r.Context(), tenant(ac, oc), a); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteAgent(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["agentId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// ============================================================================
// BINDINGS
// ============================================================================

func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		AgentID   string             `json:"agentId"`
		Priority  int                `json:"priority"`
		Dimension string             `json:"dimension"`
		Match     store.BindingMatch `json:"match"`
		Metadata  json.RawMessage    `json:"metadata,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	valid := false
	for _, d := range store.BindingDimensionOrder {
		if d == req.Dimension {
			valid = true
			break
		}
	}
	if !valid {
		s.fail(w, r, apierr.Validation("unknown binding dimension"))
		return
	}
	if _, err := s.store.GetAgent(r.Context(), tenant(ac, oc), oc.OrganizationID, req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	b := &store.AgentBinding{
		ID:             uuid.NewString(),
		OrganizationID: oc.OrganizationID,
		AgentID:        req.AgentID,
		Priority:       req.Priority,
		Dimension:      req.Dimension,
		Match:          req.Match,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateBinding(r.Context(), tenant(ac, oc), b); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, b)
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	bindings, err := s.store.ListBindings(r.Context(), tenant(ac, oc), oc.OrganizationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"bindings": bindings})
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteBinding(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["bindingId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}
