package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/builder"
	"github.com/vespid/control-plane/internal/store"
)

func builderReplyBody(rep *builder.Reply) map[string]any {
	return map[string]any{
		"session":       rep.Session,
		"assistantText": rep.AssistantText,
		"suggestedKeys": rep.SuggestedKeys,
	}
}

func (s *Server) handleRankComponents(w http.ResponseWriter, r *http.Request) {
	_, _, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}
	ranked := s.builder.RankComponents(r.URL.Query().Get("q"), limit)
	s.respond(w, http.StatusOK, map[string]any{"components": ranked})
}

func (s *Server) handleBuilderCreate(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Intent string           `json:"intent,omitempty"`
		LLM    *store.LLMConfig `json:"llm,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.builder.CreateSession(r.Context(), tenant(ac, oc), oc.OrganizationID, oc.Membership.RoleKey, req.Intent, req.LLM)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, builderReplyBody(rep))
}

func (s *Server) handleBuilderGet(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.builder.Get(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sess)
}

func (s *Server) handleBuilderChat(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Message      string   `json:"message"`
		SelectedKeys []string `json:"selectedKeys,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.builder.Chat(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"], req.Message, req.SelectedKeys)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, builderReplyBody(rep))
}

func (s *Server) handleBuilderFinalize(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ts, err := s.builder.Finalize(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, ts)
}
