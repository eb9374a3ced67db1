package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/store"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Name        string          `json:"name"`
		DSL         json.RawMessage `json:"dsl"`
		EditorState json.RawMessage `json:"editorState,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.fail(w, r, apierr.Validation("name is required"))
		return
	}
	wf, err := s.workflows.Create(r.Context(), tenant(ac, oc), oc.OrganizationID, req.Name, req.DSL, req.EditorState, ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wfs, next, err := s.workflows.List(r.Context(), tenant(ac, oc), oc.OrganizationID, pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"workflows": wfs, "nextCursor": next})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wf, err := s.workflows.Get(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var patch store.WorkflowDraftPatch
	if err := decode(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	wf, err := s.workflows.UpdateDraft(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"], patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowRevisions(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	revs, err := s.workflows.Revisions(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (s *Server) handlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wf, err := s.workflows.Publish(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, wf)
}

func (s *Server) handleNewDraft(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wf, err := s.workflows.NewDraft(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"], ac.User.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, wf)
}

// ============================================================================
// RUNS
// ============================================================================

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Input json.RawMessage `json:"input,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.workflows.StartRun(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"], "manual", req.Input, ac.User.ID)
	if s.metrics != nil {
		outcome := "accepted"
		if err != nil {
			outcome = "failed"
			if e, ok := apierr.As(err); ok && e.Code == apierr.CodeQueueUnavailable {
				outcome = "queue_unavailable"
			}
		}
		s.metrics.RunEnqueues.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	runs, next, err := s.workflows.ListRuns(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["workflowId"], pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"runs": runs, "nextCursor": next})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.workflows.GetRun(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["runId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	evs, next, err := s.workflows.ListRunEvents(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["runId"], pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"events": evs, "nextCursor": next})
}
