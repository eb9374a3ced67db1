package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vespid/control-plane/internal/routing"
	"github.com/vespid/control-plane/internal/store"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Scope            string               `json:"scope,omitempty"`
		Peer             string               `json:"peer,omitempty"`
		Team             string               `json:"team,omitempty"`
		Account          string               `json:"account,omitempty"`
		Channel          string               `json:"channel,omitempty"`
		LLM              *store.LLMConfig     `json:"llm,omitempty"`
		Prompt           *store.SessionPrompt `json:"prompt,omitempty"`
		ToolsAllow       []string             `json:"toolsAllow,omitempty"`
		Limits           *store.SessionLimits `json:"limits,omitempty"`
		ExecutorSelector string               `json:"executorSelector,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	in := routing.CreateSessionInput{
		Scope:            req.Scope,
		Peer:             req.Peer,
		Team:             req.Team,
		Account:          req.Account,
		Channel:          req.Channel,
		LLM:              req.LLM,
		Prompt:           req.Prompt,
		ToolsAllow:       req.ToolsAllow,
		Limits:           req.Limits,
		ExecutorSelector: req.ExecutorSelector,
	}
	if in.Peer == "" {
		in.Peer = ac.User.ID
	}
	sess, reused, err := s.sessions.CreateSession(r.Context(), tenant(ac, oc), oc.OrganizationID, oc.Membership.RoleKey, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	s.respond(w, status, map[string]any{"session": sess, "reused": reused})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sessions, next, err := s.sessions.List(r.Context(), tenant(ac, oc), oc.OrganizationID, pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"sessions": sessions, "nextCursor": next})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sess)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Text           string `json:"text"`
		IdempotencyKey string `json:"idempotencyKey,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	ev, err := s.sessions.SendMessage(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"], req.Text, req.IdempotencyKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, ev)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	evs, next, err := s.sessions.Events(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"], pageFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"events": evs, "nextCursor": next})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.sessions.Reset(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sess)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.sessions.Archive(r.Context(), tenant(ac, oc), oc.OrganizationID, mux.Vars(r)["sessionId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// ============================================================================
// LIVE TAIL
// ============================================================================

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const tailWriteTimeout = 10 * time.Second

// handleSessionTail streams session events over a websocket: a replay of the
// persisted log from ?seq, then live events from the bus. The subscription is
// taken before the replay so nothing published in between is lost; the client
// dedupes on seq.
func (s *Server) handleSessionTail(w http.ResponseWriter, r *http.Request) {
	ac, oc, err := s.orgCtx(w, r, store.RoleMember)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sessionID := mux.Vars(r)["sessionId"]
	if _, err := s.sessions.Get(r.Context(), tenant(ac, oc), oc.OrganizationID, sessionID); err != nil {
		s.fail(w, r, err)
		return
	}

	fromSeq := int64(0)
	if raw := r.URL.Query().Get("seq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			fromSeq = n
		}
	}

	conn, err := tailUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	live, cancel := s.bus.Subscribe(sessionID)
	defer cancel()

	// Replay the persisted log first.
	page := store.Page{}
	for {
		evs, next, err := s.sessions.Events(r.Context(), tenant(ac, oc), oc.OrganizationID, sessionID, page)
		if err != nil {
			return
		}
		for _, ev := range evs {
			if ev.Seq < fromSeq {
				continue
			}
			if writeTailEvent(conn, "event", ev) != nil {
				return
			}
		}
		if next == "" {
			break
		}
		page.Cursor = next
	}
	if writeTailEvent(conn, "caught_up", nil) != nil {
		return
	}

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if writeTailEvent(conn, "live", ev) != nil {
				return
			}
		}
	}
}

func writeTailEvent(conn *websocket.Conn, kind string, payload any) error {
	conn.SetWriteDeadline(time.Now().Add(tailWriteTimeout))
	frame := map[string]any{"kind": kind}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
