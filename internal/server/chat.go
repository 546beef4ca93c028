package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/chat"
	"github.com/hyperjump/kioku/internal/models"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in chat.SessionInput
	if !s.decode(w, r, &in) {
		return
	}
	sess, err := s.Chat.CreateSession(r.Context(), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sess)
}

// handleListSessions lists the sessions of ?notebook_id= or ?source_id=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := models.Scope{Kind: models.ScopeNotebook, ID: q.Get("notebook_id")}
	if id := q.Get("source_id"); id != "" {
		scope = models.Scope{Kind: models.ScopeSource, ID: id}
	}
	sessions, err := s.Chat.ListSessions(r.Context(), scope)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Chat.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var upd chat.SessionUpdate
	if !s.decode(w, r, &upd) {
		return
	}
	sess, err := s.Chat.UpdateSession(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Chat.DeleteSession(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// handleChatMessage runs one turn. Events stream as server-sent events unless ?stream=false,
// which answers with the whole event list once the turn ends.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if !s.decode(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "id")
	events, err := s.Chat.Turn(r.Context(), sessionID, req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if r.URL.Query().Get("stream") == "false" {
		out := chat.Collect(events)
		if out == nil {
			out = []models.Event{}
		}
		s.respondJSON(w, http.StatusOK, out)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for ev := range events {
		if err := writeEvent(w, ev); err != nil {
			s.logger.Debug("chat stream closed", zap.String("session_id", sessionID), zap.Error(err))
			// Drain so the turn can finish and release the session.
			for range events {
			}
			return
		}
		_ = rc.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
