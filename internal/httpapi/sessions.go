package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mnemo/internal/session"
)

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.svc.OpenSession(req.CustomerID)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:      sess.ID,
		CustomerID:     sess.CustomerID,
		Status:         sess.Status,
		StartedAt:      sess.StartedAt,
		IdleTimeoutMS:  s.cfg.SessionIdleTimeout.Milliseconds(),
		WindowCapacity: s.cfg.WindowTurns,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Session(chi.URLParam(r, "id"))
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.svc.CloseSession(id)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRehydrateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.svc.RehydrateSession(r.Context(), chi.URLParam(r, "id"), req.CustomerID)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ArchiveSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"archived": true})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.svc.Session(sessionID); err != nil {
		respondForError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.svc.Subscribe(sessionID)
	defer cancel()

	// Reader loop only notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
