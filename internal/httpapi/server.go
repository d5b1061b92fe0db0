// Package httpapi exposes the memory service's synchronous surface over
// JSON plus a per-session websocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/mnemo/internal/config"
	"github.com/ent0n29/mnemo/internal/entity"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/prefs"
	"github.com/ent0n29/mnemo/internal/service"
	"github.com/ent0n29/mnemo/internal/session"
	"github.com/ent0n29/mnemo/internal/turnlog"
)

type Server struct {
	cfg      config.Config
	svc      *service.Service
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc *service.Service, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser clients unless explicitly opened
				// up; non-browser clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/sessions", s.handleOpenSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleCloseSession)
	r.Post("/v1/sessions/{id}/rehydrate", s.handleRehydrateSession)
	r.Post("/v1/sessions/{id}/archive", s.handleArchiveSession)
	r.Get("/v1/sessions/{id}/events", s.handleSessionEvents)

	r.Post("/v1/sessions/{id}/turns", s.handleAppendTurn)
	r.Get("/v1/sessions/{id}/context", s.handleBuildContext)
	r.Post("/v1/sessions/{id}/resolve", s.handleResolveReference)
	r.Post("/v1/sessions/{id}/summarize", s.handleSummarizeWindow)

	r.Post("/v1/customers/{id}/preferences", s.handleProposePreference)
	r.Get("/v1/customers/{id}/preferences", s.handleActivePreferences)
	r.Post("/v1/customers/{id}/consolidate", s.handleConsolidate)
	r.Delete("/v1/customers/{id}", s.handleEraseCustomer)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondForError maps domain sentinels onto HTTP statuses.
func respondForError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, turnlog.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, prefs.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, turnlog.ErrDuplicateTurn):
		respondError(w, http.StatusConflict, "duplicate_turn", err.Error())
	case errors.Is(err, turnlog.ErrTurnGap):
		respondError(w, http.StatusConflict, "turn_gap", err.Error())
	case errors.Is(err, entity.ErrMalformedAnnotation):
		respondError(w, http.StatusBadRequest, "malformed_annotation", err.Error())
	case errors.Is(err, turnlog.ErrStoreUnavailable), errors.Is(err, prefs.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
