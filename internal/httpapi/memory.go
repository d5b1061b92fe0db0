package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mnemo/internal/prefs"
	"github.com/ent0n29/mnemo/internal/retriever"
	"github.com/ent0n29/mnemo/internal/service"
	"github.com/ent0n29/mnemo/internal/turnlog"
)

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var req service.AppendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = chi.URLParam(r, "id")
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if req.Speaker != turnlog.SpeakerUser && req.Speaker != turnlog.SpeakerSystem {
		respondError(w, http.StatusBadRequest, "invalid_request", "speaker must be user or system")
		return
	}

	res, err := s.svc.AppendTurn(r.Context(), req)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleBuildContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	budget := 0
	if v := strings.TrimSpace(r.URL.Query().Get("budget")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_budget", err.Error())
			return
		}
		budget = n
	}
	hint := retriever.Hint{
		CustomerID: strings.TrimSpace(r.URL.Query().Get("customer_id")),
		Text:       r.URL.Query().Get("hint"),
	}

	view, err := s.svc.BuildContext(r.Context(), sessionID, hint, budget)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolveReference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Span string `json:"span"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	m, err := s.svc.ResolveReference(chi.URLParam(r, "id"), req.Span)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleSummarizeWindow(w http.ResponseWriter, r *http.Request) {
	digest, err := s.svc.SummarizeWindow(chi.URLParam(r, "id"))
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"digest":     digest,
		"summarized": digest != "",
	})
}

func (s *Server) handleProposePreference(w http.ResponseWriter, r *http.Request) {
	var p prefs.Preference
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	p.CustomerID = chi.URLParam(r, "id")
	if strings.TrimSpace(p.Attribute) == "" || strings.TrimSpace(p.Value) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "attribute and value are required")
		return
	}
	if p.Source != prefs.SourceExplicit && p.Source != prefs.SourceInferred {
		respondError(w, http.StatusBadRequest, "invalid_request", "source must be explicit or inferred")
		return
	}
	if p.Confidence < 0 || p.Confidence > 1 || p.Strength < 0 || p.Strength > 1 {
		respondError(w, http.StatusBadRequest, "invalid_request", "confidence and strength must be in [0,1]")
		return
	}

	id, err := s.svc.ProposePreference(r.Context(), p)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"preference_id": id})
}

func (s *Server) handleActivePreferences(w http.ResponseWriter, r *http.Request) {
	active, err := s.svc.ActivePreferences(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondForError(w, err)
		return
	}
	if active == nil {
		active = []prefs.Preference{}
	}
	respondJSON(w, http.StatusOK, active)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Consolidate(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"consolidated": true})
}

func (s *Server) handleEraseCustomer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.EraseCustomer(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"erased": true})
}
