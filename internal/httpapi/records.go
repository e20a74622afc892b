package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mull2536/call-agent/internal/bridge"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/store"
)

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Registry == nil {
		respondJSON(w, http.StatusOK, map[string]any{"conversations": []any{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": s.deps.Registry.List()})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.deps.Registry == nil || id == "" {
		respondError(w, http.StatusNotFound, "conversation_not_found", conversation.ErrNotFound.Error())
		return
	}
	c, err := s.deps.Registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, _ *http.Request) {
	calls := []bridge.SessionInfo{}
	if s.deps.Calls != nil {
		calls = s.deps.Calls.Sessions()
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	records, err := s.deps.Store.RecentCalls(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondJSON(w, http.StatusOK, store.AgentSettings{
			Prompt:       s.cfg.DefaultAgentPrompt,
			FirstMessage: s.cfg.DefaultFirstMessage,
		})
		return
	}
	settings, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "settings store not configured")
		return
	}
	var req store.AgentSettings
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.FirstMessage = strings.TrimSpace(req.FirstMessage)
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	if err := s.deps.Store.SaveSettings(r.Context(), req); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	settings, err := s.deps.Store.GetSettings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.logger.Info("agent settings updated")
	respondJSON(w, http.StatusOK, settings)
}

type saveContactRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (s *Server) handleSaveContact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "contact store not configured")
		return
	}
	var req saveContactRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || store.NormalizePhone(req.Phone) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name and phone are required")
		return
	}
	contact, err := s.deps.Store.SaveContact(r.Context(), contactFromRequest(name, req.Phone))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, contact)
}

func contactFromRequest(name, phone string) store.Contact {
	return store.Contact{Name: name, Phone: store.NormalizePhone(phone)}
}
