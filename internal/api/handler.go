// Package api provides the read-only HTTP surface over the bridge.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reifying/untethered/internal/hub"
	"github.com/reifying/untethered/internal/index"
	"github.com/reifying/untethered/internal/store"
)

// Handler serves session metadata and manual lock recovery.
type Handler struct {
	hub  *hub.Hub
	repo store.Repository
}

// NewHandler creates a new API handler.
func NewHandler(h *hub.Hub, repo store.Repository) *Handler {
	return &Handler{hub: h, repo: repo}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Post("/sessions/{sessionID}/unlock", h.ForceUnlock)
	})
	r.Get("/healthz", h.Health)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ListSessions returns the current session list snapshot.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.hub.SessionSummaries(r.Context())
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "session list unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": summaries})
}

// GetSession returns one session's metadata.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := index.NormalizeID(chi.URLParam(r, "sessionID"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	summaries, err := h.hub.SessionSummaries(r.Context())
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "session list unavailable")
		return
	}
	for _, s := range summaries {
		if s.SessionID == sessionID {
			JSON(w, http.StatusOK, s)
			return
		}
	}
	Error(w, http.StatusNotFound, "session not found")
}

// ForceUnlock manually clears a stuck session lock.
func (h *Handler) ForceUnlock(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	unlocked, err := h.hub.ForceUnlock(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "unlock unavailable")
		return
	}
	if !unlocked {
		Error(w, http.StatusConflict, "session is not locked")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

// Health reports database connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
