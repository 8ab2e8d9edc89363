package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sousei-dev/sousei-system-backend/internal/middleware"
	"github.com/sousei-dev/sousei-system-backend/internal/ws"
)

// StatusHandler exposes the realtime state: gateway stats and per
// conversation presence snapshots.
type StatusHandler struct {
	gw *ws.Gateway
}

func NewStatusHandler(gw *ws.Gateway) *StatusHandler {
	return &StatusHandler{gw: gw}
}

// Gateway handles GET /api/status.
func (h *StatusHandler) Gateway(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Registry().Snapshot())
}

// User handles GET /api/status/users/{id}: the user's online flag and
// live connection count, from the registry only.
func (h *StatusHandler) User(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	reg := h.gw.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"online":      reg.IsOnline(userID),
		"connections": len(reg.ConnectionsFor(userID)),
	})
}

// Presence handles GET /api/conversations/{id}/presence: online and
// typing state for every member. Members only.
func (h *StatusHandler) Presence(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.gw.PresenceSnapshot(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Health handles GET /healthz (unauthenticated).
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
