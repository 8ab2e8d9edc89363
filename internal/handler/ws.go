package handler

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sousei-dev/sousei-system-backend/internal/logger"
	"github.com/sousei-dev/sousei-system-backend/internal/middleware"
	"github.com/sousei-dev/sousei-system-backend/internal/ws"
)

type WSHandler struct {
	gw             *ws.Gateway
	allowedOrigins string
}

// NewWSHandler creates the upgrade handler. allowedOrigins matches the
// CORS setting (comma-separated list or "*").
func NewWSHandler(gw *ws.Gateway, allowedOrigins string) *WSHandler {
	return &WSHandler{gw: gw, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS handles GET /ws. Authentication already ran in BearerAuth
// (header or token query parameter); an upgrade without a resolved user
// never reaches the gateway.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	// HandleConn blocks for the lifetime of the connection; the request
	// goroutine is the connection's owner.
	if err := h.gw.HandleConn(r.Context(), conn, userID); err != nil {
		logger.Errorf("ws session user=%s: %v", userID, err)
	}
}
