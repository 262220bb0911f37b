package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/avatar-labs/internal/engine"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// WebSocketHandler upgrades observers onto the live session feed.
type WebSocketHandler struct {
	hub           *Hub
	eng           *engine.Engine
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates the feed handler.
func NewWebSocketHandler(hub *Hub, eng *engine.Engine, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		eng:           eng,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade on
// /ws/sessions/{sessionID}.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.eng.Session(r.Context(), sessionID); err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.hub.Register(ctx, sessionID, ws)
	defer h.hub.Unregister(sessionID, ws)

	// Observers are read-only; the read loop only exists to notice
	// disconnects and respond to pings.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
