// Package stream provides the live WebSocket feed of training sessions.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/coder/websocket"
)

// replayDepth is how many recent events a late-joining observer receives.
const replayDepth = 32

// TurnEvent is one broadcast message on the session feed.
type TurnEvent struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message"`
}

// Hub tracks WebSocket observers per session and fans out appended turns.
// Implements engine.EventSink.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]map[*websocket.Conn]struct{}
	replay    map[string][]TurnEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		observers: make(map[string]map[*websocket.Conn]struct{}),
		replay:    make(map[string][]TurnEvent),
	}
}

// Publish broadcasts an appended message to every observer of the session
// and records it in the bounded replay buffer. A slow or dead observer is
// dropped rather than allowed to stall the engine.
func (h *Hub) Publish(sessionID string, m *domain.Message) {
	ev := TurnEvent{Type: "turn", Message: m}

	h.mu.Lock()
	buf := append(h.replay[sessionID], ev)
	if len(buf) > replayDepth {
		buf = buf[len(buf)-replayDepth:]
	}
	h.replay[sessionID] = buf

	conns := make([]*websocket.Conn, 0, len(h.observers[sessionID]))
	for conn := range h.observers[sessionID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	if len(conns) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode turn event", "session_id", sessionID, "error", err)
		return
	}
	for _, conn := range conns {
		if err := conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
			slog.Debug("dropping stream observer", "session_id", sessionID, "error", err)
			h.Unregister(sessionID, conn)
		}
	}
}

// Register adds an observer and sends it the replay buffer.
func (h *Hub) Register(ctx context.Context, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.observers[sessionID]; !ok {
		h.observers[sessionID] = make(map[*websocket.Conn]struct{})
	}
	h.observers[sessionID][conn] = struct{}{}
	backlog := append([]TurnEvent(nil), h.replay[sessionID]...)
	h.mu.Unlock()

	for _, ev := range backlog {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			h.Unregister(sessionID, conn)
			return
		}
	}
	slog.Info("Stream observer registered", "session_id", sessionID)
}

// Unregister removes an observer.
func (h *Hub) Unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.observers[sessionID]; ok {
		if _, exists := conns[conn]; exists {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.observers, sessionID)
			}
			slog.Info("Stream observer unregistered", "session_id", sessionID)
		}
	}
}

// ObserverCount returns the number of connected observers for a session.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers[sessionID])
}

// SessionEnded closes the session's feed. Called by the engine when a session
// ends or is evicted; without it replay buffers would outlive their sessions.
func (h *Hub) SessionEnded(sessionID string) {
	h.Forget(sessionID)
}

// Forget drops the replay buffer and closes observers of a session.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	conns := h.observers[sessionID]
	delete(h.observers, sessionID)
	delete(h.replay, sessionID)
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}
}
