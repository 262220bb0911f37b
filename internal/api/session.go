package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/avatar-labs/internal/engine"
	"github.com/ashureev/avatar-labs/internal/identity"
	"github.com/go-chi/chi/v5"
)

// SessionHandler exposes the training engine over HTTP.
type SessionHandler struct {
	eng *engine.Engine
}

// NewSessionHandler creates the session endpoint handler.
func NewSessionHandler(eng *engine.Engine) *SessionHandler {
	return &SessionHandler{eng: eng}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/{sessionID}", h.Get)
		r.Post("/{sessionID}/continue", h.Continue)
		r.Post("/{sessionID}/choice", h.Choice)
		r.Post("/{sessionID}/comment", h.Comment)
		r.Post("/{sessionID}/end", h.End)
	})
}

type startRequest struct {
	AvatarType      string `json:"avatar_type"`
	ScenarioID      string `json:"scenario_id"`
	BusinessContext string `json:"business_context"`
}

// Start creates a training session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AvatarType == "" || req.ScenarioID == "" {
		Error(w, http.StatusBadRequest, "avatar_type and scenario_id are required")
		return
	}

	trainerID := identity.TrainerIDFromContext(r.Context())
	session, err := h.eng.StartSession(r.Context(), trainerID, req.AvatarType, req.ScenarioID, req.BusinessContext)
	if err != nil {
		EngineError(w, err)
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":      session.ID,
		"initial_message": session.Messages[0],
		"session":         session,
	})
}

// Get returns a session snapshot with its full message log.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.eng.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// Continue produces the avatar's next turn.
func (h *SessionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	msg, err := h.eng.Continue(r.Context(), sessionID)
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"message": msg})
}

type choiceRequest struct {
	Choice string `json:"choice"`
}

// Choice resolves a guided choice and returns the selection plus the
// avatar's reply.
func (h *SessionHandler) Choice(w http.ResponseWriter, r *http.Request) {
	var req choiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	selection, reply, err := h.eng.SelectChoice(r.Context(), sessionID, req.Choice)
	if err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"customer_message": selection,
		"avatar_message":   reply,
	})
}

type commentRequest struct {
	MessageID int    `json:"message_id"`
	Comment   string `json:"comment"`
	Rating    int    `json:"rating"`
}

// Comment records trainer feedback and returns the revised turn.
func (h *SessionHandler) Comment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	revised, err := h.eng.Comment(r.Context(), sessionID, req.MessageID, req.Comment, req.Rating)
	if err != nil {
		EngineError(w, err)
		return
	}

	slog.Info("Feedback accepted",
		"session_id", sessionID,
		"message_id", req.MessageID,
		"rating", req.Rating)
	JSON(w, http.StatusOK, map[string]interface{}{"revised_message": revised})
}

// End terminates a session.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.eng.End(r.Context(), sessionID); err != nil {
		EngineError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
