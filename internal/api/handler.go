// Package api provides HTTP handlers for the avatar training API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/avatar-labs/internal/engine"
	"github.com/ashureev/avatar-labs/internal/generator"
)

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

// EngineError maps engine error classes onto HTTP status codes: caller
// mistakes surface verbatim, generator failures come back as 502 so clients
// know a retry is safe.
func EngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, engine.ErrAvatarNotFound),
		errors.Is(err, engine.ErrScenarioNotFound),
		errors.Is(err, engine.ErrMessageNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrSessionEnded),
		errors.Is(err, engine.ErrInvalidChoice):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, generator.ErrGeneration):
		Error(w, http.StatusBadGateway, "turn generation failed, retry later")
	default:
		slog.Error("Unhandled engine error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
