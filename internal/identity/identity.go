// Package identity provides anonymous per-device trainer identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/store"
)

const (
	// TrainerCookieName carries the anonymous trainer id between visits.
	TrainerCookieName = "avatar_trainer_id"
	trainerCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const trainerIDKey contextKey = iota

var trainerIDPattern = regexp.MustCompile(`^tr_[a-f0-9]{32}$`)

// TrainerIDFromContext extracts the trainer id from the request context.
func TrainerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(trainerIDKey).(string); ok {
		return v
	}
	return ""
}

func generateTrainerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate trainer id: %w", err)
	}
	return "tr_" + hex.EncodeToString(buf), nil
}

func isValidTrainerID(id string) bool {
	return trainerIDPattern.MatchString(id)
}

func deriveUsername(trainerID string) string {
	if len(trainerID) > 11 {
		return "trainer-" + trainerID[len(trainerID)-8:]
	}
	return "trainer"
}

func ensureTrainer(ctx context.Context, repo store.Repository, trainerID string) error {
	now := time.Now()
	trainer, err := repo.GetTrainer(ctx, trainerID)
	if err != nil {
		return err
	}
	if trainer == nil {
		trainer = &domain.Trainer{
			TrainerID: trainerID,
			Username:  deriveUsername(trainerID),
			CreatedAt: now,
		}
	}
	trainer.LastSeenAt = now
	return repo.UpsertTrainer(ctx, trainer)
}

func getOrCreateTrainerID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(TrainerCookieName); err == nil && isValidTrainerID(c.Value) {
		setTrainerCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateTrainerID()
	if err != nil {
		return "", err
	}
	setTrainerCookie(w, id, isDev)
	return id, nil
}

func setTrainerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     TrainerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(trainerCookieAge.Seconds()),
		Expires:  time.Now().Add(trainerCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects anonymous trainer identity into the request context and
// keeps the trainer record fresh in the store.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trainerID, err := getOrCreateTrainerID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish trainer identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureTrainer(r.Context(), repo, trainerID); err != nil {
				http.Error(w, `{"error":"failed to initialize trainer"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), trainerIDKey, trainerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
