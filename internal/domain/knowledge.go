package domain

import (
	"time"
)

// LearnedResponse is one corrected response pattern in the per-avatar
// knowledge store. Entries are append-only: a later correction for the same
// context does not overwrite an older one, it simply ranks higher.
type LearnedResponse struct {
	ID         int64     `json:"id"`
	AvatarType string    `json:"avatar_type"`
	ContextKey string    `json:"context_key"`
	Lesson     string    `json:"lesson"`
	Corrected  string    `json:"corrected"`
	UseCount   int       `json:"use_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Trainer is a human giving feedback. Trainers scope sessions, never
// knowledge: a lesson recorded by one trainer is visible to all trainers of
// the same avatar type.
type Trainer struct {
	TrainerID  string    `json:"trainer_id"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
