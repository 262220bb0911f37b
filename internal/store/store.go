// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// Repository defines the interface for persisting trainers, sessions,
// messages and the per-avatar knowledge store.
type Repository interface {
	// GetTrainer retrieves a trainer by id. Returns nil when unknown.
	GetTrainer(ctx context.Context, trainerID string) (*domain.Trainer, error)

	// UpsertTrainer creates or refreshes a trainer record.
	UpsertTrainer(ctx context.Context, trainer *domain.Trainer) error

	// SaveSession upserts session metadata and running metrics.
	SaveSession(ctx context.Context, session *domain.Session) error

	// GetSession loads a session with its full message log. Returns nil when
	// unknown.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// AppendMessage persists one message of a session's append-only log.
	AppendMessage(ctx context.Context, sessionID string, m *domain.Message) error

	// UpdateMessage rewrites mutable message fields (choice resolution,
	// attached trainer comment). Content and ordering never change.
	UpdateMessage(ctx context.Context, sessionID string, m *domain.Message) error

	// InsertLearnedResponse appends a knowledge entry and returns its
	// atomically-assigned id.
	InsertLearnedResponse(ctx context.Context, lr *domain.LearnedResponse) (int64, error)

	// ListLearnedResponses returns all knowledge entries for one avatar type.
	// An avatar with no entries yet yields an empty slice, not an error.
	ListLearnedResponses(ctx context.Context, avatarType string) ([]domain.LearnedResponse, error)

	// IncrementLessonUse bumps the usage counter of the given entries.
	IncrementLessonUse(ctx context.Context, ids []int64) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
