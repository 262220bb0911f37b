// Package knowledge implements the per-avatar learned-response store.
//
// Every trainer correction becomes a LearnedResponse entry partitioned by
// avatar type. Entries are append-only: a newer correction for the same
// context never overwrites an older one, it just ranks higher at retrieval
// time. Partitions are fully independent; one avatar's lessons are never
// visible to another avatar.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/store"
)

// Service records and retrieves learned responses through the repository.
type Service struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewService creates a knowledge service over the given repository.
func NewService(repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Record appends a lesson for an avatar type. The write only touches that
// avatar's partition; no cross-avatar coordination happens.
func (s *Service) Record(ctx context.Context, avatarType, contextKey, lesson, corrected string) (*domain.LearnedResponse, error) {
	lr := &domain.LearnedResponse{
		AvatarType: avatarType,
		ContextKey: NormalizeKey(contextKey),
		Lesson:     lesson,
		Corrected:  corrected,
		CreatedAt:  time.Now(),
	}

	id, err := s.repo.InsertLearnedResponse(ctx, lr)
	if err != nil {
		return nil, fmt.Errorf("record lesson: %w", err)
	}
	lr.ID = id

	s.logger.Info("Lesson recorded",
		"avatar_type", avatarType,
		"lesson_id", id,
		"context_key", lr.ContextKey)
	return lr, nil
}

// Retrieve returns up to limit entries for the avatar type ranked by
// best-effort relevance to contextHint. A cold partition returns an empty
// slice; that is a normal condition, not an error.
func (s *Service) Retrieve(ctx context.Context, avatarType, contextHint string, limit int) ([]domain.LearnedResponse, error) {
	if limit <= 0 {
		return nil, nil
	}

	entries, err := s.repo.ListLearnedResponses(ctx, avatarType)
	if err != nil {
		return nil, fmt.Errorf("retrieve lessons: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ranked := Rank(entries, contextHint)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// MarkUsed bumps usage counters for entries that were injected into a prompt.
// Failures are logged, not surfaced: usage counts are a ranking signal, not
// engine state.
func (s *Service) MarkUsed(ctx context.Context, entries []domain.LearnedResponse) {
	if len(entries) == 0 {
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.repo.IncrementLessonUse(ctx, ids); err != nil {
		s.logger.Warn("failed to increment lesson usage", "error", err)
	}
}
