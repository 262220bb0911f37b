package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/generator"
)

const (
	minRating = 1
	maxRating = 5
)

// Comment records trainer feedback on an avatar message: it asks the
// generator for an improved turn, appends it as a revision chained off the
// newest revision of that message, and persists the correction as a lesson
// for every future session of this avatar type.
//
// Each call produces a new revision: feedback on revision N yields revision
// N+1, never an in-place edit. The recomputed quality score is reported even
// when it is not better than before; the engine records the attempt either
// way.
func (e *Engine) Comment(ctx context.Context, sessionID string, messageSeq int, comment string, rating int) (*domain.Message, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, fmt.Errorf("%w: comment text is required", ErrValidation)
	}
	if rating < minRating || rating > maxRating {
		return nil, fmt.Errorf("%w: rating must be %d-%d", ErrValidation, minRating, maxRating)
	}

	live, err := e.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()
	s := &live.s

	if s.Status == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}

	target := s.Message(messageSeq)
	if target == nil || target.Role != domain.RoleAvatar {
		return nil, fmt.Errorf("%w: no avatar message %d in session %s", ErrMessageNotFound, messageSeq, sessionID)
	}

	// Chains never branch: feedback always lands on the end of the chain,
	// whichever link the trainer pointed at.
	tail := s.RevisionTail(target.Seq)

	genCtx, cancel := context.WithTimeout(ctx, e.opts.GeneratorTimeout)
	defer cancel()

	result, err := e.gen.Generate(genCtx, generator.TurnRequest{
		Role:                domain.RoleAvatar,
		Avatar:              s.Avatar,
		Scenario:            s.Scenario,
		BusinessContext:     s.BusinessContext,
		History:             s.RecentHistory(e.opts.HistoryWindow),
		RevisionOf:          tail.Content,
		RevisionInstruction: comment,
	})
	if err != nil {
		// All-or-nothing: no message appended, no lesson written.
		return nil, fmt.Errorf("generate revision: %w", err)
	}

	revision := s.Append(domain.Message{
		Role:        domain.RoleAvatar,
		Content:     result.Text,
		Emotion:     result.Emotion,
		Quality:     result.Quality,
		OriginalSeq: tail.Seq,
		UserComment: comment,
		Rating:      rating,
	})
	s.Metrics.Observe(result.Quality)
	e.persistTurn(ctx, s, revision)

	// The lesson is keyed by the customer turn that provoked the original
	// reply, so future sessions hitting similar ground retrieve it.
	contextKey := customerContextBefore(s, chainOrigin(s, target).Seq)
	if _, err := e.know.Record(ctx, s.Avatar.AvatarType, contextKey, comment, result.Text); err != nil {
		e.logger.Error("failed to record lesson",
			"session_id", sessionID,
			"avatar_type", s.Avatar.AvatarType,
			"error", err)
	}

	e.logger.Info("Revision appended",
		"session_id", sessionID,
		"original_seq", tail.Seq,
		"revision_seq", revision.Seq,
		"quality", result.Quality,
		"rating", rating)

	e.emit(s, revision)
	return cloneMessage(revision), nil
}

// chainOrigin walks a revision chain back to the message the first piece of
// feedback was given on.
func chainOrigin(s *domain.Session, m *domain.Message) *domain.Message {
	for m.IsRevision() {
		prev := s.Message(m.OriginalSeq)
		if prev == nil {
			break
		}
		m = prev
	}
	return m
}

// customerContextBefore returns the content of the nearest customer turn
// preceding seq, falling back to the scenario opening.
func customerContextBefore(s *domain.Session, seq int) string {
	for i := seq - 1; i >= 0; i-- {
		if s.Messages[i].Role == domain.RoleCustomer {
			return s.Messages[i].Content
		}
	}
	return s.Scenario.Opening
}
