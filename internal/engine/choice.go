package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// SelectChoice resolves a guided choice on the most recent avatar message:
// it appends a synthetic customer turn carrying the chosen text, marks the
// menu resolved (one-shot), and generates the avatar's plain reply to it.
//
// The generator is called before any state changes, so a failed call leaves
// the menu open and the log untouched.
func (e *Engine) SelectChoice(ctx context.Context, sessionID, choiceText string) (*domain.Message, *domain.Message, error) {
	choiceText = strings.TrimSpace(choiceText)
	if choiceText == "" {
		return nil, nil, fmt.Errorf("%w: choice text is required", ErrValidation)
	}

	live, err := e.live(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()
	s := &live.s

	if s.Status == domain.StatusEnded {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}

	parent := s.LastAvatarMessage()
	if parent == nil || !parent.HasOpenChoices() {
		return nil, nil, fmt.Errorf("%w: no open choices in session %s", ErrInvalidChoice, sessionID)
	}
	if !containsChoice(parent.Choices, choiceText) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidChoice, choiceText)
	}

	// Mark resolved before generating the reply so the alternation rule sees
	// the selection, then append the synthetic customer turn. Appends can
	// grow the arena, so everything below goes through sequence numbers.
	parentSeq := parent.Seq
	parent.ChoicesResolved = true
	selectionSeq := s.Append(domain.Message{
		Role:              domain.RoleCustomer,
		Content:           choiceText,
		IsChoiceSelection: true,
		OriginalSeq:       domain.NoOriginal,
	}).Seq

	// The reply to a selection is always a plain turn.
	reply, err := e.generateAvatarTurn(ctx, s, false)
	if err != nil {
		// Roll the selection back so a retry re-attempts from unmodified
		// state: the menu stays open and no partial turn remains.
		s.Messages = s.Messages[:selectionSeq]
		s.Message(parentSeq).ChoicesResolved = false
		return nil, nil, err
	}

	selection := s.Message(selectionSeq)
	if err := e.repo.UpdateMessage(ctx, s.ID, s.Message(parentSeq)); err != nil {
		e.logger.Warn("failed to persist choice resolution", "session_id", s.ID, "seq", parentSeq, "error", err)
	}
	if err := e.repo.AppendMessage(ctx, s.ID, selection); err != nil {
		e.logger.Warn("failed to persist choice selection", "session_id", s.ID, "seq", selectionSeq, "error", err)
	}

	e.logger.Info("Choice resolved",
		"session_id", sessionID,
		"parent_seq", parentSeq,
		"choice", choiceText)

	// Emit only after the whole exchange succeeded, selection before reply,
	// so observers see turns in append order and never a rolled-back one.
	e.emit(s, selection)
	e.emit(s, reply)
	return cloneMessage(selection), cloneMessage(reply), nil
}

func containsChoice(choices []string, text string) bool {
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), text) {
			return true
		}
	}
	return false
}

// choiceEligible implements the choice attachment rule: guided choices go
// only on a plain avatar turn produced by a fresh Continue: never on a
// revision, never on the turn that answers a selection, never twice in a
// row, and never while feedback is active on the previous avatar turn.
func choiceEligible(s *domain.Session) bool {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].IsChoiceSelection {
		return false
	}
	last := s.LastAvatarMessage()
	if last == nil {
		return true
	}
	if last.IsRevision() || len(last.Choices) > 0 {
		return false
	}
	// A revision chained off the previous turn means the trainer is mid-
	// refinement; keep the conversation plain until that settles.
	return s.RevisionTail(last.Seq) == last
}
