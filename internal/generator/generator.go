// Package generator defines the turn generation collaborator contract.
package generator

import (
	"context"
	"errors"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// ErrGeneration marks any transient turn-generation failure (timeout,
// transport error, malformed response). Callers may retry; the engine never
// appends a partial message on this error.
var ErrGeneration = errors.New("turn generation failed")

// TurnRequest carries everything the generator needs to produce one turn.
type TurnRequest struct {
	// Role the generator should play for this turn.
	Role domain.Role `json:"role"`
	// Avatar persona and scenario descriptors.
	Avatar          domain.AvatarConfig `json:"avatar"`
	Scenario        domain.Scenario     `json:"scenario"`
	BusinessContext string              `json:"business_context"`
	// History is the recent conversation as "role: content" lines, oldest first.
	History []string `json:"history"`
	// Lessons are learned corrections retrieved for this context, plain text.
	Lessons []string `json:"lessons,omitempty"`
	// RevisionOf and RevisionInstruction are set only for feedback revisions:
	// the text being improved and the trainer's comment.
	RevisionOf          string `json:"revision_of,omitempty"`
	RevisionInstruction string `json:"revision_instruction,omitempty"`
	// WantChoices asks the generator to also propose 2-4 guided reply options
	// for the customer. The generator may decline.
	WantChoices bool `json:"want_choices"`
}

// TurnResult is the generator's reply. Two calls with identical input may
// return different text; nothing here is deterministic.
type TurnResult struct {
	Text    string   `json:"text"`
	Quality int      `json:"quality"`
	Emotion string   `json:"emotion"`
	Choices []string `json:"choices,omitempty"`
}

// TurnGenerator produces conversational turns. Implementations can be slow
// or fail transiently; every call must honor ctx cancellation.
type TurnGenerator interface {
	Generate(ctx context.Context, req TurnRequest) (*TurnResult, error)
	Close()
}
