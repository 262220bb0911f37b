package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// Scripted is a deterministic in-process generator used when no external
// generator endpoint is configured. It produces templated replies so the
// engine can run end to end in development without an AI service.
type Scripted struct{}

// NewScripted returns the development fallback generator.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Generate builds a templated turn from the request. Lessons and revision
// instructions are echoed into the reply so the learning loop is observable.
func (s *Scripted) Generate(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	if req.Role == domain.RoleCustomer {
		return &TurnResult{
			Text:    "Thanks, that helps. Can you tell me more about what happens next?",
			Quality: 70,
			Emotion: "curious",
		}, nil
	}

	var b strings.Builder
	if req.RevisionInstruction != "" {
		fmt.Fprintf(&b, "Let me put that more concretely. ")
		fmt.Fprintf(&b, "Taking your note (%s) into account: ", req.RevisionInstruction)
	}
	fmt.Fprintf(&b, "As %s, here is what I suggest for this situation.", req.Avatar.DisplayName)
	if len(req.Lessons) > 0 {
		fmt.Fprintf(&b, " Keeping in mind: %s.", req.Lessons[0])
	}
	fmt.Fprintf(&b, " Our goal is: %s", req.Scenario.Goal)

	result := &TurnResult{
		Text:    b.String(),
		Quality: 62,
		Emotion: "supportive",
	}
	if req.RevisionInstruction != "" {
		result.Quality = 78
	}
	if req.WantChoices {
		result.Choices = []string{
			"That makes sense, what should I do first?",
			"I'm still worried, can you explain again?",
			"Can we schedule a follow-up?",
		}
	}
	return result, nil
}

// Close is a no-op.
func (s *Scripted) Close() {}

var _ TurnGenerator = (*Scripted)(nil)
