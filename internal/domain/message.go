package domain

import (
	"time"
)

// Role identifies the speaker of a message.
type Role string

const (
	// RoleCustomer is the simulated customer/patient side of the role-play.
	RoleCustomer Role = "customer"
	// RoleAvatar is the business AI persona being trained.
	RoleAvatar Role = "avatar"
	// RoleSystem is reserved for engine-generated notices.
	RoleSystem Role = "system"
)

// NoOriginal marks a message that does not revise another message.
const NoOriginal = -1

// Message is one turn in a training session. Messages form an append-only
// arena indexed by Seq; a revision references the message it revises through
// OriginalSeq, so feedback chains are an explicit linked list rather than
// nested objects.
type Message struct {
	Seq               int       `json:"id"`
	Role              Role      `json:"role"`
	Content           string    `json:"content"`
	Emotion           string    `json:"emotion,omitempty"`
	Quality           int       `json:"quality,omitempty"`
	Choices           []string  `json:"choices,omitempty"`
	ChoicesResolved   bool      `json:"choices_resolved,omitempty"`
	OriginalSeq       int       `json:"original_message_id"`
	UserComment       string    `json:"user_comment,omitempty"`
	Rating            int       `json:"rating,omitempty"`
	IsChoiceSelection bool      `json:"is_choice_selection,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsRevision reports whether the message was produced by trainer feedback.
func (m *Message) IsRevision() bool {
	return m.OriginalSeq != NoOriginal
}

// HasOpenChoices reports whether the message still offers guided choices.
// Choices are one-shot: once resolved they must never be offered again.
func (m *Message) HasOpenChoices() bool {
	return len(m.Choices) > 0 && !m.ChoicesResolved
}
