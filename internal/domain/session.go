package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a training session.
type SessionStatus string

const (
	// StatusActive means the session accepts continue/choice/comment calls.
	StatusActive SessionStatus = "active"
	// StatusEnded means the message log is read-only.
	StatusEnded SessionStatus = "ended"
)

// minSampleWeight caps how little a new turn can contribute to the running
// metrics, so late turns still move the aggregate in long sessions.
const minSampleWeight = 0.1

// Metrics holds the running performance aggregate for a session. Each value
// is 0-100 and is recomputed as a weighted moving average after every avatar
// turn.
type Metrics struct {
	ResponseQuality float64 `json:"response_quality"`
	GoalAchievement float64 `json:"goal_achievement"`
	Flow            float64 `json:"conversation_flow"`
	Satisfaction    float64 `json:"customer_satisfaction"`
	Samples         int     `json:"-"`
}

// Observe folds one avatar-turn quality sample into the aggregate. The new
// sample weight is 1/samples-so-far, clamped so a long history cannot make
// new turns invisible.
func (m *Metrics) Observe(quality int) {
	m.Samples++
	w := 1.0 / float64(m.Samples)
	if w < minSampleWeight {
		w = minSampleWeight
	}

	q := clampScore(float64(quality))
	if m.Samples == 1 {
		m.ResponseQuality = q
		m.GoalAchievement = q / 2
		m.Flow = q
		m.Satisfaction = q
		return
	}

	m.ResponseQuality = m.ResponseQuality*(1-w) + q*w
	// Goal achievement rewards sustained sessions: the longer a conversation
	// keeps going at decent quality, the closer it is to the scenario goal.
	progress := clampScore(float64(m.Samples) * 10)
	goalSample := q
	if progress < q {
		goalSample = (q + progress) / 2
	}
	m.GoalAchievement = clampScore(m.GoalAchievement*(1-w) + goalSample*w)
	m.Flow = clampScore(m.Flow*(1-w) + q*w)
	m.Satisfaction = clampScore(m.Satisfaction*(1-w) + q*w)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Session is one role-play training session. It is owned exclusively by the
// engine; handlers only ever see copies or read-only snapshots.
type Session struct {
	ID              string        `json:"session_id"`
	TrainerID       string        `json:"trainer_id"`
	Avatar          AvatarConfig  `json:"avatar"`
	Scenario        Scenario      `json:"scenario"`
	BusinessContext string        `json:"business_context"`
	Status          SessionStatus `json:"status"`
	Metrics         Metrics       `json:"metrics"`
	Messages        []Message     `json:"messages"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
}

// Append adds a message to the log, assigning the next sequence number.
// The returned pointer is valid until the next Append.
func (s *Session) Append(m Message) *Message {
	m.Seq = len(s.Messages)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.Messages = append(s.Messages, m)
	s.LastActivityAt = m.CreatedAt
	return &s.Messages[m.Seq]
}

// Message returns the message with the given sequence number, or nil.
func (s *Session) Message(seq int) *Message {
	if seq < 0 || seq >= len(s.Messages) {
		return nil
	}
	return &s.Messages[seq]
}

// LastAvatarMessage returns the most recent avatar message, or nil.
func (s *Session) LastAvatarMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAvatar {
			return &s.Messages[i]
		}
	}
	return nil
}

// RevisionTail follows the revision chain starting at seq and returns the
// latest revision in it (seq itself when the message has never been revised).
// Chains are ordered lists: revision N+1 always points at revision N, so
// feedback on an already-revised message lands on the end of its chain.
func (s *Session) RevisionTail(seq int) *Message {
	tail := s.Message(seq)
	if tail == nil {
		return nil
	}
	for {
		next := s.revisionOf(tail.Seq)
		if next == nil {
			return tail
		}
		tail = next
	}
}

func (s *Session) revisionOf(seq int) *Message {
	for i := seq + 1; i < len(s.Messages); i++ {
		if s.Messages[i].OriginalSeq == seq {
			return &s.Messages[i]
		}
	}
	return nil
}

// RecentHistory returns up to n most recent non-revision turns in order,
// formatted as "role: content" lines for the generator.
func (s *Session) RecentHistory(n int) []string {
	var lines []string
	for i := range s.Messages {
		m := &s.Messages[i]
		if m.IsRevision() {
			continue
		}
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// LastCustomerText returns the content of the most recent customer turn, or
// an empty string. Used to derive knowledge retrieval keys.
func (s *Session) LastCustomerText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleCustomer {
			return s.Messages[i].Content
		}
	}
	return ""
}
