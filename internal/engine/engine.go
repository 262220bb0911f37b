// Package engine implements the avatar training session engine: session
// lifecycle, turn generation, guided choices and the feedback learning loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/generator"
	"github.com/ashureev/avatar-labs/internal/knowledge"
	"github.com/ashureev/avatar-labs/internal/store"
	"github.com/google/uuid"
)

// Caller-mistake errors. These are surfaced verbatim and never retried.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAvatarNotFound   = errors.New("avatar type not found")
	ErrScenarioNotFound = errors.New("scenario not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrSessionEnded     = errors.New("session has ended")
	ErrInvalidChoice    = errors.New("choice not among current options")
	ErrValidation       = errors.New("invalid request")
)

// EventSink receives every message appended to any session, in append order,
// plus end-of-session notifications. Used for the live WebSocket feed.
type EventSink interface {
	Publish(sessionID string, m *domain.Message)
	SessionEnded(sessionID string)
}

// TranscriptWriter receives appended messages for audit transcripts.
type TranscriptWriter interface {
	Log(session *domain.Session, m *domain.Message)
}

type noopSink struct{}

func (noopSink) Publish(string, *domain.Message) {}

func (noopSink) SessionEnded(string) {}

type noopTranscript struct{}

func (noopTranscript) Log(*domain.Session, *domain.Message) {}

// Options tunes engine behavior.
type Options struct {
	// RetrieveLimit is the max learned responses injected per turn.
	RetrieveLimit int
	// GeneratorTimeout bounds every Turn Generator call.
	GeneratorTimeout time.Duration
	// HistoryWindow is how many recent turns the generator sees.
	HistoryWindow int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		RetrieveLimit:    3,
		GeneratorTimeout: 30 * time.Second,
		HistoryWindow:    12,
	}
}

// liveSession pairs a session with its serialization lock. All mutation of
// one session happens under its mutex, so two concurrent Continue calls on
// the same id cannot interleave appends.
type liveSession struct {
	mu sync.Mutex
	s  domain.Session
}

// Engine owns every active session and mediates between the message log,
// the knowledge store and the turn generator.
type Engine struct {
	repo       store.Repository
	gen        generator.TurnGenerator
	know       *knowledge.Service
	registry   *domain.Registry
	opts       Options
	logger     *slog.Logger
	sink       EventSink
	transcript TranscriptWriter

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// New creates an engine. Pass nil sink/transcript to disable those outputs.
func New(repo store.Repository, gen generator.TurnGenerator, know *knowledge.Service, registry *domain.Registry, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetrieveLimit <= 0 {
		opts.RetrieveLimit = DefaultOptions().RetrieveLimit
	}
	if opts.GeneratorTimeout <= 0 {
		opts.GeneratorTimeout = DefaultOptions().GeneratorTimeout
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultOptions().HistoryWindow
	}
	return &Engine{
		repo:       repo,
		gen:        gen,
		know:       know,
		registry:   registry,
		opts:       opts,
		logger:     logger,
		sink:       noopSink{},
		transcript: noopTranscript{},
		sessions:   make(map[string]*liveSession),
	}
}

// SetEventSink attaches a live event sink. Call before serving traffic.
func (e *Engine) SetEventSink(sink EventSink) {
	if sink != nil {
		e.sink = sink
	}
}

// SetTranscript attaches a transcript writer. Call before serving traffic.
func (e *Engine) SetTranscript(t TranscriptWriter) {
	if t != nil {
		e.transcript = t
	}
}

// StartSession creates a session for the avatar/scenario pair and seeds the
// log with the scenario's opening customer turn.
func (e *Engine) StartSession(ctx context.Context, trainerID, avatarType, scenarioID, businessContext string) (*domain.Session, error) {
	avatar, ok := e.registry.Avatar(avatarType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAvatarNotFound, avatarType)
	}
	scenario, ok := e.registry.Scenario(avatarType, scenarioID)
	if !ok {
		return nil, fmt.Errorf("%w: %q for avatar %q", ErrScenarioNotFound, scenarioID, avatarType)
	}

	now := time.Now()
	live := &liveSession{s: domain.Session{
		ID:              uuid.NewString(),
		TrainerID:       trainerID,
		Avatar:          avatar,
		Scenario:        scenario,
		BusinessContext: businessContext,
		Status:          domain.StatusActive,
		CreatedAt:       now,
		LastActivityAt:  now,
	}}

	opening := live.s.Append(domain.Message{
		Role:        domain.RoleCustomer,
		Content:     scenario.Opening,
		Emotion:     scenario.OpeningEmotion,
		OriginalSeq: domain.NoOriginal,
	})

	if err := e.repo.SaveSession(ctx, &live.s); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	if err := e.repo.AppendMessage(ctx, live.s.ID, opening); err != nil {
		return nil, fmt.Errorf("persist opening message: %w", err)
	}

	e.mu.Lock()
	e.sessions[live.s.ID] = live
	e.mu.Unlock()

	e.logger.Info("Training session started",
		"session_id", live.s.ID,
		"trainer_id", trainerID,
		"avatar_type", avatarType,
		"scenario_id", scenarioID)

	e.emit(&live.s, opening)
	return cloneSession(&live.s), nil
}

// Continue asks the generator for the avatar's next turn and appends it.
// Exactly one avatar message is appended per successful call; the call is
// not idempotent, so callers must not blindly retry successes.
func (e *Engine) Continue(ctx context.Context, sessionID string) (*domain.Message, error) {
	live, err := e.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	if live.s.Status == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}

	msg, err := e.generateAvatarTurn(ctx, &live.s, choiceEligible(&live.s))
	if err != nil {
		return nil, err
	}
	e.emit(&live.s, msg)
	return cloneMessage(msg), nil
}

// End marks a session ended; its log becomes read-only.
func (e *Engine) End(ctx context.Context, sessionID string) error {
	live, err := e.live(ctx, sessionID)
	if err != nil {
		return err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	if live.s.Status == domain.StatusEnded {
		return fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	live.s.Status = domain.StatusEnded
	live.s.LastActivityAt = time.Now()

	if err := e.repo.SaveSession(ctx, &live.s); err != nil {
		e.logger.Warn("failed to persist ended session", "session_id", sessionID, "error", err)
	}

	e.logger.Info("Training session ended",
		"session_id", sessionID,
		"turns", len(live.s.Messages),
		"response_quality", live.s.Metrics.ResponseQuality)

	e.sink.SessionEnded(sessionID)
	return nil
}

// Session returns a read-only snapshot of a session, loading evicted ones
// from the store.
func (e *Engine) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	e.mu.RLock()
	live, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		live.mu.Lock()
		defer live.mu.Unlock()
		return cloneSession(&live.s), nil
	}

	stored, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	// Stored rows carry only the descriptor ids; rehydrate them.
	if avatar, ok := e.registry.Avatar(stored.Avatar.AvatarType); ok {
		scenarioID := stored.Scenario.ScenarioID
		stored.Avatar = avatar
		if scenario, ok := e.registry.Scenario(avatar.AvatarType, scenarioID); ok {
			stored.Scenario = scenario
		}
	}
	return stored, nil
}

// generateAvatarTurn is the shared continue path: retrieve lessons, call the
// generator under a bounded timeout, append exactly one avatar message and
// fold its quality into the session metrics. On generator failure nothing is
// appended and nothing is written.
//
// Callers must hold the session lock, and emit the returned message (after
// any earlier appends) so observers see turns in append order.
func (e *Engine) generateAvatarTurn(ctx context.Context, s *domain.Session, wantChoices bool) (*domain.Message, error) {
	hint := s.LastCustomerText()
	lessons, err := e.know.Retrieve(ctx, s.Avatar.AvatarType, hint, e.opts.RetrieveLimit)
	if err != nil {
		// Retrieval is a best-effort relevance filter; a degraded turn beats
		// a failed one.
		e.logger.Warn("lesson retrieval failed", "session_id", s.ID, "error", err)
		lessons = nil
	}

	lessonText := make([]string, len(lessons))
	for i, l := range lessons {
		lessonText[i] = l.Lesson + " Preferred response: " + l.Corrected
	}

	genCtx, cancel := context.WithTimeout(ctx, e.opts.GeneratorTimeout)
	defer cancel()

	result, err := e.gen.Generate(genCtx, generator.TurnRequest{
		Role:            domain.RoleAvatar,
		Avatar:          s.Avatar,
		Scenario:        s.Scenario,
		BusinessContext: s.BusinessContext,
		History:         s.RecentHistory(e.opts.HistoryWindow),
		Lessons:         lessonText,
		WantChoices:     wantChoices,
	})
	if err != nil {
		return nil, fmt.Errorf("generate avatar turn: %w", err)
	}

	choices := result.Choices
	if !wantChoices {
		choices = nil
	}

	msg := s.Append(domain.Message{
		Role:        domain.RoleAvatar,
		Content:     result.Text,
		Emotion:     result.Emotion,
		Quality:     result.Quality,
		Choices:     choices,
		OriginalSeq: domain.NoOriginal,
	})
	s.Metrics.Observe(result.Quality)

	e.persistTurn(ctx, s, msg)
	e.know.MarkUsed(ctx, lessons)
	return msg, nil
}

// persistTurn writes an appended message and refreshed metrics. The in-memory
// log stays authoritative; persistence failures are logged, not fatal.
func (e *Engine) persistTurn(ctx context.Context, s *domain.Session, m *domain.Message) {
	if err := e.repo.AppendMessage(ctx, s.ID, m); err != nil {
		e.logger.Warn("failed to persist message", "session_id", s.ID, "seq", m.Seq, "error", err)
	}
	if err := e.repo.SaveSession(ctx, s); err != nil {
		e.logger.Warn("failed to persist session metrics", "session_id", s.ID, "error", err)
	}
}

func (e *Engine) emit(s *domain.Session, m *domain.Message) {
	e.sink.Publish(s.ID, cloneMessage(m))
	e.transcript.Log(s, m)
}

func (e *Engine) live(ctx context.Context, sessionID string) (*liveSession, error) {
	e.mu.RLock()
	live, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return live, nil
	}

	// Ended sessions are evicted from memory but stay in the store; mutating
	// calls on them are a state conflict, not an unknown id.
	stored, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		e.logger.Warn("failed to check stored session", "session_id", sessionID, "error", err)
	}
	if stored != nil && stored.Status == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

func cloneSession(s *domain.Session) *domain.Session {
	cp := *s
	cp.Messages = make([]domain.Message, len(s.Messages))
	for i := range s.Messages {
		cp.Messages[i] = *cloneMessage(&s.Messages[i])
	}
	return &cp
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	if m.Choices != nil {
		cp.Choices = append([]string(nil), m.Choices...)
	}
	return &cp
}
