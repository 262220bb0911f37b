// Package transcript writes NDJSON training-session transcripts.
//
// Transcripts are an audit trail for trainers reviewing how an avatar
// behaved; they are not engine state and their loss never affects a session.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one transcript line.
type Event struct {
	Timestamp   time.Time   `json:"ts"`
	SessionID   string      `json:"session_id"`
	AvatarType  string      `json:"avatar_type"`
	TrainerID   string      `json:"trainer_id"`
	Seq         int         `json:"seq"`
	Role        domain.Role `json:"role"`
	Content     string      `json:"content"`
	Emotion     string      `json:"emotion,omitempty"`
	Quality     int         `json:"quality,omitempty"`
	OriginalSeq int         `json:"original_message_id"`
	UserComment string      `json:"user_comment,omitempty"`
	Rating      int         `json:"rating,omitempty"`
}

// Logger asynchronously appends events to one NDJSON file per session,
// grouped by avatar type: <dir>/<avatar_type>/<session_id>.ndjson.
// A full queue drops events rather than blocking the engine.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewLogger creates a transcript logger and starts its writer goroutine.
// When disabled it still accepts events and silently discards them.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create transcript directory: %w", err)
		}
	}

	l := &Logger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues one appended message. Implements engine.TranscriptWriter.
func (l *Logger) Log(s *domain.Session, m *domain.Message) {
	if !l.cfg.Enabled {
		return
	}
	ev := Event{
		Timestamp:   m.CreatedAt,
		SessionID:   s.ID,
		AvatarType:  s.Avatar.AvatarType,
		TrainerID:   s.TrainerID,
		Seq:         m.Seq,
		Role:        m.Role,
		Content:     m.Content,
		Emotion:     m.Emotion,
		Quality:     m.Quality,
		OriginalSeq: m.OriginalSeq,
		UserComment: m.UserComment,
		Rating:      m.Rating,
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("transcript queue full, dropping event",
			"session_id", s.ID, "seq", m.Seq)
	}
}

// Close drains the queue and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
	})
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("failed to write transcript event",
				"session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(ev Event) error {
	dir := filepath.Join(l.cfg.Dir, ev.AvatarType)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create avatar directory: %w", err)
	}

	path := filepath.Join(dir, ev.SessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Warn("failed to close transcript file", "path", path, "error", closeErr)
		}
	}()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	return nil
}
