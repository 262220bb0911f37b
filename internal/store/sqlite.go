package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode so knowledge reads never block on a
	// concurrent feedback write.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS trainers (
		trainer_id   TEXT PRIMARY KEY,
		username     TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id       TEXT PRIMARY KEY,
		trainer_id       TEXT NOT NULL,
		avatar_type      TEXT NOT NULL,
		scenario_id      TEXT NOT NULL,
		business_context TEXT NOT NULL,
		status           TEXT NOT NULL,
		response_quality REAL NOT NULL DEFAULT 0,
		goal_achievement REAL NOT NULL DEFAULT 0,
		conversation_flow REAL NOT NULL DEFAULT 0,
		satisfaction     REAL NOT NULL DEFAULT 0,
		metric_samples   INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_avatar ON sessions(avatar_type);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS messages (
		session_id          TEXT NOT NULL,
		seq                 INTEGER NOT NULL,
		role                TEXT NOT NULL,
		content             TEXT NOT NULL,
		emotion             TEXT,
		quality             INTEGER,
		choices_json        TEXT,
		choices_resolved    INTEGER NOT NULL DEFAULT 0,
		original_seq        INTEGER NOT NULL DEFAULT -1,
		user_comment        TEXT,
		rating              INTEGER,
		is_choice_selection INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS learned_responses (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		avatar_type TEXT NOT NULL,
		context_key TEXT NOT NULL,
		lesson      TEXT NOT NULL,
		corrected   TEXT NOT NULL,
		use_count   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_learned_avatar ON learned_responses(avatar_type);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetTrainer retrieves a trainer by id.
func (s *SQLiteStore) GetTrainer(ctx context.Context, trainerID string) (*domain.Trainer, error) {
	query := `SELECT trainer_id, username, created_at, last_seen_at FROM trainers WHERE trainer_id = ?`
	row := s.db.QueryRowContext(ctx, query, trainerID)

	var t domain.Trainer
	var createdAt, lastSeen int64
	err := row.Scan(&t.TrainerID, &t.Username, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trainer row: %w", err)
	}

	t.CreatedAt = time.Unix(createdAt, 0)
	t.LastSeenAt = time.Unix(lastSeen, 0)
	return &t, nil
}

// UpsertTrainer creates or refreshes a trainer record.
func (s *SQLiteStore) UpsertTrainer(ctx context.Context, trainer *domain.Trainer) error {
	query := `
	INSERT INTO trainers (trainer_id, username, created_at, last_seen_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(trainer_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at`

	_, err := s.db.ExecContext(ctx, query,
		trainer.TrainerID, trainer.Username,
		trainer.CreatedAt.Unix(), trainer.LastSeenAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert trainer: %w", err)
	}
	return nil
}

// SaveSession upserts session metadata and running metrics.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (
		session_id, trainer_id, avatar_type, scenario_id, business_context,
		status, response_quality, goal_achievement, conversation_flow,
		satisfaction, metric_samples, created_at, last_activity_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		response_quality = excluded.response_quality,
		goal_achievement = excluded.goal_achievement,
		conversation_flow = excluded.conversation_flow,
		satisfaction = excluded.satisfaction,
		metric_samples = excluded.metric_samples,
		last_activity_at = excluded.last_activity_at`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.TrainerID, session.Avatar.AvatarType,
		session.Scenario.ScenarioID, session.BusinessContext,
		string(session.Status),
		session.Metrics.ResponseQuality, session.Metrics.GoalAchievement,
		session.Metrics.Flow, session.Metrics.Satisfaction,
		session.Metrics.Samples,
		session.CreatedAt.Unix(), session.LastActivityAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession loads a session with its full message log. Avatar and scenario
// descriptors are not stored; callers re-resolve them from the registry.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, trainer_id, avatar_type, scenario_id,
		       business_context, status, response_quality, goal_achievement,
		       conversation_flow, satisfaction, metric_samples,
		       created_at, last_activity_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var status string
	var createdAt, lastActivity int64
	err := row.Scan(
		&sess.ID, &sess.TrainerID, &sess.Avatar.AvatarType,
		&sess.Scenario.ScenarioID, &sess.BusinessContext, &status,
		&sess.Metrics.ResponseQuality, &sess.Metrics.GoalAchievement,
		&sess.Metrics.Flow, &sess.Metrics.Satisfaction, &sess.Metrics.Samples,
		&createdAt, &lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)

	messages, err := s.listMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Messages = messages

	return &sess, nil
}

func (s *SQLiteStore) listMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT seq, role, content, emotion, quality, choices_json,
		       choices_resolved, original_seq, user_comment, rating,
		       is_choice_selection, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var emotion, choicesJSON, comment sql.NullString
		var quality, rating sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&m.Seq, &role, &m.Content, &emotion, &quality, &choicesJSON,
			&m.ChoicesResolved, &m.OriginalSeq, &comment, &rating,
			&m.IsChoiceSelection, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		m.Role = domain.Role(role)
		m.Emotion = emotion.String
		m.Quality = int(quality.Int64)
		m.UserComment = comment.String
		m.Rating = int(rating.Int64)
		m.CreatedAt = time.Unix(createdAt, 0)
		if choicesJSON.Valid && choicesJSON.String != "" {
			if err := json.Unmarshal([]byte(choicesJSON.String), &m.Choices); err != nil {
				return nil, fmt.Errorf("decode choices: %w", err)
			}
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// AppendMessage persists one message of a session's log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, m *domain.Message) error {
	choicesJSON, err := encodeChoices(m.Choices)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO messages (
		session_id, seq, role, content, emotion, quality, choices_json,
		choices_resolved, original_seq, user_comment, rating,
		is_choice_selection, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		sessionID, m.Seq, string(m.Role), m.Content,
		nullable(m.Emotion), m.Quality, choicesJSON,
		m.ChoicesResolved, m.OriginalSeq,
		nullable(m.UserComment), m.Rating,
		m.IsChoiceSelection, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessage rewrites the mutable fields of an existing message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, sessionID string, m *domain.Message) error {
	choicesJSON, err := encodeChoices(m.Choices)
	if err != nil {
		return err
	}

	query := `
	UPDATE messages SET
		choices_json = ?, choices_resolved = ?, user_comment = ?, rating = ?
	WHERE session_id = ? AND seq = ?`

	result, err := s.db.ExecContext(ctx, query,
		choicesJSON, m.ChoicesResolved,
		nullable(m.UserComment), m.Rating,
		sessionID, m.Seq,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateMessage affected 0 rows", "session_id", sessionID, "seq", m.Seq)
	}
	return nil
}

// InsertLearnedResponse appends a knowledge entry and returns its id.
// Retries with exponential backoff on SQLITE_BUSY so two trainers committing
// feedback for the same avatar at once both land their lesson.
func (s *SQLiteStore) InsertLearnedResponse(ctx context.Context, lr *domain.LearnedResponse) (int64, error) {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		id, err := s.insertLearnedResponseOnce(ctx, lr)
		if err == nil {
			return id, nil
		}
		lastErr = err

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("InsertLearnedResponse hit SQLITE_BUSY, retrying",
				"avatar_type", lr.AvatarType,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		break
	}
	return 0, fmt.Errorf("insert learned response for %s: %w", lr.AvatarType, lastErr)
}

func (s *SQLiteStore) insertLearnedResponseOnce(ctx context.Context, lr *domain.LearnedResponse) (int64, error) {
	query := `
	INSERT INTO learned_responses (avatar_type, context_key, lesson, corrected, use_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		lr.AvatarType, lr.ContextKey, lr.Lesson, lr.Corrected,
		lr.UseCount, lr.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListLearnedResponses returns all knowledge entries for one avatar type.
func (s *SQLiteStore) ListLearnedResponses(ctx context.Context, avatarType string) ([]domain.LearnedResponse, error) {
	query := `
		SELECT id, avatar_type, context_key, lesson, corrected, use_count, created_at
		FROM learned_responses WHERE avatar_type = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, avatarType)
	if err != nil {
		return nil, fmt.Errorf("query learned responses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close learned response rows", "error", closeErr)
		}
	}()

	var entries []domain.LearnedResponse
	for rows.Next() {
		var lr domain.LearnedResponse
		var createdAt int64
		if err := rows.Scan(&lr.ID, &lr.AvatarType, &lr.ContextKey, &lr.Lesson, &lr.Corrected, &lr.UseCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan learned response row: %w", err)
		}
		lr.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, lr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learned responses: %w", err)
	}
	return entries, nil
}

// IncrementLessonUse bumps the usage counter of the given entries.
func (s *SQLiteStore) IncrementLessonUse(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE learned_responses SET use_count = use_count + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("increment lesson use %d: %w", id, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func encodeChoices(choices []string) (interface{}, error) {
	if len(choices) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(choices)
	if err != nil {
		return nil, fmt.Errorf("encode choices: %w", err)
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
