// Package eventstore keeps the conversation log: every line, narration, verse
// emission and sequence status of a tutoring session, in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/config"
	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	KindConversation = "conversation"
	KindNarration    = "narration"
	KindPCMStream    = "audio.pcm"
	KindEncodedAudio = "audio.encoded"
	KindConfirmation = "playback.done"
	KindStatus       = "sequence.status"
	KindLesson       = "lesson"
	KindStory        = "story"
)

// Event is one entry of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	RunID     string
	Kind      string
	Role      string
	Text      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed conversation log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral retention
// opens no database and turns every write into a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    persona TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    run_id TEXT,
    kind TEXT NOT NULL,
    role TEXT,
    text TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendSession ensures a session row exists and records its persona.
func (s *Store) AppendSession(ctx context.Context, sessionID, persona string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, persona, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET persona=excluded.persona, updated_at=excluded.updated_at`,
		sessionID, persona, now, now)
	return err
}

// AppendEvent writes an event, creating the session row when missing.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.SessionID == "" {
		return errors.New("event session id must not be empty")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	ts := evt.CreatedAt.UTC().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, persona, created_at, updated_at) VALUES(?, '', ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at=excluded.updated_at`,
		evt.SessionID, ts, ts); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, run_id, kind, role, text, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.RunID, evt.Kind, evt.Role, evt.Text, evt.Payload, ts)
	return err
}

// ListSessionEvents retrieves up to limit events for a session in append order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return s.list(ctx, `WHERE session_id = ?`, sessionID, limit)
}

// ListRunEvents retrieves up to limit events of one sequence run in append order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	return s.list(ctx, `WHERE run_id = ?`, runID, limit)
}

func (s *Store) list(ctx context.Context, where, arg string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, run_id, kind, role, text, payload, created_at
		 FROM events `+where+` ORDER BY id ASC LIMIT ?`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var runID, role, text sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &runID, &e.Kind, &role, &text, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.RunID, e.Role, e.Text = runID.String, role.String, text.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
