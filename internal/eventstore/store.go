package eventstore

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

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// Session is one daemon lifetime, from lock acquisition to shutdown.
type Session struct {
	ID        string
	PID       int
	Socket    string
	Version   string
	StartedAt time.Time
	StoppedAt time.Time
}

// Event is a recorded timeline entry of a daemon session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Level     string
	Message   string
	Attrs     map[string]string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed journal of daemon sessions and their events.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
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
    pid INTEGER,
    socket_path TEXT,
    version TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    level TEXT,
    message TEXT,
    attrs TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
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

// Enabled reports whether anything is persisted.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// BeginSession records the start of a daemon session.
func (s *Store) BeginSession(ctx context.Context, session Session) error {
	if s.db == nil {
		return nil
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, pid, socket_path, version, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET pid=excluded.pid, socket_path=excluded.socket_path, version=excluded.version`,
		session.ID, session.PID, session.Socket, session.Version, millis(session.StartedAt))
	return err
}

// EndSession stamps the stop time of a session.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET stopped_at = ? WHERE session_id = ?`,
		millis(s.clock()), sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	var attrs []byte
	if len(evt.Attrs) > 0 {
		var err error
		if attrs, err = json.Marshal(evt.Attrs); err != nil {
			return fmt.Errorf("encode event attrs: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, level, message, attrs, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Level, evt.Message, string(attrs), millis(evt.CreatedAt))
	return err
}

const eventColumns = `id, session_id, event_type, level, message, attrs, created_at`

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// RecentEvents returns the newest events across all sessions, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var level, message, attrs sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &level, &message, &attrs, &created); err != nil {
			return nil, err
		}
		e.Level, e.Message = level.String, message.String
		e.CreatedAt = fromMillis(created)
		if attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attrs); err != nil {
				return nil, fmt.Errorf("decode attrs of event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, pid, socket_path, version, started_at, stopped_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var ss Session
		var socket, version sql.NullString
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(&ss.ID, &ss.PID, &socket, &version, &started, &stopped); err != nil {
			return nil, err
		}
		ss.Socket, ss.Version = socket.String, version.String
		ss.StartedAt = fromMillis(started)
		if stopped.Valid {
			ss.StoppedAt = fromMillis(stopped.Int64)
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
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
		cutoff := millis(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
