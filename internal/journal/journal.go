// Package journal is the durable, append-only session event log backed by
// SQLite. It owns the sessions and events tables: every committed event gets
// the next sequence number for its session, starting at 1 with no gaps, and
// is never mutated afterwards. Appends go through a per-session Appender
// (single-writer discipline, enforced by the orchestrator); reads can run
// concurrently with the writer thanks to WAL mode.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentdeck/agentdeck/internal/event"
)

// Status is the session lifecycle status stored in the sessions table.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// Terminal reports whether no further transition can leave this status.
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusFailed || s == StatusStopped
}

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found")

// WriteError wraps a storage failure during append. An append that fails
// forces the owning session to Failed; committed history is never affected.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "journal write: " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// SessionRecord is the persisted session row. It outlives the process: once
// a session ends its history stays readable until explicitly deleted.
type SessionRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Agent     string    `json:"agent"`
	WorkDir   string    `json:"work_dir"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	LastSeq   uint64    `json:"last_seq"`
}

// Store is the SQLite-backed journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal database. DSN forms:
//   - "/path/to/file.db"
//   - "sqlite:///path/to/file.db"
//   - ":memory:" (tests only; unsafe across connections)
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty journal DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=FULL;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("applying pragma: %w", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions(
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			agent      TEXT NOT NULL,
			work_dir   TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_seq   INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS events(
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT,
			timestamp  TIMESTAMP NOT NULL,
			PRIMARY KEY(session_id, seq)
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, project_id, agent, work_dir, status, created_at, last_seq)
		VALUES(?, ?, ?, ?, ?, ?, 0);`,
		rec.ID, rec.ProjectID, rec.Agent, rec.WorkDir, string(rec.Status), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating session row: %w", err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, agent, work_dir, status, created_at, last_seq
		FROM sessions WHERE id = ?;`, id)
	var rec SessionRecord
	var status string
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Agent, &rec.WorkDir, &status, &rec.CreatedAt, &rec.LastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = Status(status)
	return &rec, nil
}

// ListSessions returns all session rows, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, agent, work_dir, status, created_at, last_seq
		FROM sessions ORDER BY created_at DESC, id DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Agent, &rec.WorkDir, &status, &rec.CreatedAt, &rec.LastSeq); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSessionStatus persists a status transition.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?;`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session row and its entire event history.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?;`, id); err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ReadRange returns committed events with seq > after, in sequence order,
// capped at limit. The view is prefix-consistent: a committed sequence is
// never skipped.
func (s *Store) ReadRange(ctx context.Context, sessionID string, after uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, timestamp
		FROM events WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?;`, sessionID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev := event.Event{SessionID: sessionID}
		var kind string
		var payload sql.NullString
		if err := rows.Scan(&ev.Seq, &kind, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = event.Kind(kind)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Appender is the single writer for one session's event sequence. It caches
// the next sequence number so appends need one transaction, not a read.
// Append is single-goroutine; LastSeq may be read from any goroutine, hence
// the atomic.
type Appender struct {
	store     *Store
	sessionID string
	nextSeq   atomic.Uint64
}

// OpenAppender creates the appender for a session, resuming after the last
// committed sequence. The caller must ensure only one Appender is live per
// session.
func (s *Store) OpenAppender(ctx context.Context, sessionID string) (*Appender, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	a := &Appender{store: s, sessionID: sessionID}
	a.nextSeq.Store(rec.LastSeq + 1)
	return a, nil
}

// Append commits one event and returns it with its assigned sequence. The
// event row and the session's last_seq move in one transaction, so a torn
// write is never visible. On error the sequence is not consumed and the
// caller must stop appending to this session.
func (a *Appender) Append(ctx context.Context, kind event.Kind, payload []byte) (event.Event, error) {
	ev := event.Event{
		SessionID: a.sessionID,
		Seq:       a.nextSeq.Load(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, &WriteError{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events(session_id, seq, kind, payload, timestamp)
		VALUES(?, ?, ?, ?, ?);`,
		ev.SessionID, ev.Seq, string(ev.Kind), nullableString(ev.Payload), ev.Timestamp); err != nil {
		return event.Event{}, &WriteError{Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_seq = ? WHERE id = ?;`, ev.Seq, ev.SessionID); err != nil {
		return event.Event{}, &WriteError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, &WriteError{Err: err}
	}

	a.nextSeq.Add(1)
	return ev, nil
}

// LastSeq returns the sequence of the most recently committed event.
func (a *Appender) LastSeq() uint64 {
	return a.nextSeq.Load() - 1
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
