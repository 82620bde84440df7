// Package store caches the last attached session and its events in SQLite
// so genwatch can re-attach after a restart and show history offline.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/modforge/genwatch/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no session matches.
var ErrNotFound = errors.New("session not found")

// Session is the cached summary of one session.
type Session struct {
	ID          string
	Status      string
	ArtifactID  string
	PauseReason string
	EventCount  int
	UpdatedAt   time.Time
}

// Store is the SQLite cache.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession upserts the session summary.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	return s.saveSession(ctx, s.db, sess)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveSession(ctx context.Context, db execer, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("save session: empty id")
	}
	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, artifact_id, pause_reason, event_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			artifact_id = excluded.artifact_id,
			pause_reason = excluded.pause_reason,
			event_count = excluded.event_count,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Status, sess.ArtifactID, sess.PauseReason, sess.EventCount, updated.UnixNano())
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Record saves the session and replaces its cached events in one
// transaction. sess.EventCount is taken from events.
func (s *Store) Record(ctx context.Context, sess Session, events []event.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sess.EventCount = len(events)
	if err := s.saveSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := replaceEvents(ctx, tx, sess.ID, events); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceEvents(ctx context.Context, tx *sql.Tx, sessionID string, events []event.Event) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (session_id, seq, type, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		payload, err := event.Encode(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, string(ev.Type), payload); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	return nil
}

// LastSession returns the most recently updated session.
func (s *Store) LastSession(ctx context.Context) (Session, error) {
	sessions, err := s.Sessions(ctx, 1)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrNotFound
	}
	return sessions[0], nil
}

// Session returns one session by id.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, artifact_id, pause_reason, event_count, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, err
}

// Sessions lists cached sessions, newest first. limit <= 0 means all.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, artifact_id, pause_reason, event_count, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess    Session
		updated int64
	)
	if err := sc.Scan(&sess.ID, &sess.Status, &sess.ArtifactID, &sess.PauseReason, &sess.EventCount, &updated); err != nil {
		return Session{}, err
	}
	sess.UpdatedAt = time.Unix(0, updated)
	return sess, nil
}

// Events returns the cached events of a session in arrival order. Rows that
// no longer decode are skipped.
func (s *Store) Events(ctx context.Context, sessionID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := event.Decode(payload)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Forget deletes a session and its events.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}
