// Package store persists the checkpoint journal: session lifecycle events
// and checkpoint/task frames received on the control socket. The journal is
// append-only and survives daemon restarts (unlike manager state, which is
// cleared on start).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`,
}

// Open opens (and migrates) the journal database at dsn.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Entry is one journal row.
type Entry struct {
	ID        int64
	SessionID string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// Append records one event.
func (j *Journal) Append(sessionID, typ, detail string) error {
	_, err := j.db.Exec(
		"INSERT INTO events (session_id, type, detail) VALUES (?, ?, ?)",
		sessionID, typ, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent returns the newest limit entries, newest first.
func (j *Journal) Recent(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(
		"SELECT id, session_id, type, detail, created_at FROM events ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Detail, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
			e.CreatedAt = t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// BySession returns events for one session, oldest first.
func (j *Journal) BySession(sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		"SELECT id, session_id, type, detail, created_at FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?",
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Detail, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
			e.CreatedAt = t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
