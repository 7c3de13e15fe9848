package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists audit entries to a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps db and creates the audit table if needed.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenSQLite opens (or creates) a SQLite audit database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit db: %w", err)
	}
	return NewSQLiteBackend(db)
}

func (b *SQLiteBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		entry_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		payload JSON,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	);`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

// Persist implements Backend.
func (b *SQLiteBackend) Persist(entry *Entry) error {
	query := `
	INSERT INTO audit_entries
		(entry_id, sequence, timestamp, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := b.db.ExecContext(context.Background(), query,
		entry.EntryID, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.EntryType), entry.Subject, entry.Action,
		string(entry.Payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash)
	return err
}

// List returns the most recent entries, newest first.
func (b *SQLiteBackend) List(ctx context.Context, limit int) ([]*Entry, error) {
	query := `
	SELECT entry_id, sequence, timestamp, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash
	FROM audit_entries
	ORDER BY sequence DESC
	LIMIT ?`
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			payload string
		)
		if err := rows.Scan(&e.EntryID, &e.Sequence, &ts, &e.EntryType, &e.Subject,
			&e.Action, &payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse entry timestamp: %w", err)
		}
		e.Timestamp = parsed
		e.Payload = []byte(payload)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
