package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresBackend persists audit entries to a PostgreSQL database, for
// deployments that centralize audit trails off the node.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps db and creates the audit table if needed.
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenPostgres connects to the database described by dsn.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit db: %w", err)
	}
	return NewPostgresBackend(db)
}

func (b *PostgresBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		entry_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		payload JSONB,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

// Persist implements Backend.
func (b *PostgresBackend) Persist(entry *Entry) error {
	query := `
	INSERT INTO audit_entries
		(entry_id, sequence, timestamp, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := b.db.ExecContext(context.Background(), query,
		entry.EntryID, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.EntryType), entry.Subject, entry.Action,
		string(entry.Payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash)
	return err
}

// List returns the most recent entries, newest first.
func (b *PostgresBackend) List(ctx context.Context, limit int) ([]*Entry, error) {
	query := `
	SELECT entry_id, sequence, timestamp, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash
	FROM audit_entries
	ORDER BY sequence DESC
	LIMIT $1`
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Close closes the underlying database.
func (b *PostgresBackend) Close() error { return b.db.Close() }
