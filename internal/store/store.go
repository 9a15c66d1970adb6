// Package store keeps the controller journal in SQLite (WAL mode), with an
// in-memory implementation for tests and ephemeral runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with journal helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlJournal} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Append inserts e and returns its row id. A zero At is stamped with now.
func (db *DB) Append(ctx context.Context, e Entry) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO journal (kind, name, detail, error, at) VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.Name, e.Detail, e.Err, e.At.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to n entries, newest first.
func (db *DB) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, kind, name, detail, error, at FROM journal ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.Detail, &e.Err, &at); err != nil {
			return nil, fmt.Errorf("store: recent: %w", err)
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep entries.
func (db *DB) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM journal WHERE id NOT IN (SELECT id FROM journal ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlJournal = `
CREATE TABLE IF NOT EXISTS journal (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    kind   TEXT    NOT NULL,            -- 'state' | 'command'
    name   TEXT    NOT NULL,
    detail TEXT    NOT NULL DEFAULT '',
    error  TEXT    NOT NULL DEFAULT '',
    at     INTEGER NOT NULL             -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_journal_at ON journal (at DESC);
`
