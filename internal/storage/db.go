package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// DB wraps the SQLite database holding call requests and the
// profile/document verification state.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database at dbPath.
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// PRAGMAs are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Create internal metadata table
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// Call requests. The partial unique index is the durable form of
	// "at most one open request per applicant".
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_requests (
			id                 TEXT PRIMARY KEY,
			applicant_id       TEXT NOT NULL,
			reviewer_id        TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			kind               TEXT NOT NULL DEFAULT 'video',
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL,
			heartbeat_at       INTEGER NOT NULL,
			external_join_link TEXT NOT NULL DEFAULT '',
			outcome            TEXT NOT NULL DEFAULT '',
			reviewer_notes     TEXT NOT NULL DEFAULT '',
			end_reason         TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS call_requests_one_open
			ON call_requests(applicant_id)
			WHERE status IN ('waiting', 'accepted', 'connected');
		CREATE INDEX IF NOT EXISTS call_requests_status
			ON call_requests(status, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_requests table: %w", err)
	}

	// Verification state: one row per applicant plus an append-only decision
	// log keyed by call id.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS verification (
			applicant_id       TEXT PRIMARY KEY,
			status             TEXT NOT NULL,
			outcome            TEXT NOT NULL DEFAULT '',
			call_id            TEXT NOT NULL DEFAULT '',
			call_created_at    INTEGER NOT NULL DEFAULT 0,
			notes              TEXT NOT NULL DEFAULT '',
			decided_at         INTEGER NOT NULL,
			documents_resolved INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS verification_decisions (
			call_id      TEXT PRIMARY KEY,
			applicant_id TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			notes        TEXT NOT NULL DEFAULT '',
			decided_at   INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create verification tables: %w", err)
	}
	// Migration: add call_created_at if missing (existing databases)
	db.Exec(`ALTER TABLE verification ADD COLUMN call_created_at INTEGER NOT NULL DEFAULT 0`)

	// Documents uploaded by applicants. Upload itself happens elsewhere; this
	// store only resolves pending documents when a verdict lands.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id           TEXT PRIMARY KEY,
			applicant_id TEXT NOT NULL,
			kind         TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			call_id      TEXT NOT NULL DEFAULT '',
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS documents_applicant
			ON documents(applicant_id, status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	if _, err := db.Exec(`INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the internal key/value table, or "" if unset.
func (d *DB) Meta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SetMeta stores a value in the internal key/value table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
