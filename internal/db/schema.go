// Package db provides SQLite database management for dbanative.
// Two databases live in the state directory: state.db (connection records and
// credential profiles) and audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	StateDBFile = "state.db"
	AuditDBFile = "audit.db"
)

// StateSchema defines all tables for the state database.
const StateSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

-- One row per connection record. Secrets never land here; the vault holds them.
CREATE TABLE IF NOT EXISTS host_records (
    host                           TEXT PRIMARY KEY,
    ambient_good                   INTEGER NOT NULL DEFAULT 0,
    ambient_bad                    INTEGER NOT NULL DEFAULT 0,
    good_identity                  TEXT DEFAULT '',
    bad_identities                 TEXT DEFAULT '[]',  -- JSON array of user names
    disable_bad_credential_cache   TEXT NOT NULL DEFAULT 'inherit',
    disable_credential_auto_register TEXT NOT NULL DEFAULT 'inherit',
    override_explicit_credential   TEXT NOT NULL DEFAULT 'inherit',
    enable_credential_failover     TEXT NOT NULL DEFAULT 'inherit',
    disable_session_persistence    TEXT NOT NULL DEFAULT 'inherit',
    overrides_global_disablement   INTEGER NOT NULL DEFAULT 0,
    updated_at                     TEXT NOT NULL
);

-- Per-protocol outcome for each host
CREATE TABLE IF NOT EXISTS protocol_states (
    host          TEXT NOT NULL REFERENCES host_records(host) ON DELETE CASCADE,
    protocol      TEXT NOT NULL,
    state         TEXT NOT NULL DEFAULT 'unknown',
    last_attempt  TEXT DEFAULT '',
    PRIMARY KEY (host, protocol)
);

CREATE INDEX IF NOT EXISTS idx_protocol_states_state ON protocol_states(state);

-- Named credential profiles; the secret sits in the vault under vault_key_ref
CREATE TABLE IF NOT EXISTS credential_profiles (
    uuid           TEXT PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    user_name      TEXT NOT NULL,
    description    TEXT DEFAULT '',
    vault_key_ref  TEXT NOT NULL,
    hosts          TEXT DEFAULT '[]',  -- JSON array of host keys the profile is pinned to
    created_at     TEXT NOT NULL,
    last_used_at   TEXT DEFAULT '',
    is_archived    INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_credential_profiles_user ON credential_profiles(user_name);
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    TEXT NOT NULL,
    run_id       TEXT DEFAULT '',
    operator     TEXT NOT NULL DEFAULT 'local',
    event_type   TEXT NOT NULL,
    host         TEXT DEFAULT '',
    detail       TEXT DEFAULT '{}',
    record_hash  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_host ON audit_log(host);
CREATE INDEX IF NOT EXISTS idx_audit_log_event ON audit_log(event_type);
`

// OpenStateDB opens or creates the state database in dir.
func OpenStateDB(dir string) (*sql.DB, error) {
	dbPath := filepath.Join(dir, StateDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	if _, err := db.Exec(StateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}

	return db, nil
}

// OpenAuditDB opens or creates the append-only audit database in dir.
func OpenAuditDB(dir string) (*sql.DB, error) {
	dbPath := filepath.Join(dir, AuditDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureStateDir creates the state directory structure.
func EnsureStateDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	return os.Chmod(path, 0700)
}
