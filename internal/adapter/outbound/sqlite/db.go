// Package sqlite implements the embedded local stores (approvals, budget,
// replay, audit) over a single database file. The connection pool is
// pinned to one writer so register-if-absent and consume updates stay
// linearizable within the process.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer: sqlite serializes writes anyway, and a single
	// connection makes the register-if-absent and consume paths
	// linearizable without busy-retry loops.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			required_approvals INTEGER NOT NULL,
			required_roles TEXT NOT NULL DEFAULT '[]',
			approval_actors TEXT NOT NULL DEFAULT '[]',
			approval_actor_roles TEXT NOT NULL DEFAULT '{}',
			max_uses INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0,
			last_used_at DATETIME,
			request_fingerprint TEXT NOT NULL,
			reason TEXT,
			metadata TEXT,
			resolved_by TEXT,
			resolved_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_fingerprint ON approvals(request_fingerprint, status)`,
		`CREATE TABLE IF NOT EXISTS budget_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			suspended INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			triggered_at DATETIME,
			resumed_at DATETIME,
			resumed_by TEXT,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cost_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			usd_cost REAL NOT NULL,
			request_path TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_events_timestamp ON cost_events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS replay_entries (
			namespace TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			seen_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (namespace, key_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			recorded_at DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT,
			decision TEXT,
			risk_class TEXT,
			signals TEXT,
			request_path TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_recorded_at ON audit_records(recorded_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
