package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS runners (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		locked TIMESTAMPTZ,
		archived TIMESTAMPTZ,
		last_seen TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'CLAIMED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELED')),
		runner_id BIGINT REFERENCES runners (id),
		priority INTEGER NOT NULL DEFAULT 0,
		spec TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		claimed TIMESTAMPTZ,
		started TIMESTAMPTZ,
		completed TIMESTAMPTZ,
		last_heartbeat TIMESTAMPTZ,
		exit_code INTEGER,
		error_message TEXT,
		results TEXT,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, priority DESC, created)`,
	`CREATE INDEX IF NOT EXISTS jobs_heartbeat_idx ON jobs (status, last_heartbeat)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runners (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		created TIMESTAMP NOT NULL,
		locked TIMESTAMP,
		archived TIMESTAMP,
		last_seen TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'CLAIMED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELED')),
		runner_id INTEGER REFERENCES runners (id),
		priority INTEGER NOT NULL DEFAULT 0,
		spec TEXT NOT NULL,
		created TIMESTAMP NOT NULL,
		claimed TIMESTAMP,
		started TIMESTAMP,
		completed TIMESTAMP,
		last_heartbeat TIMESTAMP,
		exit_code INTEGER,
		error_message TEXT,
		results TEXT,
		cancel_requested BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, priority DESC, created)`,
	`CREATE INDEX IF NOT EXISTS jobs_heartbeat_idx ON jobs (status, last_heartbeat)`,
}

// EnsureSchema creates the tables this service needs. Migrations proper are
// owned elsewhere; this covers fresh databases and tests.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	var stmts []string
	switch s.db.DriverName() {
	case "postgres":
		stmts = postgresSchema
	case "sqlite3":
		stmts = sqliteSchema
	default:
		return fmt.Errorf("no schema for driver %q", s.db.DriverName())
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
