// Package postgres implements the repositories on PostgreSQL using
// database/sql with lib/pq. State transitions are single guarded UPDATEs
// and retry claims use FOR UPDATE SKIP LOCKED, so multiple engine hosts
// can share one database without a coordinator.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL and applies pool settings.
func Open(url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}

// EnsureSchema creates the tables and indexes if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			conditions JSONB NOT NULL DEFAULT '[]',
			template TEXT NOT NULL,
			destination TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_site_event
			ON triggers (site_id, event_type) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS dispatch_attempts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			destination TEXT NOT NULL,
			rendered_message TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			provider_message_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			fingerprint TEXT NOT NULL DEFAULT '',
			next_retry_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// One live dispatch per (event, trigger); suppressed audit rows
		// are exempt so replays can still be recorded.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_attempts_event_trigger
			ON dispatch_attempts (event_id, trigger_id) WHERE state <> 'suppressed'`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_retry
			ON dispatch_attempts (next_retry_at) WHERE state = 'failed' AND next_retry_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_fingerprint
			ON dispatch_attempts (trigger_id, fingerprint, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_site_state
			ON dispatch_attempts (site_id, state, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS delivery_receipts (
			id BIGSERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ,
			applied BOOLEAN NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_attempt
			ON delivery_receipts (attempt_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
