package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ExpectedSchemaVersion is the latest schema version the service runs against.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Application states",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS application_states (
					id UUID PRIMARY KEY,
					session_id TEXT UNIQUE NOT NULL,
					channel TEXT NOT NULL,
					user_identifier TEXT NOT NULL,
					current_step TEXT NOT NULL,
					form_data JSONB NOT NULL DEFAULT '{}'::jsonb,
					metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
					expires_at TIMESTAMPTZ NOT NULL,
					expired_at TIMESTAMPTZ,
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
				`CREATE INDEX IF NOT EXISTS idx_application_states_user_channel
					ON application_states(user_identifier, channel, updated_at DESC)
					WHERE expired_at IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_application_states_expires_at
					ON application_states(expires_at)
					WHERE expired_at IS NULL`,
			})
		},
	},
	{
		Version:     2,
		Description: "Transition timeline",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS application_state_transitions (
					seq BIGSERIAL PRIMARY KEY,
					state_id UUID NOT NULL REFERENCES application_states(id) ON DELETE CASCADE,
					from_step TEXT NOT NULL,
					to_step TEXT NOT NULL,
					channel TEXT NOT NULL,
					transition_data JSONB NOT NULL DEFAULT '{}'::jsonb,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
				`CREATE INDEX IF NOT EXISTS idx_transitions_state_seq
					ON application_state_transitions(state_id, seq)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Finalization: application id and reference codes",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`ALTER TABLE application_states ADD COLUMN IF NOT EXISTS application_id UUID`,
				`ALTER TABLE application_states ADD COLUMN IF NOT EXISTS reference_code TEXT`,
				`ALTER TABLE application_states ADD COLUMN IF NOT EXISTS reference_code_expires_at TIMESTAMPTZ`,
				`CREATE INDEX IF NOT EXISTS idx_application_states_reference_code
					ON application_states(reference_code)
					WHERE reference_code IS NOT NULL`,
			})
		},
	},
}

// Migrate applies every pending migration, each in its own transaction, and
// records it in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
			migration.Version, migration.Description); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		s.logger.Info("Applied migration", map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		currentVersion = migration.Version
	}

	if currentVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, currentVersion)
	}
	return nil
}
