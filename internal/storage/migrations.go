package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS issue_groups (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					summary TEXT NOT NULL DEFAULT '',
					canonical_unit_id TEXT NOT NULL DEFAULT '',
					feature_bucket TEXT NOT NULL DEFAULT '',
					mode TEXT NOT NULL,
					priority TEXT NOT NULL,
					export_status TEXT NOT NULL DEFAULT 'pending',
					external_id TEXT NOT NULL DEFAULT '',
					external_url TEXT NOT NULL DEFAULT '',
					external_identifier TEXT NOT NULL DEFAULT '',
					cross_cutting INTEGER NOT NULL DEFAULT 0,
					target_ids TEXT NOT NULL DEFAULT '[]',
					affected_features TEXT NOT NULL DEFAULT '[]',
					labels TEXT NOT NULL DEFAULT '[]',
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS group_members (
					group_id TEXT NOT NULL REFERENCES issue_groups(id) ON DELETE CASCADE,
					unit_id TEXT NOT NULL,
					position INTEGER NOT NULL,
					PRIMARY KEY (group_id, unit_id)
				)`,
				`CREATE INDEX idx_group_members_unit ON group_members(unit_id)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Add embedding cache and export status index",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS embeddings (
					content_hash TEXT NOT NULL,
					model TEXT NOT NULL,
					dims INTEGER NOT NULL,
					vector BLOB NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (content_hash, model)
				)`,
				`CREATE INDEX idx_groups_export_status ON issue_groups(export_status)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Track groups superseded by regrouping",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`ALTER TABLE issue_groups ADD COLUMN superseded_by TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE issue_groups ADD COLUMN superseded_at DATETIME`,
				`CREATE INDEX idx_groups_mode_live ON issue_groups(mode, superseded_at)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
