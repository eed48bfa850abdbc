package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SchemaVersion is the version the migrations below bring a database to.
const SchemaVersion = 3

const settingSchemaVersion = "schema_version"

// migrations[i] upgrades a database from version i to i+1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		modified TEXT NOT NULL,
		post_id INTEGER NOT NULL DEFAULT 0,
		post_title TEXT NOT NULL DEFAULT '',
		post_content TEXT NOT NULL DEFAULT '',
		embeddings TEXT NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		post_status TEXT NOT NULL DEFAULT 'scheduled'
	);
	CREATE INDEX IF NOT EXISTS idx_entries_post_id ON entries(post_id);
	CREATE INDEX IF NOT EXISTS idx_entries_post_status ON entries(post_status);`,

	`ALTER TABLE entries ADD COLUMN storage TEXT NOT NULL DEFAULT 'local';
	CREATE INDEX IF NOT EXISTS idx_entries_storage ON entries(storage);`,

	`CREATE TABLE IF NOT EXISTS source_flags (
		post_id INTEGER NOT NULL,
		flag TEXT NOT NULL,
		PRIMARY KEY (post_id, flag)
	);`,
}

// migrate applies every migration newer than the recorded schema version.
// Each step and its version bump commit together.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create settings: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < len(migrations); v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return err
		}
		s.logger.Debug("applied schema migration", "version", v+1)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, from int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", from+1, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migrations[from]); err != nil {
		return fmt.Errorf("migration %d: %w", from+1, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		settingSchemaVersion, strconv.Itoa(from+1))
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", from+1, err)
	}
	return tx.Commit()
}

// schemaVersion returns the recorded version, 0 for a fresh database.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE name = ?", settingSchemaVersion).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return v, nil
}

// SchemaVersion returns the schema version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.schemaVersion(ctx)
}
