package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var baseSchemaSQL string

// migrations are applied in order; migrations[i] moves user_version from i to
// i+1. Entries are append-only and must never drop or rewrite columns.
var migrations = []string{
	// 1: base tables.
	baseSchemaSQL,

	// 2: local audit trail and persisted background failures.
	`CREATE TABLE IF NOT EXISTS status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assignment_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_history_assignment ON status_history(user_id, assignment_id);

	CREATE TABLE IF NOT EXISTS error_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		context TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,

	// 3: drain scans filter on next_attempt_at.
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_eligible ON sync_queue(user_id, status, next_attempt_at, id);`,

	// 4: claims are leased so several processes can share one queue.
	`ALTER TABLE sync_queue ADD COLUMN claimed_at INTEGER NOT NULL DEFAULT 0;`,
}

// SchemaVersion is the user_version a fully migrated store reports.
func SchemaVersion() int {
	return len(migrations)
}

// migrate applies every migration newer than the stored user_version, each in
// its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		if err := s.applyMigration(ctx, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, target int, stmt string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", target, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to apply migration %d: %w", target, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", target, err)
	}
	return tx.Commit()
}

// Version reports the current schema version of the open database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var version int
	err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}
