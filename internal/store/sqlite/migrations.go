package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			plugin TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (plugin, task_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
