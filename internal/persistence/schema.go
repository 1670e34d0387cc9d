package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL,
		world_size INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rank_runs (
		run_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		node TEXT NOT NULL DEFAULT '',
		first_index INTEGER NOT NULL,
		last_index INTEGER NOT NULL,
		executed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, rank),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_rank_runs_run_id ON rank_runs(run_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
