package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queryTimeout = 5 * time.Second

// BeginRun records a run. Every rank may call it; the first call wins and
// later calls with the same ID are ignored.
func (s *SQLiteStore) BeginRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if run.ID == "" {
		return fmt.Errorf("run ID must not be empty")
	}
	if run.Total < 0 || run.WorldSize < 1 {
		return fmt.Errorf("run %s: invalid total %d or world size %d", run.ID, run.Total, run.WorldSize)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, label, total, world_size, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Label, run.Total, run.WorldSize)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var run Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, total, world_size, created_at
		FROM runs WHERE id = ?
	`, runID).Scan(&run.ID, &run.Label, &run.Total, &run.WorldSize, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns every run, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, total, world_size, created_at
		FROM runs ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Label, &run.Total, &run.WorldSize, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// BeginRank records that a rank entered the loop of a run. Calling it again
// for the same rank restarts its entry.
func (s *SQLiteStore) BeginRank(ctx context.Context, rr RankRun) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rr.Last < rr.First {
		return fmt.Errorf("rank %d: range [%d, %d) is inverted", rr.Rank, rr.First, rr.Last)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rank_runs (run_id, rank, node, first_index, last_index, executed, status, error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id, rank) DO UPDATE SET
			node = excluded.node,
			first_index = excluded.first_index,
			last_index = excluded.last_index,
			executed = 0,
			status = excluded.status,
			error = '',
			started_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
	`, rr.RunID, rr.Rank, rr.Node, rr.First, rr.Last, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to begin rank %d of run %s: %w", rr.Rank, rr.RunID, err)
	}
	return nil
}

// UpdateExecuted checkpoints the number of tasks a rank has completed.
func (s *SQLiteStore) UpdateExecuted(ctx context.Context, runID string, rank int, executed int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.updateRank(ctx, `
		UPDATE rank_runs SET executed = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND rank = ?
	`, runID, rank, executed, runID, rank)
}

// FinishRank closes a rank's entry. A nil taskErr marks it completed.
func (s *SQLiteStore) FinishRank(ctx context.Context, runID string, rank int, executed int64, taskErr error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	status, errorStr := StatusCompleted, ""
	if taskErr != nil {
		status, errorStr = StatusFailed, taskErr.Error()
	}

	return s.updateRank(ctx, `
		UPDATE rank_runs SET executed = ?, status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND rank = ?
	`, runID, rank, executed, status, errorStr, runID, rank)
}

func (s *SQLiteStore) updateRank(ctx context.Context, query string, runID string, rank int, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rank %d of run %s: %w", rank, runID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rank %d of run %s was never started", rank, runID)
	}
	return nil
}

// ListRanks returns the entries of a run ordered by rank.
func (s *SQLiteStore) ListRanks(ctx context.Context, runID string) ([]RankRun, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, rank, node, first_index, last_index, executed, status, error, started_at, updated_at
		FROM rank_runs WHERE run_id = ? ORDER BY rank
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranks: %w", err)
	}
	defer rows.Close()

	var ranks []RankRun
	for rows.Next() {
		var rr RankRun
		if err := rows.Scan(&rr.RunID, &rr.Rank, &rr.Node, &rr.First, &rr.Last, &rr.Executed,
			&rr.Status, &rr.Error, &rr.StartedAt, &rr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		ranks = append(ranks, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ranks: %w", err)
	}
	return ranks, nil
}
