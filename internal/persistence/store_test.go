package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// recordRun writes a run of total tasks split over the given ranges, each
// rank executing executed[i] tasks.
func recordRun(t *testing.T, store Store, id string, total int64, ranges [][2]int64, executed []int64) {
	t.Helper()
	ctx := context.Background()

	if err := store.BeginRun(ctx, Run{ID: id, Label: "test", Total: total, WorldSize: len(ranges)}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	for r, rg := range ranges {
		if err := store.BeginRank(ctx, RankRun{RunID: id, Rank: r, Node: "node", First: rg[0], Last: rg[1]}); err != nil {
			t.Fatalf("BeginRank %d failed: %v", r, err)
		}
		if err := store.FinishRank(ctx, id, r, executed[r], nil); err != nil {
			t.Fatalf("FinishRank %d failed: %v", r, err)
		}
	}
}

func TestBeginRun_Idempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.BeginRun(ctx, Run{ID: "run-1", Label: "pi", Total: 10, WorldSize: 3}); err != nil {
			t.Fatalf("BeginRun call %d failed: %v", i, err)
		}
	}
	// A later rank disagreeing on the label does not overwrite the first record.
	if err := store.BeginRun(ctx, Run{ID: "run-1", Label: "other", Total: 10, WorldSize: 3}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Label != "pi" || run.Total != 10 || run.WorldSize != 3 {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestBeginRun_Invalid(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.BeginRun(ctx, Run{ID: "", Total: 1, WorldSize: 1}); err == nil {
		t.Error("expected error for empty ID")
	}
	if err := store.BeginRun(ctx, Run{ID: "x", Total: -1, WorldSize: 1}); err == nil {
		t.Error("expected error for negative total")
	}
	if err := store.BeginRun(ctx, Run{ID: "x", Total: 1, WorldSize: 0}); err == nil {
		t.Error("expected error for empty world")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRankLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.BeginRun(ctx, Run{ID: "run-1", Total: 10, WorldSize: 1}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.BeginRank(ctx, RankRun{RunID: "run-1", Rank: 0, Node: "n0", First: 0, Last: 10}); err != nil {
		t.Fatalf("BeginRank failed: %v", err)
	}
	if err := store.UpdateExecuted(ctx, "run-1", 0, 4); err != nil {
		t.Fatalf("UpdateExecuted failed: %v", err)
	}

	ranks, err := store.ListRanks(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRanks failed: %v", err)
	}
	if len(ranks) != 1 {
		t.Fatalf("expected 1 rank, got %d", len(ranks))
	}
	if ranks[0].Status != StatusRunning || ranks[0].Executed != 4 || ranks[0].Share() != 10 {
		t.Errorf("unexpected rank after checkpoint: %+v", ranks[0])
	}

	if err := store.FinishRank(ctx, "run-1", 0, 7, errors.New("boom")); err != nil {
		t.Fatalf("FinishRank failed: %v", err)
	}
	ranks, err = store.ListRanks(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRanks failed: %v", err)
	}
	if ranks[0].Status != StatusFailed || ranks[0].Error != "boom" || ranks[0].Executed != 7 {
		t.Errorf("unexpected rank after failure: %+v", ranks[0])
	}

	// Restarting the rank clears the failure.
	if err := store.BeginRank(ctx, RankRun{RunID: "run-1", Rank: 0, Node: "n0", First: 0, Last: 10}); err != nil {
		t.Fatalf("BeginRank restart failed: %v", err)
	}
	ranks, err = store.ListRanks(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRanks failed: %v", err)
	}
	if ranks[0].Status != StatusRunning || ranks[0].Error != "" || ranks[0].Executed != 0 {
		t.Errorf("unexpected rank after restart: %+v", ranks[0])
	}
}

func TestBeginRank_RequiresRun(t *testing.T) {
	store := testStore(t)

	err := store.BeginRank(context.Background(), RankRun{RunID: "ghost", Rank: 0, First: 0, Last: 1})
	if err == nil {
		t.Error("expected foreign key error for unknown run")
	}
}

func TestUpdateExecuted_UnknownRank(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.BeginRun(ctx, Run{ID: "run-1", Total: 1, WorldSize: 1}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if err := store.UpdateExecuted(ctx, "run-1", 3, 1); err == nil {
		t.Error("expected error for rank that never started")
	}
}

func TestAudit_Complete(t *testing.T) {
	store := testStore(t)
	recordRun(t, store, "run-1", 10, [][2]int64{{0, 4}, {4, 7}, {7, 10}}, []int64{4, 3, 3})

	report, err := store.Audit(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if !report.Complete() {
		t.Errorf("expected complete run, got %s", report)
	}
	if report.Executed != 10 || report.Expected != 10 {
		t.Errorf("expected 10/10, got %d/%d", report.Executed, report.Expected)
	}
}

func TestAudit_EmptySharesAreFine(t *testing.T) {
	store := testStore(t)
	// Three tasks over five ranks: the last two own nothing.
	recordRun(t, store, "run-1", 3, [][2]int64{{0, 1}, {1, 2}, {2, 3}, {3, 3}, {3, 3}}, []int64{1, 1, 1, 0, 0})

	report, err := store.Audit(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if !report.Complete() {
		t.Errorf("expected complete run, got %s", report)
	}
}

func TestAudit_Incomplete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.BeginRun(ctx, Run{ID: "run-1", Total: 10, WorldSize: 3}); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	// Rank 0 finishes, rank 1 stops short, rank 2 never reports.
	if err := store.BeginRank(ctx, RankRun{RunID: "run-1", Rank: 0, First: 0, Last: 4}); err != nil {
		t.Fatalf("BeginRank failed: %v", err)
	}
	if err := store.FinishRank(ctx, "run-1", 0, 4, nil); err != nil {
		t.Fatalf("FinishRank failed: %v", err)
	}
	if err := store.BeginRank(ctx, RankRun{RunID: "run-1", Rank: 1, First: 4, Last: 7}); err != nil {
		t.Fatalf("BeginRank failed: %v", err)
	}
	if err := store.FinishRank(ctx, "run-1", 1, 1, errors.New("task 5 failed")); err != nil {
		t.Fatalf("FinishRank failed: %v", err)
	}

	report, err := store.Audit(ctx, "run-1")
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if report.Complete() {
		t.Fatal("expected incomplete run")
	}
	if report.Executed != 5 {
		t.Errorf("expected 5 executed, got %d", report.Executed)
	}
	if len(report.Incomplete) != 1 || report.Incomplete[0].Rank != 1 {
		t.Errorf("expected rank 1 incomplete, got %+v", report.Incomplete)
	}
	if len(report.Missing) != 1 || report.Missing[0] != 2 {
		t.Errorf("expected rank 2 missing, got %v", report.Missing)
	}
	if len(report.Gaps) != 1 || report.Gaps[0] != [2]int64{7, 10} {
		t.Errorf("expected gap [7, 10), got %v", report.Gaps)
	}
}

func TestAudit_Overlap(t *testing.T) {
	run := &Run{ID: "run-1", Total: 6, WorldSize: 2}
	report := audit(run, []RankRun{
		{Rank: 0, First: 0, Last: 4, Executed: 4, Status: StatusCompleted},
		{Rank: 1, First: 3, Last: 6, Executed: 3, Status: StatusCompleted},
	})
	if report.Complete() {
		t.Fatal("expected overlapping ranges to be flagged")
	}
	if len(report.Overlaps) != 1 || report.Overlaps[0] != [2]int64{3, 4} {
		t.Errorf("expected overlap [3, 4), got %v", report.Overlaps)
	}
}

func TestAudit_UnknownRun(t *testing.T) {
	store := testStore(t)

	_, err := store.Audit(context.Background(), "nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteStore_FileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	recordRun(t, store, "run-1", 2, [][2]int64{{0, 1}, {1, 2}}, []int64{1, 1})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	report, err := store.Audit(ctx, "run-1")
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if !report.Complete() {
		t.Errorf("expected complete run after reopen, got %s", report)
	}
}
