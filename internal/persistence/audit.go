package persistence

import (
	"context"
	"fmt"
	"sort"
)

// AuditReport checks a run's ledger against the guarantee of a static
// partition: every index of [0, Total) was owned by exactly one rank and
// executed once.
type AuditReport struct {
	Run *Run

	Expected int64 // global task count
	Executed int64 // sum of executed counts over all ranks

	// Incomplete lists ranks that failed, are still running or stopped short
	// of their share.
	Incomplete []RankRun

	// Missing lists world ranks with no ledger entry.
	Missing []int

	// Gaps and Overlaps describe how the recorded ranges fail to tile [0, Total).
	Gaps     [][2]int64
	Overlaps [][2]int64
}

// Complete reports whether the run executed every index exactly once.
func (r *AuditReport) Complete() bool {
	return r.Executed == r.Expected &&
		len(r.Incomplete) == 0 &&
		len(r.Missing) == 0 &&
		len(r.Gaps) == 0 &&
		len(r.Overlaps) == 0
}

func (r *AuditReport) String() string {
	if r.Complete() {
		return fmt.Sprintf("run %s complete: %d/%d tasks", r.Run.ID, r.Executed, r.Expected)
	}
	return fmt.Sprintf("run %s incomplete: %d/%d tasks, %d incomplete ranks, %d missing ranks, %d gaps, %d overlaps",
		r.Run.ID, r.Executed, r.Expected, len(r.Incomplete), len(r.Missing), len(r.Gaps), len(r.Overlaps))
}

// Audit builds the report of a run.
func (s *SQLiteStore) Audit(ctx context.Context, runID string) (*AuditReport, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ranks, err := s.ListRanks(ctx, runID)
	if err != nil {
		return nil, err
	}
	return audit(run, ranks), nil
}

func audit(run *Run, ranks []RankRun) *AuditReport {
	report := &AuditReport{Run: run, Expected: run.Total}

	seen := make(map[int]bool, len(ranks))
	for _, rr := range ranks {
		seen[rr.Rank] = true
		report.Executed += rr.Executed
		if rr.Status != StatusCompleted || rr.Executed != rr.Share() {
			report.Incomplete = append(report.Incomplete, rr)
		}
	}
	for r := 0; r < run.WorldSize; r++ {
		if !seen[r] {
			report.Missing = append(report.Missing, r)
		}
	}

	// Empty shares own nothing and cannot leave a gap.
	var spans [][2]int64
	for _, rr := range ranks {
		if rr.Share() > 0 {
			spans = append(spans, [2]int64{rr.First, rr.Last})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	var next int64
	for _, sp := range spans {
		switch {
		case sp[0] > next:
			report.Gaps = append(report.Gaps, [2]int64{next, sp[0]})
		case sp[0] < next:
			report.Overlaps = append(report.Overlaps, [2]int64{sp[0], min(sp[1], next)})
		}
		next = max(next, sp[1])
	}
	if next < run.Total {
		report.Gaps = append(report.Gaps, [2]int64{next, run.Total})
	}
	return report
}
