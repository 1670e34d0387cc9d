package processor

import (
	"context"
	"fmt"

	"github.com/mustard-hep/mustard/internal/comm"
	"github.com/mustard-hep/mustard/internal/scheduler"
)

// Tally is the global outcome of a loop, assembled from every rank.
type Tally[T scheduler.Index] struct {
	PerRank []T // executed count of each world rank
	Total   T
}

// Complete reports whether the ranks executed expected tasks between them.
func (t Tally[T]) Complete(expected T) bool { return t.Total == expected }

// GatherCounts exchanges the local executed count of every rank after a loop.
// It is collective: every rank of c must call it.
func GatherCounts[T scheduler.Index](ctx context.Context, c comm.Communicator, local T) (Tally[T], error) {
	counts, err := comm.AllGatherValue(ctx, c, local)
	if err != nil {
		return Tally[T]{}, fmt.Errorf("gathering executed counts: %w", err)
	}

	t := Tally[T]{PerRank: counts}
	for _, n := range counts {
		t.Total += n
	}
	return t, nil
}
