package main

import (
	"context"
	"math/rand/v2"
)

// piPayload estimates π by drawing points in the unit square and counting
// those inside the quarter circle. Task i always draws from the stream
// (seed, i), so the estimate does not depend on how tasks are spread over
// ranks.
type piPayload struct {
	seed    uint64
	samples int

	hits  int64 // points inside the circle, over the tasks run by this rank
	drawn int64
}

func (p *piPayload) task(_ context.Context, i int64) error {
	rng := rand.New(rand.NewPCG(p.seed, uint64(i)))

	var hits int64
	for n := 0; n < p.samples; n++ {
		x, y := rng.Float64(), rng.Float64()
		if x*x+y*y <= 1 {
			hits++
		}
	}
	p.hits += hits
	p.drawn += int64(p.samples)
	return nil
}

// piResult is what each rank contributes to the final estimate.
type piResult struct {
	Hits  int64 `msgpack:"hits"`
	Drawn int64 `msgpack:"drawn"`
}

func (p *piPayload) result() piResult {
	return piResult{Hits: p.hits, Drawn: p.drawn}
}

// estimate combines the results of every rank.
func estimate(results []piResult) (pi float64, drawn int64) {
	var hits int64
	for _, r := range results {
		hits += r.Hits
		drawn += r.Drawn
	}
	if drawn == 0 {
		return 0, 0
	}
	return 4 * float64(hits) / float64(drawn), drawn
}
