package processor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mustard-hep/mustard/internal/events"
	"github.com/mustard-hep/mustard/internal/persistence"
)

func noop[T int | int64](context.Context, T) error { return nil }

func TestCompose_ForwardsToEveryMember(t *testing.T) {
	a, b := &recorder[int]{}, &recorder[int]{}
	p := NewSequential[int](Compose[int](a, NopHooks[int]{}, b))

	boom := errors.New("boom")
	err := p.Process(context.Background(), 3, func(_ context.Context, i int) error {
		if i == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)

	want := []string{"range [0,3)", "begin 3", "iter", "iter", "failed", "end"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}

func TestProgressHooks_DrawsShare(t *testing.T) {
	var buf bytes.Buffer
	h := NewProgressHooks[int64](&buf, ProgressOptions{Label: "pi", Refresh: time.Hour})

	p := NewSequential[int64](h)
	require.NoError(t, p.Process(context.Background(), 1500, noop[int64]))

	out := buf.String()
	assert.Contains(t, out, "pi")
	assert.Contains(t, out, "0/1,500", "first state is drawn")
	assert.Contains(t, out, "1,500/1,500", "last state is drawn")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "done in")
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
}

func TestProgressHooks_Throttled(t *testing.T) {
	var buf bytes.Buffer
	h := NewProgressHooks[int](&buf, ProgressOptions{Refresh: time.Hour})

	p := NewSequential[int](h)
	require.NoError(t, p.Process(context.Background(), 50, noop[int]))

	// Begin, the last task and the final line.
	assert.Equal(t, 3, bytes.Count(buf.Bytes(), []byte("\r")))
}

func TestProgressHooks_ZeroTasks(t *testing.T) {
	var buf bytes.Buffer
	p := NewSequential[int](nil, WithProgressOutput(&buf))
	require.NoError(t, p.Process(context.Background(), 0, noop[int]))

	assert.Contains(t, buf.String(), "0/0")
	assert.Contains(t, buf.String(), "100%")
}

func TestProgressHooks_ReportsAbort(t *testing.T) {
	var buf bytes.Buffer
	p := NewSequential[int](NewProgressHooks[int](&buf, ProgressOptions{}))

	err := p.Process(context.Background(), 5, func(_ context.Context, i int) error {
		if i == 1 {
			return errors.New("detector offline")
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "aborted")
	assert.Contains(t, buf.String(), "detector offline")
}

func TestProgressHooks_Disabled(t *testing.T) {
	var buf bytes.Buffer
	p := NewSequential[int](NewProgressHooks[int](&buf, ProgressOptions{Disabled: true}))
	require.NoError(t, p.Process(context.Background(), 5, noop[int]))
	assert.Zero(t, buf.Len())
}

func TestParallelDefaultProgress_MasterOnly(t *testing.T) {
	topos := worldTopologies(t, 2)

	var master, worker bytes.Buffer
	p0, err := NewParallel[int](topos[0], nil, WithProgressOutput(&master))
	require.NoError(t, err)
	p1, err := NewParallel[int](topos[1], nil, WithProgressOutput(&worker))
	require.NoError(t, err)

	require.NoError(t, p0.Process(context.Background(), 7, noop[int]))
	require.NoError(t, p1.Process(context.Background(), 7, noop[int]))

	assert.Contains(t, master.String(), "rank 0/2")
	assert.Contains(t, master.String(), "4/4", "master draws its own share")
	assert.Zero(t, worker.Len())
}

func TestEventHooks_PublishesLoop(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicLoop, 64)

	h := NewEventHooks[int64](bus, "run-1", 0)
	h.Every = 2
	p := NewSequential[int64](h)
	require.NoError(t, p.Process(context.Background(), 5, noop[int64]))

	var got []events.Event
	for len(got) < 5 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	started, ok := got[0].(events.LoopStartedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(5), started.Total)
	assert.Equal(t, int64(5), started.Share)
	assert.Equal(t, "run-1", started.RunID())

	// Progress at 2, 4 and at the end of the share.
	var executed []int64
	for _, ev := range got[1:4] {
		progress, ok := ev.(events.LoopProgressEvent)
		require.True(t, ok)
		executed = append(executed, progress.Executed)
	}
	assert.Equal(t, []int64{2, 4, 5}, executed)

	finished, ok := got[4].(events.LoopFinishedEvent)
	require.True(t, ok)
	assert.True(t, finished.Complete())
	assert.NoError(t, finished.Err)
}

func TestEventHooks_BudgetFitsWorldBuffer(t *testing.T) {
	const size, nTotal = 4, 40_003
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicLoop, events.LoopBufferSize(size))

	var g errgroup.Group
	for r, tp := range worldTopologies(t, size) {
		h := NewEventHooks[int64](bus, "run-1", r)
		h.Budget = events.LoopProgressBudget
		p, err := NewParallel[int64](tp, h)
		require.NoError(t, err)
		g.Go(func() error { return p.Process(context.Background(), nTotal, noop[int64]) })
	}
	require.NoError(t, g.Wait())

	// Nobody read during the loop; every event must still be buffered.
	assert.Zero(t, bus.Dropped())

	finished := 0
	progress := make(map[int]int)
	for len(ch) > 0 {
		switch ev := (<-ch).(type) {
		case events.LoopProgressEvent:
			progress[ev.WorldRank]++
		case events.LoopFinishedEvent:
			assert.True(t, ev.Complete())
			finished++
		}
	}
	assert.Equal(t, size, finished)
	for r := 0; r < size; r++ {
		assert.LessOrEqual(t, progress[r], events.LoopProgressBudget, "rank %d", r)
		assert.Positive(t, progress[r], "rank %d", r)
	}
}

func TestEventHooks_FailedLoop(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicLoop, 64)

	p := NewSequential[int](NewEventHooks[int](bus, "run-1", 0))
	boom := errors.New("boom")
	_ = p.Process(context.Background(), 3, func(_ context.Context, i int) error {
		if i == 1 {
			return boom
		}
		return nil
	})

	var finished events.LoopFinishedEvent
	for {
		select {
		case ev := <-ch:
			if f, ok := ev.(events.LoopFinishedEvent); ok {
				finished = f
				assert.False(t, finished.Complete())
				assert.ErrorIs(t, finished.Err, boom)
				assert.Equal(t, int64(1), finished.Executed)
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no finished event")
		}
	}
}

func TestLedgerHooks_RecordsRanks(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	topos := worldTopologies(t, 3)
	run := persistence.Run{ID: "run-1", Label: "test", WorldSize: 3}

	// Ranks run one after another; the ledger does not care about order.
	for r, tp := range topos {
		h := NewLedgerHooks[int64](ctx, store, LedgerOptions{Run: run, Rank: r, Node: "localhost", FlushEvery: 2})
		p, err := NewParallel[int64](tp, h)
		require.NoError(t, err)
		require.NoError(t, p.Process(ctx, 10, noop[int64]))
	}

	report, err := store.Audit(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, report.Complete(), report.String())
	assert.Equal(t, int64(10), report.Expected)

	ranks, err := store.ListRanks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, ranks, 3)
	assert.Equal(t, int64(4), ranks[1].First)
	assert.Equal(t, int64(7), ranks[1].Last)
}

func TestLedgerHooks_FailedRankIsIncomplete(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	run := persistence.Run{ID: "run-2", WorldSize: 1}
	h := NewLedgerHooks[int](ctx, store, LedgerOptions{Run: run})
	p := NewSequential[int](h)

	_ = p.Process(ctx, 4, func(_ context.Context, i int) error {
		if i == 2 {
			return errors.New("boom")
		}
		return nil
	})

	report, err := store.Audit(ctx, "run-2")
	require.NoError(t, err)
	assert.False(t, report.Complete())
	require.Len(t, report.Incomplete, 1)
	assert.Equal(t, persistence.StatusFailed, report.Incomplete[0].Status)
	assert.Equal(t, int64(2), report.Incomplete[0].Executed)
	assert.Contains(t, report.Incomplete[0].Error, "boom")
}
