package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mustard-hep/mustard/internal/events"
	"github.com/mustard-hep/mustard/internal/persistence"
	"github.com/mustard-hep/mustard/internal/scheduler"
)

// Hooks observe the lifecycle of a task loop. They run on the goroutine that
// called Process.
type Hooks[T scheduler.Index] interface {
	// LoopBeginAction runs once before the first task with the global task count.
	LoopBeginAction(nTotal T)
	// IterationEndAction runs after every task that succeeded.
	IterationEndAction()
	// LoopEndAction runs once when the loop is left, however it ends.
	LoopEndAction()
}

// RangeHook is implemented by hooks that want the share of the loop owned by
// the calling process. LoopRangeAction runs just before LoopBeginAction.
type RangeHook[T scheduler.Index] interface {
	LoopRangeAction(share scheduler.Range[T])
}

// FailureHook is implemented by hooks that want to know why a loop ended
// early. LoopFailedAction runs just before LoopEndAction.
type FailureHook interface {
	LoopFailedAction(err error)
}

// NopHooks ignores every notification.
type NopHooks[T scheduler.Index] struct{}

func (NopHooks[T]) LoopBeginAction(T)  {}
func (NopHooks[T]) IterationEndAction() {}
func (NopHooks[T]) LoopEndAction()      {}

// Compose fans notifications out to hooks in order. Optional interfaces are
// forwarded to the members that implement them.
func Compose[T scheduler.Index](hooks ...Hooks[T]) Hooks[T] {
	return multiHooks[T](hooks)
}

type multiHooks[T scheduler.Index] []Hooks[T]

func (m multiHooks[T]) LoopRangeAction(share scheduler.Range[T]) {
	for _, h := range m {
		if rh, ok := h.(RangeHook[T]); ok {
			rh.LoopRangeAction(share)
		}
	}
}

func (m multiHooks[T]) LoopBeginAction(nTotal T) {
	for _, h := range m {
		h.LoopBeginAction(nTotal)
	}
}

func (m multiHooks[T]) IterationEndAction() {
	for _, h := range m {
		h.IterationEndAction()
	}
}

func (m multiHooks[T]) LoopFailedAction(err error) {
	for _, h := range m {
		if fh, ok := h.(FailureHook); ok {
			fh.LoopFailedAction(err)
		}
	}
}

func (m multiHooks[T]) LoopEndAction() {
	for _, h := range m {
		h.LoopEndAction()
	}
}

// loopTally is the bookkeeping shared by hooks that report counts.
type loopTally struct {
	total    int64
	share    int64
	hasShare bool
	executed int64
	started  time.Time
	err      error
}

func (l *loopTally) setShare(n int64) {
	l.share = n
	l.hasShare = true
}

func (l *loopTally) begin(nTotal int64) {
	l.total = nTotal
	if !l.hasShare {
		l.share = nTotal
	}
	l.executed = 0
	l.err = nil
	l.started = time.Now()
}

func (l *loopTally) end() {
	l.hasShare = false
}

// EventHooks publishes loop events on a bus, for a TUI or any other
// subscriber. Progress is published every Every tasks and at the end of the
// share. A positive Budget replaces Every with the interval that publishes at
// most Budget progress events for the share.
type EventHooks[T scheduler.Index] struct {
	Bus    *events.EventBus
	Run    string
	Rank   int
	Every  int64
	Budget int64

	tally loopTally
	every int64
}

// NewEventHooks returns hooks publishing the loops of rank within run.
func NewEventHooks[T scheduler.Index](bus *events.EventBus, run string, rank int) *EventHooks[T] {
	return &EventHooks[T]{Bus: bus, Run: run, Rank: rank, Every: 1}
}

func (h *EventHooks[T]) LoopRangeAction(share scheduler.Range[T]) {
	h.tally.setShare(int64(share.Len()))
}

func (h *EventHooks[T]) LoopBeginAction(nTotal T) {
	h.tally.begin(int64(nTotal))
	h.every = max(h.Every, 1)
	if h.Budget > 0 {
		h.every = max((h.tally.share+h.Budget-1)/h.Budget, 1)
	}
	h.Bus.Publish(events.TopicLoop, events.LoopStartedEvent{
		Run:       h.Run,
		WorldRank: h.Rank,
		Total:     h.tally.total,
		Share:     h.tally.share,
		Timestamp: h.tally.started,
	})
}

func (h *EventHooks[T]) IterationEndAction() {
	h.tally.executed++
	if h.tally.executed%h.every != 0 && h.tally.executed != h.tally.share {
		return
	}
	h.Bus.Publish(events.TopicLoop, events.LoopProgressEvent{
		Run:       h.Run,
		WorldRank: h.Rank,
		Executed:  h.tally.executed,
		Share:     h.tally.share,
		Timestamp: time.Now(),
	})
}

func (h *EventHooks[T]) LoopFailedAction(err error) { h.tally.err = err }

func (h *EventHooks[T]) LoopEndAction() {
	now := time.Now()
	h.Bus.Publish(events.TopicLoop, events.LoopFinishedEvent{
		Run:       h.Run,
		WorldRank: h.Rank,
		Executed:  h.tally.executed,
		Share:     h.tally.share,
		Err:       h.tally.err,
		Duration:  now.Sub(h.tally.started),
		Timestamp: now,
	})
	h.tally.end()
}

// LedgerHooks records the loop of one rank in the run ledger. Ledger failures
// are logged and never abort the loop.
type LedgerHooks[T scheduler.Index] struct {
	ctx        context.Context
	store      persistence.Store
	run        persistence.Run
	rank       int
	node       string
	flushEvery int64
	log        *zap.Logger

	first, last int64
	tally       loopTally
}

// LedgerOptions identifies the rank a LedgerHooks writes for.
type LedgerOptions struct {
	Run        persistence.Run
	Rank       int
	Node       string
	FlushEvery int64 // checkpoint interval in tasks; 0 writes only at the end
	Logger     *zap.Logger
}

// NewLedgerHooks returns hooks recording into store. ctx bounds every ledger write.
func NewLedgerHooks[T scheduler.Index](ctx context.Context, store persistence.Store, opts LedgerOptions) *LedgerHooks[T] {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerHooks[T]{
		ctx:        ctx,
		store:      store,
		run:        opts.Run,
		rank:       opts.Rank,
		node:       opts.Node,
		flushEvery: opts.FlushEvery,
		log:        log.With(zap.String("run", opts.Run.ID), zap.Int("rank", opts.Rank)),
	}
}

func (h *LedgerHooks[T]) LoopRangeAction(share scheduler.Range[T]) {
	h.first, h.last = int64(share.First), int64(share.Last)
	h.tally.setShare(int64(share.Len()))
}

func (h *LedgerHooks[T]) LoopBeginAction(nTotal T) {
	if !h.tally.hasShare {
		h.first, h.last = 0, int64(nTotal)
	}
	h.tally.begin(int64(nTotal))

	run := h.run
	run.Total = h.tally.total
	if err := h.store.BeginRun(h.ctx, run); err != nil {
		h.log.Warn("ledger: recording run failed", zap.Error(err))
		return
	}
	err := h.store.BeginRank(h.ctx, persistence.RankRun{
		RunID: h.run.ID,
		Rank:  h.rank,
		Node:  h.node,
		First: h.first,
		Last:  h.last,
	})
	if err != nil {
		h.log.Warn("ledger: recording rank failed", zap.Error(err))
	}
}

func (h *LedgerHooks[T]) IterationEndAction() {
	h.tally.executed++
	if h.flushEvery <= 0 || h.tally.executed%h.flushEvery != 0 {
		return
	}
	if err := h.store.UpdateExecuted(h.ctx, h.run.ID, h.rank, h.tally.executed); err != nil {
		h.log.Warn("ledger: checkpoint failed", zap.Int64("executed", h.tally.executed), zap.Error(err))
	}
}

func (h *LedgerHooks[T]) LoopFailedAction(err error) { h.tally.err = err }

func (h *LedgerHooks[T]) LoopEndAction() {
	// The loop may have ended because ctx was cancelled; the final record
	// still has to land.
	ctx := context.WithoutCancel(h.ctx)
	if err := h.store.FinishRank(ctx, h.run.ID, h.rank, h.tally.executed, h.tally.err); err != nil {
		h.log.Warn("ledger: closing rank failed", zap.Error(err))
	}
	h.tally.end()
}
