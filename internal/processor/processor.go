// Package processor drives a task loop: it pulls indices from a sequential
// counter or from this rank's share of a distributed loop, runs the payload on
// each of them and notifies lifecycle hooks around the loop.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/mustard-hep/mustard/internal/scheduler"
	"github.com/mustard-hep/mustard/internal/topology"
)

// ErrTaskFailed matches every TaskError.
var ErrTaskFailed = errors.New("task failed")

// TaskFunc processes one task index. It is supplied by the payload.
type TaskFunc[T scheduler.Index] func(ctx context.Context, i T) error

// TaskError reports the index whose task aborted the loop.
type TaskError[T scheduler.Index] struct {
	Index T
	Err   error
}

func (e *TaskError[T]) Error() string {
	return fmt.Sprintf("task %d failed: %v", e.Index, e.Err)
}

func (e *TaskError[T]) Unwrap() error { return e.Err }

func (e *TaskError[T]) Is(target error) bool { return target == ErrTaskFailed }

// State is the position of a processor in its loop lifecycle.
type State int

const (
	Idle     State = iota // No loop has started
	Running               // Inside Process
	Finished              // The last loop has ended, successfully or not
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// indexSource hands out the indices a processor works on.
type indexSource[T scheduler.Index] interface {
	Reset(nTotal T) error
	Next() (T, bool)
	MarkExecuted()
	LocalExecutedCount() T
	Task() scheduler.Range[T]
}

// counter is the index source of a sequential loop: all of [0, nTotal) in order.
type counter[T scheduler.Index] struct {
	task     scheduler.Range[T]
	next     T
	executed T
}

func (c *counter[T]) Reset(nTotal T) error {
	if nTotal < 0 {
		return fmt.Errorf("%w: %d", scheduler.ErrInvalidTaskCount, nTotal)
	}
	c.task = scheduler.Range[T]{First: 0, Last: nTotal}
	c.next = 0
	c.executed = 0
	return nil
}

func (c *counter[T]) Next() (T, bool) {
	if c.next >= c.task.Last {
		return 0, false
	}
	i := c.next
	c.next++
	return i, true
}

func (c *counter[T]) MarkExecuted()            { c.executed++ }
func (c *counter[T]) LocalExecutedCount() T    { return c.executed }
func (c *counter[T]) Task() scheduler.Range[T] { return c.task }

// Processor runs task loops. Build one with NewSequential or NewParallel; it
// is owned by a single goroutine.
type Processor[T scheduler.Index] struct {
	src   indexSource[T]
	topo  *topology.Topology // nil for sequential processors
	hooks Hooks[T]
	log   *zap.Logger
	state State
}

// Option configures a Processor.
type Option func(*options)

type options struct {
	log      *zap.Logger
	progress io.Writer
}

// WithLogger sets the logger the processor reports loop boundaries to.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithProgressOutput redirects the default progress indicator.
func WithProgressOutput(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), progress: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSequential returns a processor that runs every index of a loop in the
// calling process. A nil hooks selects a progress indicator.
func NewSequential[T scheduler.Index](hooks Hooks[T], opts ...Option) *Processor[T] {
	o := buildOptions(opts)
	if hooks == nil {
		hooks = NewProgressHooks[T](o.progress, ProgressOptions{})
	}
	return &Processor[T]{
		src:   &counter[T]{},
		hooks: hooks,
		log:   o.log,
	}
}

// NewParallel returns a processor that runs only the share of each loop
// owned by the calling rank of t. A nil hooks selects a progress indicator
// drawn by the world master for its own share.
func NewParallel[T scheduler.Index](t *topology.Topology, hooks Hooks[T], opts ...Option) (*Processor[T], error) {
	sched, err := scheduler.ForTopology[T](t)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	if hooks == nil {
		hooks = NewProgressHooks[T](o.progress, ProgressOptions{
			Label:    fmt.Sprintf("rank %d/%d", t.WorldRank(), t.WorldSize()),
			Disabled: !t.OnWorldMaster(),
		})
	}
	return &Processor[T]{
		src:   sched,
		topo:  t,
		hooks: hooks,
		log:   o.log,
	}, nil
}

// For picks the processor matching t: sequential for a world of one,
// parallel otherwise.
func For[T scheduler.Index](t *topology.Topology, hooks Hooks[T], opts ...Option) (*Processor[T], error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	if t.Sequential() {
		return NewSequential(hooks, opts...), nil
	}
	return NewParallel(t, hooks, opts...)
}

// Process runs fn on every index of the loop [0, nTotal) this processor owns,
// in increasing order.
//
// The hooks see RangeHook.LoopRangeAction and LoopBeginAction once, then
// IterationEndAction after each successful task, then LoopEndAction once.
// LoopEndAction also runs when fn fails, ctx ends or fn panics; failures are
// reported to FailureHook.LoopFailedAction first. A failing task aborts the
// loop with a *TaskError and is not retried. An invalid nTotal or an expired
// topology fails before any hook runs.
func (p *Processor[T]) Process(ctx context.Context, nTotal T, fn TaskFunc[T]) (err error) {
	if p.topo != nil {
		if err := p.topo.Err(); err != nil {
			return err
		}
	}
	if err := p.src.Reset(nTotal); err != nil {
		return err
	}

	share := p.src.Task()
	p.state = Running
	p.log.Debug("loop begin",
		zap.Int64("total", int64(nTotal)),
		zap.Stringer("share", share))

	defer func() {
		if r := recover(); r != nil {
			p.finish(fmt.Errorf("loop panicked: %v", r))
			panic(r)
		}
		p.finish(err)
	}()

	if rh, ok := p.hooks.(RangeHook[T]); ok {
		rh.LoopRangeAction(share)
	}
	p.hooks.LoopBeginAction(nTotal)

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("loop stopped after %d of %d tasks: %w",
				p.src.LocalExecutedCount(), share.Len(), ctxErr)
		}

		i, ok := p.src.Next()
		if !ok {
			return nil
		}

		if taskErr := fn(ctx, i); taskErr != nil {
			return &TaskError[T]{Index: i, Err: taskErr}
		}

		p.src.MarkExecuted()
		p.hooks.IterationEndAction()
	}
}

func (p *Processor[T]) finish(err error) {
	if err != nil {
		p.log.Warn("loop aborted",
			zap.Int64("executed", int64(p.src.LocalExecutedCount())),
			zap.Error(err))
		if fh, ok := p.hooks.(FailureHook); ok {
			fh.LoopFailedAction(err)
		}
	}
	p.hooks.LoopEndAction()
	p.state = Finished
	p.log.Debug("loop end", zap.Int64("executed", int64(p.src.LocalExecutedCount())))
}

// State returns where the processor is in its loop lifecycle.
func (p *Processor[T]) State() State { return p.state }

// LocalExecutedCount returns the number of tasks completed by this process in
// the current or last loop.
func (p *Processor[T]) LocalExecutedCount() T { return p.src.LocalExecutedCount() }

// Range returns the indices this process owns in the current or last loop.
func (p *Processor[T]) Range() scheduler.Range[T] { return p.src.Task() }

// Parallel reports whether the processor runs a share of a distributed loop.
func (p *Processor[T]) Parallel() bool { return p.topo != nil }
