package scheduler

import (
	"fmt"

	"github.com/mustard-hep/mustard/internal/topology"
)

// Scheduler hands out the task indices this rank owns for one loop.
//
// The share is a static block of [0, nTotal) computed locally in Reset; Next
// walks it in increasing order. A Scheduler belongs to a single goroutine and
// is not safe for concurrent use.
type Scheduler[T Index] struct {
	size int
	rank int

	task           Range[T]
	executingTask  T
	nLocalExecuted T
}

// New creates a scheduler for rank in a world of size ranks.
func New[T Index](size, rank int) (*Scheduler[T], error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: size=%d rank=%d", ErrInvalidWorld, size, rank)
	}
	return &Scheduler[T]{size: size, rank: rank}, nil
}

// ForTopology creates a scheduler for the calling process of t.
func ForTopology[T Index](t *topology.Topology) (*Scheduler[T], error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	return New[T](t.WorldSize(), t.WorldRank())
}

// Reset recomputes this rank's share of [0, nTotal) and rewinds to its start.
// It must be called before every loop.
func (s *Scheduler[T]) Reset(nTotal T) error {
	task, err := Partition(nTotal, s.size, s.rank)
	if err != nil {
		return err
	}
	s.task = task
	s.executingTask = task.First
	s.nLocalExecuted = 0
	return nil
}

// Next returns the current index and advances past it. The boolean is false
// once the share is exhausted.
func (s *Scheduler[T]) Next() (T, bool) {
	if s.executingTask >= s.task.Last {
		return 0, false
	}
	i := s.executingTask
	s.executingTask++
	return i, true
}

// MarkExecuted records one completed task.
func (s *Scheduler[T]) MarkExecuted() {
	s.nLocalExecuted++
}

// LocalExecutedCount returns the number of tasks completed since the last Reset.
func (s *Scheduler[T]) LocalExecutedCount() T {
	return s.nLocalExecuted
}

// Task returns the share assigned by the last Reset.
func (s *Scheduler[T]) Task() Range[T] {
	return s.task
}

// Executing returns the next index Next would hand out. It equals Task().Last
// once the share is exhausted.
func (s *Scheduler[T]) Executing() T {
	return s.executingTask
}

// Exhausted reports whether Next has handed out the whole share.
func (s *Scheduler[T]) Exhausted() bool {
	return s.executingTask >= s.task.Last
}

// Remaining returns how many indices Next has yet to hand out.
func (s *Scheduler[T]) Remaining() T {
	return s.task.Last - s.executingTask
}

// Size returns the world size the scheduler partitions for.
func (s *Scheduler[T]) Size() int { return s.size }

// Rank returns the rank whose share the scheduler hands out.
func (s *Scheduler[T]) Rank() int { return s.rank }
