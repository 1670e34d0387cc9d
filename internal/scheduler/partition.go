package scheduler

import (
	"errors"
	"fmt"
)

// Index is the set of integral types a task index may use. It mirrors the
// integer catalogue of the message-passing layer: 16, 32 and 64 bit wide,
// signed or unsigned. Narrower types cannot hold realistic event counts.
type Index interface {
	~int | ~int16 | ~int32 | ~int64 | ~uint | ~uint16 | ~uint32 | ~uint64
}

var (
	// ErrInvalidTaskCount is returned when a loop is reset with a negative task count.
	ErrInvalidTaskCount = errors.New("invalid task count")

	// ErrInvalidWorld is returned for a world size below one or a rank outside [0, size).
	ErrInvalidWorld = errors.New("invalid world size or rank")
)

// Range is a half-open interval [First, Last) of task indices.
type Range[T Index] struct {
	First T
	Last  T
}

// Len returns the number of indices in the range.
func (r Range[T]) Len() T {
	return r.Last - r.First
}

// Empty reports whether the range holds no index.
func (r Range[T]) Empty() bool {
	return r.First == r.Last
}

// Contains reports whether i lies in [First, Last).
func (r Range[T]) Contains(i T) bool {
	return i >= r.First && i < r.Last
}

func (r Range[T]) String() string {
	return fmt.Sprintf("[%d,%d)", r.First, r.Last)
}

// Partition computes the share of [0, nTotal) owned by rank in a world of
// the given size. Every rank gets floor(nTotal/size) consecutive indices and
// the first nTotal mod size ranks get one more. The result depends only on
// its arguments, so all ranks agree on it without exchanging messages.
func Partition[T Index](nTotal T, size, rank int) (Range[T], error) {
	if nTotal < 0 {
		return Range[T]{}, fmt.Errorf("%w: %d", ErrInvalidTaskCount, nTotal)
	}
	if size < 1 || rank < 0 || rank >= size {
		return Range[T]{}, fmt.Errorf("%w: size=%d rank=%d", ErrInvalidWorld, size, rank)
	}

	n := uint64(nTotal)
	w := uint64(size)
	r := uint64(rank)

	base := n / w
	rem := n % w

	first := r*base + min(r, rem)
	count := base
	if r < rem {
		count++
	}

	return Range[T]{First: T(first), Last: T(first + count)}, nil
}
