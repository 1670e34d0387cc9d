// Package comm is the message-passing layer the engine relies on. It offers
// just enough collective communication to discover the cluster layout at
// startup and to aggregate results once a run is over; the task loop itself
// never talks to other ranks.
package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrClosed is returned by collectives on a communicator that has been closed.
	ErrClosed = errors.New("communicator closed")

	// ErrHandshake is returned when a rank joins a world with inconsistent identity.
	ErrHandshake = errors.New("world handshake failed")
)

// Communicator is a group of cooperating ranks.
//
// Collective operations must be called by every rank of the world, in the
// same order. A rank that skips a collective blocks the others.
type Communicator interface {
	// Rank returns the identity of the calling process, in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the world.
	Size() int

	// AllGather contributes payload and returns every rank's payload indexed by rank.
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)

	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error

	// Close releases the communicator.
	Close() error
}

// AllGatherValue gathers one msgpack-encodable value from every rank.
func AllGatherValue[V any](ctx context.Context, c Communicator, v V) ([]V, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding gather payload: %w", err)
	}

	gathered, err := c.AllGather(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make([]V, len(gathered))
	for rank, raw := range gathered {
		if err := msgpack.Unmarshal(raw, &out[rank]); err != nil {
			return nil, fmt.Errorf("decoding gather payload from rank %d: %w", rank, err)
		}
	}
	return out, nil
}

// Broadcast returns root's value on every rank.
func Broadcast[V any](ctx context.Context, c Communicator, root int, v V) (V, error) {
	var zero V
	if root < 0 || root >= c.Size() {
		return zero, fmt.Errorf("broadcast root %d outside world of size %d", root, c.Size())
	}
	all, err := AllGatherValue(ctx, c, v)
	if err != nil {
		return zero, err
	}
	return all[root], nil
}

type self struct {
	closed bool
}

// Self returns a world made of the calling process alone.
func Self() Communicator {
	return &self{}
}

func (s *self) Rank() int { return 0 }
func (s *self) Size() int { return 1 }

func (s *self) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

func (s *self) Barrier(ctx context.Context) error {
	_, err := s.AllGather(ctx, nil)
	return err
}

func (s *self) Close() error {
	s.closed = true
	return nil
}
