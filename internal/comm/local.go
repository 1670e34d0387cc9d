package comm

import (
	"context"
	"sync"
)

// hub is the rendezvous point shared by the ranks of an in-process world.
// Each collective is one generation: ranks deposit their payload and the
// last one to arrive publishes the gathered slice and wakes the rest.
type hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	gen     uint64
	arrived int
	buf     [][]byte
	result  [][]byte
	err     error // set once the world is closed or a collective was abandoned
}

type localComm struct {
	h    *hub
	rank int
}

// NewLocalWorld returns the n ranks of a world living inside this process.
// Each rank is meant to be driven by its own goroutine.
func NewLocalWorld(n int) []Communicator {
	if n < 1 {
		n = 1
	}
	h := &hub{size: n, buf: make([][]byte, n)}
	h.cond = sync.NewCond(&h.mu)

	ranks := make([]Communicator, n)
	for r := range ranks {
		ranks[r] = &localComm{h: h, rank: r}
	}
	return ranks
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.h.size }

func (c *localComm) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := c.h
	var (
		gen     uint64
		waiting bool
	)

	// Wake waiters if the caller gives up while its payload is deposited, so
	// the abandoned generation is reported to every rank instead of hanging them.
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if waiting && h.gen == gen && h.err == nil {
			h.err = ctx.Err()
		}
		h.cond.Broadcast()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return nil, h.err
	}

	gen = h.gen
	h.buf[c.rank] = append([]byte(nil), payload...)
	h.arrived++

	if h.arrived == h.size {
		h.result = h.buf
		h.buf = make([][]byte, h.size)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
	} else {
		waiting = true
		for h.gen == gen && h.err == nil {
			h.cond.Wait()
		}
		waiting = false
		if h.gen == gen {
			return nil, h.err
		}
	}

	out := make([][]byte, len(h.result))
	copy(out, h.result)
	return out, nil
}

func (c *localComm) Barrier(ctx context.Context) error {
	_, err := c.AllGather(ctx, nil)
	return err
}

// Close shuts the whole in-process world down: ranks blocked in a collective
// and later collectives fail with ErrClosed.
func (c *localComm) Close() error {
	h := c.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = ErrClosed
	}
	h.cond.Broadcast()
	return nil
}
