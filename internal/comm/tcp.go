package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameWelcome
	frameGather
	frameResult
)

// frame is the unit exchanged between a rank and the coordinator.
type frame struct {
	Kind     frameKind `msgpack:"k"`
	Rank     int       `msgpack:"r"`
	Size     int       `msgpack:"s"`
	Payload  []byte    `msgpack:"p,omitempty"`
	Gathered [][]byte  `msgpack:"g,omitempty"`
}

// peer is one end of a coordinator connection.
type peer struct {
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		conn: conn,
		enc:  msgpack.NewEncoder(conn),
		dec:  msgpack.NewDecoder(conn),
	}
}

// bind applies ctx's deadline and cancellation to the connection for the
// duration of fn.
func (p *peer) bind(ctx context.Context, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = p.conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetDeadline(time.Now())
	})
	err := fn()
	stop()
	_ = p.conn.SetDeadline(time.Time{})

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *peer) send(ctx context.Context, f *frame) error {
	return p.bind(ctx, func() error { return p.enc.Encode(f) })
}

func (p *peer) recv(ctx context.Context, want frameKind) (*frame, error) {
	var f frame
	err := p.bind(ctx, func() error { return p.dec.Decode(&f) })
	if err != nil {
		return nil, err
	}
	if f.Kind != want {
		return nil, fmt.Errorf("unexpected frame kind %d (want %d)", f.Kind, want)
	}
	return &f, nil
}

// TCPComm is a world whose ranks reach each other through a coordinator
// connection held by rank 0. Collectives are star-shaped: every rank sends its
// contribution to rank 0, which answers with the gathered result.
type TCPComm struct {
	rank int
	size int
	log  *zap.Logger

	mu     sync.Mutex // serializes collectives issued from several goroutines
	ln     net.Listener
	root   *peer   // non-root ranks: connection to rank 0
	peers  []*peer // rank 0: connection per rank, nil at index 0
	closed bool
}

// TCPOption configures a TCP world member.
type TCPOption func(*tcpOptions)

type tcpOptions struct {
	log         *zap.Logger
	dialTimeout time.Duration
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(log *zap.Logger) TCPOption {
	return func(o *tcpOptions) { o.log = log }
}

// WithDialTimeout bounds how long Dial keeps retrying an unreachable
// coordinator. Zero retries until ctx is done.
func WithDialTimeout(d time.Duration) TCPOption {
	return func(o *tcpOptions) { o.dialTimeout = d }
}

func buildOptions(opts []TCPOption) tcpOptions {
	o := tcpOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Listen opens the coordinator endpoint rank 0 serves the world on.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// NewRoot makes the calling process rank 0 of a world of size ranks. It takes
// ownership of ln, waits for every other rank to connect and returns once the
// whole world has joined.
func NewRoot(ctx context.Context, ln net.Listener, size int, opts ...TCPOption) (*TCPComm, error) {
	if size < 1 {
		ln.Close()
		return nil, fmt.Errorf("%w: world size %d", ErrHandshake, size)
	}
	o := buildOptions(opts)

	c := &TCPComm{
		rank:  0,
		size:  size,
		log:   o.log,
		ln:    ln,
		peers: make([]*peer, size),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	// Unblock Accept when ctx ends or a handshake fails. Once the world has
	// joined the listener is no longer needed either.
	stop := context.AfterFunc(gctx, func() { ln.Close() })
	defer stop()

	for joined := 1; joined < size; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			werr := g.Wait()
			_ = c.Close()
			switch {
			case werr != nil:
				return nil, werr
			case ctx.Err() != nil:
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accepting rank connection: %w", err)
		}

		g.Go(func() error {
			p := newPeer(conn)
			hello, err := p.recv(gctx, frameHello)
			if err != nil {
				conn.Close()
				return fmt.Errorf("reading hello from %s: %w", conn.RemoteAddr(), err)
			}
			if hello.Size != size || hello.Rank < 1 || hello.Rank >= size {
				conn.Close()
				return fmt.Errorf("%w: %s claims rank %d of %d, world has %d ranks",
					ErrHandshake, conn.RemoteAddr(), hello.Rank, hello.Size, size)
			}

			mu.Lock()
			defer mu.Unlock()
			if c.peers[hello.Rank] != nil {
				conn.Close()
				return fmt.Errorf("%w: rank %d joined twice", ErrHandshake, hello.Rank)
			}
			c.peers[hello.Rank] = p
			c.log.Debug("rank joined", zap.Int("peer_rank", hello.Rank), zap.Stringer("addr", conn.RemoteAddr()))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = c.Close()
		return nil, err
	}

	for r := 1; r < size; r++ {
		if err := c.peers[r].send(ctx, &frame{Kind: frameWelcome, Rank: r, Size: size}); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("welcoming rank %d: %w", r, err)
		}
	}

	c.log.Debug("world formed", zap.Int("size", size))
	return c, nil
}

// Dial joins the world coordinated at addr as rank. The coordinator may not be
// up yet, so connection attempts are retried with exponential backoff. Dial
// returns once rank 0 has welcomed the whole world.
func Dial(ctx context.Context, addr string, rank, size int, opts ...TCPOption) (*TCPComm, error) {
	if size < 2 || rank < 1 || rank >= size {
		return nil, fmt.Errorf("%w: cannot dial as rank %d of %d", ErrHandshake, rank, size)
	}
	o := buildOptions(opts)

	var conn net.Conn
	operation := func() error {
		var d net.Dialer
		cn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = cn
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = o.dialTimeout

	notify := func(err error, next time.Duration) {
		o.log.Debug("coordinator not reachable yet", zap.String("addr", addr), zap.Duration("retry_in", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("dialing coordinator %s: %w", addr, err)
	}

	p := newPeer(conn)
	if err := p.send(ctx, &frame{Kind: frameHello, Rank: rank, Size: size}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	welcome, err := p.recv(ctx, frameWelcome)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for welcome: %v", ErrHandshake, err)
	}
	if welcome.Rank != rank || welcome.Size != size {
		conn.Close()
		return nil, fmt.Errorf("%w: welcomed as rank %d of %d", ErrHandshake, welcome.Rank, welcome.Size)
	}

	return &TCPComm{rank: rank, size: size, log: o.log, root: p}, nil
}

func (c *TCPComm) Rank() int { return c.rank }
func (c *TCPComm) Size() int { return c.size }

func (c *TCPComm) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.rank != 0 {
		if err := c.root.send(ctx, &frame{Kind: frameGather, Rank: c.rank, Payload: payload}); err != nil {
			return nil, fmt.Errorf("sending contribution: %w", err)
		}
		res, err := c.root.recv(ctx, frameResult)
		if err != nil {
			return nil, fmt.Errorf("receiving gathered result: %w", err)
		}
		if len(res.Gathered) != c.size {
			return nil, fmt.Errorf("gathered %d contributions, world has %d ranks", len(res.Gathered), c.size)
		}
		return res.Gathered, nil
	}

	gathered := make([][]byte, c.size)
	gathered[0] = payload
	for r := 1; r < c.size; r++ {
		f, err := c.peers[r].recv(ctx, frameGather)
		if err != nil {
			return nil, fmt.Errorf("receiving contribution of rank %d: %w", r, err)
		}
		gathered[r] = f.Payload
	}

	result := &frame{Kind: frameResult, Gathered: gathered}
	for r := 1; r < c.size; r++ {
		if err := c.peers[r].send(ctx, result); err != nil {
			return nil, fmt.Errorf("sending result to rank %d: %w", r, err)
		}
	}
	return gathered, nil
}

func (c *TCPComm) Barrier(ctx context.Context) error {
	_, err := c.AllGather(ctx, nil)
	return err
}

// Close drops every connection and, on rank 0, the listener.
func (c *TCPComm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.root != nil {
		err = multierr.Append(err, c.root.conn.Close())
	}
	for _, p := range c.peers {
		if p != nil {
			err = multierr.Append(err, p.conn.Close())
		}
	}
	if c.ln != nil {
		if lnErr := c.ln.Close(); lnErr != nil && !errors.Is(lnErr, net.ErrClosed) {
			err = multierr.Append(err, lnErr)
		}
	}
	return err
}
