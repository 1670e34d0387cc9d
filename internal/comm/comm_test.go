package comm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runWorld drives fn on every rank of world concurrently.
func runWorld(t *testing.T, world []Communicator, fn func(c Communicator) error) {
	t.Helper()
	var g errgroup.Group
	for _, c := range world {
		g.Go(func() error { return fn(c) })
	}
	require.NoError(t, g.Wait())
}

func TestSelf(t *testing.T) {
	c := Self()
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())

	got, err := c.AllGather(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, got)

	require.NoError(t, c.Close())
	_, err = c.AllGather(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalWorld_AllGather(t *testing.T) {
	world := NewLocalWorld(4)
	require.Len(t, world, 4)

	runWorld(t, world, func(c Communicator) error {
		for round := 0; round < 3; round++ {
			got, err := c.AllGather(context.Background(), []byte(fmt.Sprintf("r%d-%d", c.Rank(), round)))
			if err != nil {
				return err
			}
			for r, p := range got {
				if want := fmt.Sprintf("r%d-%d", r, round); string(p) != want {
					return fmt.Errorf("rank %d round %d: slot %d = %q, want %q", c.Rank(), round, r, p, want)
				}
			}
		}
		return c.Barrier(context.Background())
	})
}

func TestLocalWorld_CancelReleasesWaiters(t *testing.T) {
	world := NewLocalWorld(2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Rank 1 never shows up.
	_, err := world[0].AllGather(ctx, []byte("lonely"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned collective poisons the world for everyone.
	_, err = world[1].AllGather(context.Background(), nil)
	assert.Error(t, err)
}

func TestLocalWorld_Close(t *testing.T) {
	world := NewLocalWorld(2)
	require.NoError(t, world[1].Close())
	_, err := world[0].AllGather(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAllGatherValueAndBroadcast(t *testing.T) {
	world := NewLocalWorld(3)

	runWorld(t, world, func(c Communicator) error {
		counts, err := AllGatherValue(context.Background(), c, int64(c.Rank()*10))
		if err != nil {
			return err
		}
		if len(counts) != 3 || counts[2] != 20 {
			return fmt.Errorf("rank %d gathered %v", c.Rank(), counts)
		}

		id, err := Broadcast(context.Background(), c, 0, fmt.Sprintf("run-of-rank-%d", c.Rank()))
		if err != nil {
			return err
		}
		if id != "run-of-rank-0" {
			return fmt.Errorf("rank %d got broadcast %q", c.Rank(), id)
		}
		return nil
	})
}

func TestBroadcast_BadRoot(t *testing.T) {
	_, err := Broadcast(context.Background(), Self(), 3, "x")
	assert.Error(t, err)
}

func TestTCPWorld(t *testing.T) {
	const size = 4
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	world := make([]Communicator, size)
	var g errgroup.Group
	g.Go(func() error {
		root, err := NewRoot(ctx, ln, size)
		if err != nil {
			return err
		}
		world[0] = root
		return nil
	})
	for r := 1; r < size; r++ {
		g.Go(func() error {
			c, err := Dial(ctx, addr, r, size)
			if err != nil {
				return err
			}
			world[r] = c
			return nil
		})
	}
	require.NoError(t, g.Wait())

	runWorld(t, world, func(c Communicator) error {
		hosts, err := AllGatherValue(ctx, c, fmt.Sprintf("host-%d", c.Rank()%2))
		if err != nil {
			return err
		}
		for r, h := range hosts {
			if want := fmt.Sprintf("host-%d", r%2); h != want {
				return fmt.Errorf("rank %d: slot %d = %q, want %q", c.Rank(), r, h, want)
			}
		}
		return c.Barrier(ctx)
	})

	for _, c := range world {
		assert.NoError(t, c.Close())
	}
}

func TestTCPWorld_DialRetriesUntilCoordinatorIsUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Reserve a port, release it, and bring the coordinator up late.
	probe, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	dialed := make(chan error, 1)
	go func() {
		c, err := Dial(ctx, addr, 1, 2)
		if err == nil {
			defer c.Close()
			err = c.Barrier(ctx)
		}
		dialed <- err
	}()

	time.Sleep(200 * time.Millisecond)
	ln, err := Listen(addr)
	require.NoError(t, err)
	root, err := NewRoot(ctx, ln, 2)
	require.NoError(t, err)
	defer root.Close()
	require.NoError(t, root.Barrier(ctx))

	require.NoError(t, <-dialed)
}

func TestTCPWorld_RejectsMismatchedSize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	rootErr := make(chan error, 1)
	go func() {
		c, err := NewRoot(ctx, ln, 2)
		if c != nil {
			c.Close()
		}
		rootErr <- err
	}()

	_, err = Dial(ctx, addr, 1, 3)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, <-rootErr, ErrHandshake)
}

func TestParseLaunch(t *testing.T) {
	env := func(m map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	tests := []struct {
		name    string
		vars    map[string]string
		want    LaunchInfo
		wantErr bool
	}{
		{
			name: "no launcher",
			vars: map[string]string{},
			want: LaunchInfo{Rank: 0, Size: 1},
		},
		{
			name: "mustard launcher",
			vars: map[string]string{EnvRank: "2", EnvSize: "4", EnvCoordinator: "10.0.0.1:4700"},
			want: LaunchInfo{Rank: 2, Size: 4, Coordinator: "10.0.0.1:4700"},
		},
		{
			name: "open mpi",
			vars: map[string]string{"OMPI_COMM_WORLD_RANK": "1", "OMPI_COMM_WORLD_SIZE": "8"},
			want: LaunchInfo{Rank: 1, Size: 8},
		},
		{
			name: "mustard wins over slurm",
			vars: map[string]string{EnvRank: "0", EnvSize: "2", "SLURM_PROCID": "5", "SLURM_NTASKS": "6"},
			want: LaunchInfo{Rank: 0, Size: 2},
		},
		{
			name:    "rank outside world",
			vars:    map[string]string{"PMI_RANK": "3", "PMI_SIZE": "3"},
			wantErr: true,
		},
		{
			name:    "garbage",
			vars:    map[string]string{EnvRank: "one", EnvSize: "2"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLaunch(env(tt.vars))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnect_SingleRankNeedsNoCoordinator(t *testing.T) {
	c, err := Connect(context.Background(), LaunchInfo{Rank: 0, Size: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Size())
}

func TestConnect_MissingCoordinator(t *testing.T) {
	_, err := Connect(context.Background(), LaunchInfo{Rank: 1, Size: 2}, "")
	assert.Error(t, err)
}
