package comm

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Launch environment variables understood by FromEnv. The MUSTARD_* names are
// set by the bundled launcher; the others come from common MPI launchers and
// batch schedulers.
const (
	EnvRank        = "MUSTARD_RANK"
	EnvSize        = "MUSTARD_SIZE"
	EnvCoordinator = "MUSTARD_COORDINATOR"
)

var launchVars = []struct{ rank, size string }{
	{EnvRank, EnvSize},
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
	{"SLURM_PROCID", "SLURM_NTASKS"},
}

// LaunchInfo is what the launcher tells a process about its place in the world.
type LaunchInfo struct {
	Rank        int
	Size        int
	Coordinator string
}

// ParseLaunch reads launch information through lookup, which has the
// signature of os.LookupEnv. A process started without any launcher is rank 0
// of a world of one.
func ParseLaunch(lookup func(string) (string, bool)) (LaunchInfo, error) {
	info := LaunchInfo{Rank: 0, Size: 1}

	for _, vars := range launchVars {
		rs, okRank := lookup(vars.rank)
		ss, okSize := lookup(vars.size)
		if !okRank || !okSize {
			continue
		}

		rank, err := strconv.Atoi(rs)
		if err != nil {
			return LaunchInfo{}, fmt.Errorf("parsing %s=%q: %w", vars.rank, rs, err)
		}
		size, err := strconv.Atoi(ss)
		if err != nil {
			return LaunchInfo{}, fmt.Errorf("parsing %s=%q: %w", vars.size, ss, err)
		}
		if size < 1 || rank < 0 || rank >= size {
			return LaunchInfo{}, fmt.Errorf("%s=%d outside world of %s=%d", vars.rank, rank, vars.size, size)
		}
		info.Rank, info.Size = rank, size
		break
	}

	if addr, ok := lookup(EnvCoordinator); ok {
		info.Coordinator = addr
	}
	return info, nil
}

// Connect forms the world described by info. A world of one needs no
// coordinator; larger worlds use fallback when info carries none.
func Connect(ctx context.Context, info LaunchInfo, fallback string, opts ...TCPOption) (Communicator, error) {
	if info.Size <= 1 {
		return Self(), nil
	}

	addr := info.Coordinator
	if addr == "" {
		addr = fallback
	}
	if addr == "" {
		return nil, fmt.Errorf("world of %d ranks needs a coordinator address (%s)", info.Size, EnvCoordinator)
	}

	if info.Rank == 0 {
		ln, err := Listen(addr)
		if err != nil {
			return nil, err
		}
		root, err := NewRoot(ctx, ln, info.Size, opts...)
		if err != nil {
			return nil, err
		}
		return root, nil
	}

	c, err := Dial(ctx, addr, info.Rank, info.Size, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FromEnv forms the world this process was launched into.
func FromEnv(ctx context.Context, fallback string, opts ...TCPOption) (Communicator, LaunchInfo, error) {
	info, err := ParseLaunch(os.LookupEnv)
	if err != nil {
		return nil, LaunchInfo{}, err
	}
	c, err := Connect(ctx, info, fallback, opts...)
	if err != nil {
		return nil, info, err
	}
	return c, info, nil
}
