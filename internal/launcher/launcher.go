// Package launcher starts the ranks of a world as local processes. Each rank
// learns its place through the MUSTARD_* environment variables and meets the
// others at the coordinator address, which rank 0 listens on.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mustard-hep/mustard/internal/comm"
)

// ErrNoRanks is returned for a launch of fewer than one rank.
var ErrNoRanks = errors.New("launch needs at least one rank")

// Spec describes a launch.
type Spec struct {
	Ranks       int
	Binary      string
	Args        []string
	Coordinator string   // defaults to a free loopback port
	Env         []string // extra KEY=VALUE pairs for every rank

	Stdout io.Writer // defaults to os.Stdout
	Stderr io.Writer // defaults to os.Stderr
	Logger *zap.Logger
}

// FreeAddr returns a loopback address with a port nobody listens on yet.
func FreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserving coordinator port: %w", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

// Launch runs spec.Ranks copies of spec.Binary and waits for all of them. The
// first rank to fail cancels the others, and its error is returned. pm, when
// not nil, tracks the processes while they run.
func Launch(ctx context.Context, spec Spec, pm *ProcessManager) error {
	if spec.Ranks < 1 {
		return ErrNoRanks
	}
	if spec.Binary == "" {
		return fmt.Errorf("launch needs a binary")
	}

	log := spec.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if spec.Coordinator == "" {
		addr, err := FreeAddr()
		if err != nil {
			return err
		}
		spec.Coordinator = addr
	}

	stdout := &syncWriter{w: orDefault(spec.Stdout, os.Stdout)}
	stderr := &syncWriter{w: orDefault(spec.Stderr, os.Stderr)}

	log.Info("launching world",
		zap.Int("ranks", spec.Ranks),
		zap.String("binary", spec.Binary),
		zap.String("coordinator", spec.Coordinator))

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < spec.Ranks; rank++ {
		g.Go(func() error {
			if err := runRank(gctx, spec, rank, stdout, stderr, pm, log); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func runRank(ctx context.Context, spec Spec, rank int, stdout, stderr io.Writer, pm *ProcessManager, log *zap.Logger) error {
	cmd := newCommand(ctx, spec.Binary, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		comm.EnvRank+"="+strconv.Itoa(rank),
		comm.EnvSize+"="+strconv.Itoa(spec.Ranks),
		comm.EnvCoordinator+"="+spec.Coordinator,
	)

	prefix := fmt.Sprintf("[rank %d] ", rank)
	out := newPrefixWriter(stdout, prefix)
	errOut := newPrefixWriter(stderr, prefix)
	cmd.Stdout = out
	cmd.Stderr = errOut

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}
	log.Debug("rank started", zap.Int("rank", rank), zap.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	out.Flush()
	errOut.Flush()

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stopped: %w", context.Cause(ctx))
		}
		return err
	}
	log.Debug("rank exited", zap.Int("rank", rank))
	return nil
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
