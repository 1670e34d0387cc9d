package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mustard-hep/mustard/internal/comm"
	"github.com/mustard-hep/mustard/internal/config"
	"github.com/mustard-hep/mustard/internal/events"
	"github.com/mustard-hep/mustard/internal/logging"
	"github.com/mustard-hep/mustard/internal/persistence"
	"github.com/mustard-hep/mustard/internal/processor"
	"github.com/mustard-hep/mustard/internal/topology"
	"github.com/mustard-hep/mustard/internal/tui"
)

// breakerCooldown is how long an open task breaker waits before probing again.
const breakerCooldown = 30 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "estimate π with a Monte Carlo task loop spread over the world",
		Description: "Every rank runs its share of the loop [0, tasks). Started by 'mustard launch' or an MPI\n" +
			"launcher the ranks meet at the coordinator; started alone the process is a world of one.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "tasks", Aliases: []string{"n"}, Value: 1000, Usage: "number of tasks in the loop"},
			&cli.IntFlag{Name: "samples", Value: 10000, Usage: "random points drawn by each task"},
			&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "base seed; task i draws from the stream (seed, i)"},
			&cli.IntFlag{Name: "local", Usage: "simulate a world of N ranks inside this process"},
			&cli.StringFlag{Name: "label", Value: "pi", Usage: "label recorded in the ledger"},
			&cli.StringFlag{Name: "ledger", Usage: "record the run in this SQLite ledger (overrides ledger.path)"},
			&cli.BoolFlag{Name: "retry", Usage: "retry failing tasks with backoff (overrides retry.enabled)"},
			&cli.BoolFlag{Name: "no-progress", Usage: "do not draw progress bars"},
			&cli.BoolFlag{Name: "tui", Usage: "show a live dashboard of every rank"},
		},
		Action: func(cctx *cli.Context) error {
			ctx, cfg, log, err := setup(cctx)
			if err != nil {
				return err
			}
			defer log.Sync()

			opts := runOptions{
				tasks:    cctx.Int64("tasks"),
				samples:  cctx.Int("samples"),
				seed:     cctx.Uint64("seed"),
				label:    cctx.String("label"),
				retry:    cfg.Retry.Enabled || cctx.Bool("retry"),
				progress: cfg.Progress.Enabled && !cctx.Bool("no-progress"),
				tui:      cctx.Bool("tui"),
				out:      cctx.App.ErrWriter,
			}
			if p := cctx.String("ledger"); p != "" {
				cfg.Ledger.Path = p
			}
			if opts.samples < 1 {
				return fmt.Errorf("--samples must be at least 1")
			}

			var report *runReport
			if n := cctx.Int("local"); n > 0 {
				report, err = runLocal(ctx, cfg, opts, n)
			} else {
				report, err = runLaunched(ctx, cfg, opts)
			}
			if report != nil {
				report.print(cctx.App.Writer)
			}
			return err
		},
	}
}

type runOptions struct {
	tasks    int64
	samples  int
	seed     uint64
	label    string
	retry    bool
	progress bool
	tui      bool
	out      io.Writer // progress bars

	bus   *events.EventBus
	store persistence.Store
}

// runReport is the outcome of a run as seen by the world master.
type runReport struct {
	runID     string
	worldSize int
	expected  int64
	tally     processor.Tally[int64]
	pi        float64
	drawn     int64
}

func (r *runReport) print(w io.Writer) {
	fmt.Fprintf(w, "run %s: %s/%s tasks on %d ranks\n",
		r.runID, humanize.Comma(r.tally.Total), humanize.Comma(r.expected), r.worldSize)
	if r.drawn > 0 {
		fmt.Fprintf(w, "π ≈ %.6f (error %.2e) from %s samples\n",
			r.pi, math.Abs(r.pi-math.Pi), humanize.Comma(r.drawn))
	}
}

// runLaunched runs this process's rank of the world described by its
// launch environment.
func runLaunched(ctx context.Context, cfg *config.Config, opts runOptions) (*runReport, error) {
	log := logging.FromContext(ctx)

	c, info, err := comm.FromEnv(ctx, cfg.Cluster.Coordinator,
		comm.WithLogger(log),
		comm.WithDialTimeout(time.Duration(cfg.Cluster.DialTimeout)))
	if err != nil {
		return nil, fmt.Errorf("joining world: %w", err)
	}
	defer c.Close()

	if opts.tui && info.Size > 1 {
		return nil, fmt.Errorf("--tui shows one process; use --local to watch a simulated world")
	}

	topo, err := topology.Init(ctx, c, "")
	if err != nil {
		return nil, err
	}
	defer topology.Finalize()

	if cfg.Ledger.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		opts.store = store
	}

	var report *runReport
	err = withTUI(ctx, &opts, 1, func() error {
		var err error
		report, err = runRank(ctx, c, topo, cfg, opts)
		return err
	})
	if !topo.OnWorldMaster() {
		report = nil
	}
	return report, err
}

// runLocal runs a world of n ranks as goroutines of this process.
func runLocal(ctx context.Context, cfg *config.Config, opts runOptions, n int) (*runReport, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	if cfg.Ledger.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		opts.store = store
	}

	world := comm.NewLocalWorld(n)
	defer world[0].Close() // closes every rank
	reports := make([]*runReport, n)

	err = withTUI(ctx, &opts, n, func() error {
		// Every rank must take part in every collective, so a failing rank
		// does not cancel the others.
		var g errgroup.Group
		errs := make([]error, n)
		for _, c := range world {
			g.Go(func() error {
				topo, err := topology.New(ctx, c, hostname)
				if err != nil {
					errs[c.Rank()] = err
					return nil
				}
				reports[c.Rank()], errs[c.Rank()] = runRank(ctx, c, topo, cfg, opts)
				return nil
			})
		}
		g.Wait()
		return multierr.Combine(errs...)
	})
	return reports[0], err
}

// withTUI runs fn, showing the dashboard while it runs when opts ask for it.
// The dashboard replaces the progress bars.
func withTUI(ctx context.Context, opts *runOptions, worldSize int, fn func() error) error {
	if !opts.tui {
		return fn()
	}

	bus := events.NewEventBus()
	defer bus.Close()
	opts.bus = bus
	opts.progress = false

	p := tea.NewProgram(tui.New(bus, worldSize, true), tea.WithAltScreen(), tea.WithContext(ctx))
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	runErr := fn()

	// The dashboard quits by itself once every rank finished; give it a
	// moment to draw the final state.
	select {
	case err := <-errChan:
		return multierr.Append(runErr, ignoreKilled(err))
	case <-time.After(2 * time.Second):
		p.Quit()
	}

	select {
	case err := <-errChan:
		return multierr.Append(runErr, ignoreKilled(err))
	case <-time.After(shutdownTimeout):
		return multierr.Append(runErr, fmt.Errorf("dashboard did not exit"))
	}
}

func ignoreKilled(err error) error {
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// runRank runs the π loop on one rank and combines the results of all ranks.
// It is collective over c.
func runRank(ctx context.Context, c comm.Communicator, topo *topology.Topology, cfg *config.Config, opts runOptions) (*runReport, error) {
	log := logging.ForRank(logging.FromContext(ctx), topo)

	runID, err := comm.Broadcast(ctx, c, 0, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("agreeing on run ID: %w", err)
	}
	log = log.With(zap.String("run", runID))

	proc, err := processor.For[int64](topo, buildHooks(ctx, topo, cfg, opts, runID, log), processor.WithLogger(log))
	if err != nil {
		return nil, err
	}

	payload := &piPayload{seed: opts.seed, samples: opts.samples}
	task := processor.TaskFunc[int64](payload.task)
	if opts.retry {
		policy := processor.RetryPolicy{
			InitialInterval:     time.Duration(cfg.Retry.InitialInterval),
			MaxInterval:         time.Duration(cfg.Retry.MaxInterval),
			MaxElapsedTime:      time.Duration(cfg.Retry.MaxElapsedTime),
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		}
		cb := processor.NewTaskBreaker(opts.label, cfg.Retry.BreakerThreshold, breakerCooldown, log)
		task = processor.Retrying(task, policy, cb)
	}

	log.Info("starting loop", zap.Int64("tasks", opts.tasks), zap.Stringer("topology", topo))
	loopErr := proc.Process(ctx, opts.tasks, task)

	// Both gathers are collective and run even after a failed loop.
	tally, tallyErr := processor.GatherCounts(ctx, c, proc.LocalExecutedCount())
	results, resultErr := comm.AllGatherValue(ctx, c, payload.result())
	if err := multierr.Combine(loopErr, tallyErr, resultErr); err != nil {
		log.Error("run failed", zap.Error(err))
		return nil, err
	}

	report := &runReport{
		runID:     runID,
		worldSize: topo.WorldSize(),
		expected:  opts.tasks,
		tally:     tally,
	}
	report.pi, report.drawn = estimate(results)

	if !tally.Complete(opts.tasks) {
		return report, fmt.Errorf("run %s executed %d of %d tasks", runID, tally.Total, opts.tasks)
	}
	log.Info("loop complete",
		zap.Int64("executed", proc.LocalExecutedCount()),
		zap.Int64("world_executed", tally.Total))
	return report, nil
}

func buildHooks(ctx context.Context, topo *topology.Topology, cfg *config.Config, opts runOptions, runID string, log *zap.Logger) processor.Hooks[int64] {
	var hooks []processor.Hooks[int64]

	if opts.progress {
		hooks = append(hooks, processor.NewProgressHooks[int64](opts.out, processor.ProgressOptions{
			Label:    fmt.Sprintf("rank %d/%d", topo.WorldRank(), topo.WorldSize()),
			Width:    cfg.Progress.Width,
			Refresh:  time.Duration(cfg.Progress.Refresh),
			Disabled: cfg.Progress.MasterOnly && !topo.OnWorldMaster(),
		}))
	}

	if opts.bus != nil {
		eh := processor.NewEventHooks[int64](opts.bus, runID, topo.WorldRank())
		eh.Budget = events.LoopProgressBudget
		hooks = append(hooks, eh)
	}

	if opts.store != nil {
		hooks = append(hooks, processor.NewLedgerHooks[int64](ctx, opts.store, processor.LedgerOptions{
			Run: persistence.Run{
				ID:        runID,
				Label:     opts.label,
				WorldSize: topo.WorldSize(),
			},
			Rank:       topo.WorldRank(),
			Node:       topo.LocalNode().Name,
			FlushEvery: cfg.Ledger.FlushEvery,
			Logger:     log,
		}))
	}

	return processor.Compose(hooks...)
}
