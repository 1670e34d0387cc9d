// Command mustard drives Monte Carlo task loops over a world of ranks. It
// runs a π estimate as demonstration payload, launches local worlds and
// audits run ledgers.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mustard-hep/mustard/internal/config"
	"github.com/mustard-hep/mustard/internal/logging"
)

func main() {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "mustard",
		Usage:     "distributed Monte Carlo task loops",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "project config file (default .mustard/config.json)",
				EnvVars: []string{"MUSTARD_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "override log.level",
				EnvVars: []string{"MUSTARD_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "override log.format (json or console)",
				EnvVars: []string{"MUSTARD_LOG_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			launchCommand(),
			auditCommand(),
			configCommand(),
		},
	}
}

// setup loads the layered configuration, applies command-line overrides and
// builds the logger. The logger travels in the returned context.
func setup(cctx *cli.Context) (context.Context, *config.Config, *zap.Logger, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return nil, nil, nil, err
	}
	if p := cctx.String("config"); p != "" {
		projectPath = p
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if lvl := cctx.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := cctx.String("log-format"); f != "" {
		cfg.Log.Format = f
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, nil, err
	}
	return logging.WithLogger(cctx.Context, log), cfg, log, nil
}

// shutdownTimeout bounds how long a command waits for its TUI to exit after a signal.
const shutdownTimeout = 10 * time.Second
