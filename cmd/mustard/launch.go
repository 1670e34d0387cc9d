package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mustard-hep/mustard/internal/launcher"
)

func launchCommand() *cli.Command {
	return &cli.Command{
		Name:      "launch",
		Usage:     "start a world of local ranks running a mustard command",
		ArgsUsage: "-- <command> [flags]",
		Description: "Starts --np copies of this binary with the given arguments, e.g.\n" +
			"  mustard launch --np 4 -- run --tasks 100000\n" +
			"Rank 0 listens on the coordinator address; the others dial it.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "np", Value: 2, Usage: "number of ranks"},
			&cli.StringFlag{Name: "coordinator", Usage: "address rank 0 listens on (default: a free loopback port)"},
			&cli.StringFlag{Name: "binary", Usage: "program to start instead of this mustard binary"},
		},
		Action: func(cctx *cli.Context) error {
			ctx, _, log, err := setup(cctx)
			if err != nil {
				return err
			}
			defer log.Sync()

			args := cctx.Args().Slice()
			if len(args) == 0 {
				return fmt.Errorf("launch needs a command to run, e.g. 'mustard launch --np 4 -- run'")
			}

			binary := cctx.String("binary")
			if binary == "" {
				binary, err = os.Executable()
				if err != nil {
					return fmt.Errorf("locating mustard binary: %w", err)
				}
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			pm := launcher.NewProcessManager()
			go func() {
				<-ctx.Done()
				if err := pm.KillAll(); err != nil {
					log.Warn("killing ranks", zap.Error(err))
				}
			}()

			return launcher.Launch(ctx, launcher.Spec{
				Ranks:       cctx.Int("np"),
				Binary:      binary,
				Args:        args,
				Coordinator: cctx.String("coordinator"),
				Stdout:      cctx.App.Writer,
				Stderr:      cctx.App.ErrWriter,
				Logger:      log,
			}, pm)
		},
	}
}
