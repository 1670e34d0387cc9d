package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mustard-hep/mustard/internal/config"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "inspect or write the layered configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the effective configuration after defaults, files and flags",
				Action: func(cctx *cli.Context) error {
					_, cfg, log, err := setup(cctx)
					if err != nil {
						return err
					}
					defer log.Sync()

					data, err := config.Marshal(cfg)
					if err != nil {
						return err
					}
					_, err = cctx.App.Writer.Write(data)
					return err
				},
			},
			{
				Name:  "init",
				Usage: "write the effective configuration to the project config file",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "global", Usage: "write the global file (~/.mustard/config.json) instead"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: func(cctx *cli.Context) error {
					_, cfg, log, err := setup(cctx)
					if err != nil {
						return err
					}
					defer log.Sync()

					globalPath, projectPath, err := config.DefaultPaths()
					if err != nil {
						return err
					}
					path := projectPath
					if p := cctx.String("config"); p != "" {
						path = p
					}
					if cctx.Bool("global") {
						path = globalPath
					}

					if !cctx.Bool("force") {
						_, err := os.Stat(path)
						if err == nil {
							return fmt.Errorf("%s already exists (use --force to overwrite)", path)
						}
						if !errors.Is(err, fs.ErrNotExist) {
							return fmt.Errorf("checking %s: %w", path, err)
						}
					}

					if err := config.Save(cfg, path); err != nil {
						return err
					}
					fmt.Fprintf(cctx.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
		},
	}
}
