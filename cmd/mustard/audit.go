package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/mustard-hep/mustard/internal/persistence"
)

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "check from the ledger that a run executed every task exactly once",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ledger", Usage: "ledger file (overrides ledger.path)"},
			&cli.StringFlag{Name: "run", Usage: "run ID; lists the recorded runs when empty"},
		},
		Action: func(cctx *cli.Context) error {
			ctx, cfg, log, err := setup(cctx)
			if err != nil {
				return err
			}
			defer log.Sync()

			path := cfg.Ledger.Path
			if p := cctx.String("ledger"); p != "" {
				path = p
			}
			if path == "" {
				return fmt.Errorf("no ledger configured: pass --ledger or set ledger.path")
			}

			store, err := persistence.NewSQLiteStore(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cctx.App.Writer
			runID := cctx.String("run")
			if runID == "" {
				runs, err := store.ListRuns(ctx)
				if err != nil {
					return err
				}
				printRuns(w, runs)
				return nil
			}

			report, err := store.Audit(ctx, runID)
			if err != nil {
				return err
			}
			ranks, err := store.ListRanks(ctx, runID)
			if err != nil {
				return err
			}
			printAudit(w, report, ranks)

			if !report.Complete() {
				return cli.Exit(report.String(), 2)
			}
			return nil
		},
	}
}

func printRuns(w io.Writer, runs []persistence.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tLABEL\tTASKS\tRANKS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Label, humanize.Comma(r.Total), r.WorldSize, humanize.Time(r.CreatedAt))
	}
	tw.Flush()
}

func printAudit(w io.Writer, report *persistence.AuditReport, ranks []persistence.RankRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tNODE\tRANGE\tEXECUTED\tSTATUS\tERROR")
	for _, r := range ranks {
		fmt.Fprintf(tw, "%d\t%s\t[%d,%d)\t%s/%s\t%s\t%s\n",
			r.Rank, r.Node, r.First, r.Last,
			humanize.Comma(r.Executed), humanize.Comma(r.Share()), r.Status, r.Error)
	}
	tw.Flush()

	for _, rank := range report.Missing {
		fmt.Fprintf(w, "rank %d never reported\n", rank)
	}
	for _, g := range report.Gaps {
		fmt.Fprintf(w, "tasks [%d,%d) owned by no rank\n", g[0], g[1])
	}
	for _, o := range report.Overlaps {
		fmt.Fprintf(w, "tasks [%d,%d) owned by several ranks\n", o[0], o[1])
	}
	fmt.Fprintln(w, report.String())
}
