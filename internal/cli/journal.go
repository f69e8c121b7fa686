package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"echosos/beacon-node/internal/store"
)

func journalCommand(w io.Writer) *cli.Command {
	var (
		path   string
		limit  int64
		alerts bool
	)

	return &cli.Command{
		Name:  "journal",
		Usage: "Print the event journal of a node database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "Node database path", Value: "data/echosos.db", Sources: cli.EnvVars("ECHOSOS_DATABASE_PATH"), Destination: &path},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum entries to print", Value: 50, Destination: &limit},
			&cli.BoolFlag{Name: "alerts", Usage: "Also list the peer alerts heard by the node", Destination: &alerts},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("database %s: %w", path, err)
			}
			db, err := store.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.InitSchema(ctx); err != nil {
				return err
			}

			entries, err := db.Journal(ctx, int(limit))
			if err != nil {
				return err
			}
			failures, err := db.CountDecodeFailures(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d journal entries, %d decode failures\n", len(entries), failures)
			for _, e := range entries {
				fmt.Fprintf(w, "%-14s %-20s %-10s %s\n", humanize.Time(e.RecordedAt), e.Kind, e.Emergency, e.Detail)
			}

			if !alerts {
				return nil
			}
			peers, err := db.RecentPeerAlerts(ctx, int(limit), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d peer alerts\n", len(peers))
			for _, p := range peers {
				relayed := ""
				if p.Relayed {
					relayed = " relayed"
				}
				fmt.Fprintf(w, "%-14s %s %-10s hops=%d fix=%s%s\n",
					humanize.Time(p.ReceivedAt), p.Message.ID(), p.Message.Emergency, p.Message.HopBudget, p.Message.Coordinate, relayed)
			}
			return nil
		},
	}
}
