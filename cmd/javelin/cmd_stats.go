package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"javelin/pkg/router"
)

// newStatsCmd creates the "javelin stats" subcommand: a one-shot snapshot of
// shard and worker state from a running router.
func newStatsCmd() *cobra.Command {
	var adminSocket string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show shard and worker status",
		Long:  "Queries a running router over its admin socket.\nRenders a table on a terminal, JSON otherwise (or with --json).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := adminCall(adminSocket, router.AdminRequest{Type: "STATS"})
			if err != nil {
				return err
			}
			if asJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
				return writeStatsJSON(cmd.OutOrStdout(), resp)
			}
			return writeStatsTable(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&adminSocket, "admin", "", "router admin socket path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "force JSON output")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func writeStatsJSON(w io.Writer, resp router.AdminResponse) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func writeStatsTable(w io.Writer, resp router.AdminResponse) error {
	fmt.Fprintf(w, "revision %d\n\n", resp.Revision)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tROOT\tWORKER\tPROTO\tREVISION\tGEN\tSYMBOLS")
	for _, s := range resp.Shards {
		workerCol := "-"
		protoCol := "-"
		if s.Connected {
			workerCol = fmt.Sprintf("%d", s.WorkerID)
			protoCol = fmt.Sprintf("v%d", s.ProtocolVersion)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ShardID, s.Root, workerCol, protoCol, s.Revision, s.IndexGeneration, s.SymbolCount)
	}
	return tw.Flush()
}
