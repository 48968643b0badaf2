package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"javelin/pkg/eventlog"
)

// newEventsCmd creates the "javelin events" subcommand: query the SQLite
// worker-lifecycle log.
func newEventsCmd() *cobra.Command {
	var (
		dbPath    string
		shardID   int64
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show worker lifecycle events",
		Long:  "Reads the router's SQLite event log: spawns, handshakes,\ndisconnects, protocol violations, restarts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reader, err := eventlog.NewReader(dbPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			opts := eventlog.QueryOpts{EventType: eventType, Limit: limit}
			if cmd.Flags().Changed("shard") {
				opts.ShardID = &shardID
			}
			events, err := reader.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, e := range events {
				shard := fmt.Sprintf("shard %d", e.ShardID)
				if e.ShardID < 0 {
					shard = "router"
				}
				line := fmt.Sprintf("%s  %-20s %s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, shard)
				if e.WorkerID != 0 {
					line += fmt.Sprintf(" worker %d", e.WorkerID)
				}
				if e.Detail != "" {
					line += "  " + e.Detail
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "event log database path")
	cmd.Flags().Int64Var(&shardID, "shard", 0, "filter to one shard")
	cmd.Flags().StringVar(&eventType, "type", "", "filter to one event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}
