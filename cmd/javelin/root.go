package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"javelin/internal/version"
)

// newRootCmd creates the root javelin command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "javelin",
		Short:         "Distributed query router for Java code intelligence",
		Long:          "javelin shards a Java workspace across worker processes and\nroutes indexing and symbol queries to the owning shard.",
		Version:       fmt.Sprintf("javelin %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newStatsCmd(),
		newEventsCmd(),
		newShutdownCmd(),
	)

	return cmd
}
