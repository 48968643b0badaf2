package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"javelin/pkg/router"
)

// newShutdownCmd creates the "javelin shutdown" subcommand: ask a running
// router to drain its workers and exit.
func newShutdownCmd() *cobra.Command {
	var adminSocket string

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Shut down a running router",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := adminCall(adminSocket, router.AdminRequest{Type: "SHUTDOWN"}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}

	cmd.Flags().StringVar(&adminSocket, "admin", "", "router admin socket path")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}
