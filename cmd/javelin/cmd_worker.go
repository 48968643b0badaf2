package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"javelin/internal/version"
	"javelin/pkg/protocol"
	"javelin/pkg/router"
	"javelin/pkg/worker"
)

// newWorkerCmd creates the "javelin worker" subcommand. The router spawns
// this; the auth token arrives via the environment, never argv.
func newWorkerCmd() *cobra.Command {
	var (
		connect       string
		shardID       uint32
		cacheDir      string
		maxRPCBytes   int
		allowInsecure bool
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a shard worker (spawned by the router)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return worker.Run(ctx, worker.Options{
				Connect:       connect,
				ShardID:       protocol.ShardID(shardID),
				CacheDir:      cacheDir,
				AuthToken:     os.Getenv(router.AuthTokenEnv),
				MaxRPCBytes:   maxRPCBytes,
				AllowInsecure: allowInsecure,
				Build:         version.String(),
			})
		},
	}

	cmd.Flags().StringVar(&connect, "connect", "", "router endpoint (unix:<path>, pipe:<name>, tcp:<host:port>)")
	cmd.Flags().Uint32Var(&shardID, "shard-id", 0, "shard to serve")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "index cache directory")
	cmd.Flags().IntVar(&maxRPCBytes, "max-rpc-bytes", 0, "frame payload bound")
	cmd.Flags().BoolVar(&allowInsecure, "allow-insecure", false, "permit plaintext tcp with a token or off-host router")
	_ = cmd.MarkFlagRequired("connect")
	return cmd
}
