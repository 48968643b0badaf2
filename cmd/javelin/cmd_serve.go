package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"javelin/pkg/router"
)

// newServeCmd creates the "javelin serve" subcommand: run the router until
// interrupted.
func newServeCmd() *cobra.Command {
	var (
		configPath    string
		layoutPath    string
		listen        string
		cacheDir      string
		adminSocket   string
		eventLog      string
		workerCommand string
		spawnWorkers  bool
		watch         bool
		indexOnStart  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query router",
		Long: `Starts the router: binds the worker listener, supervises one worker per
source root, and serves until SIGINT or SIGTERM. Flags override the config
file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := router.Config{}
			if configPath != "" {
				loaded, err := router.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listen != "" {
				addr, err := router.ParseListenAddr(listen)
				if err != nil {
					return err
				}
				cfg.Listen = addr
			}
			if cacheDir != "" {
				cfg.CacheDir = cacheDir
			}
			if adminSocket != "" {
				cfg.AdminSocket = adminSocket
			}
			if eventLog != "" {
				cfg.EventLogPath = eventLog
			}
			if workerCommand != "" {
				cfg.WorkerCommand = workerCommand
			}
			if cmd.Flags().Changed("spawn-workers") {
				cfg.SpawnWorkers = spawnWorkers
			}
			if cfg.SpawnWorkers && cfg.WorkerCommand == "" {
				// Default to respawning ourselves as the worker binary.
				self, err := os.Executable()
				if err != nil {
					return fmt.Errorf("resolve own binary for worker spawn: %w", err)
				}
				cfg.WorkerCommand = self
				cfg.WorkerArgs = append([]string{"worker"}, cfg.WorkerArgs...)
			}

			if layoutPath == "" {
				return fmt.Errorf("--layout is required")
			}
			layout, err := router.LoadLayout(layoutPath)
			if err != nil {
				return err
			}

			r, err := router.New(cfg, layout)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if indexOnStart {
				if err := r.IndexWorkspace(ctx); err != nil {
					log.Printf("serve: initial index: %v", err)
				}
			}
			if watch {
				go func() {
					if err := r.Watch(ctx); err != nil && ctx.Err() == nil {
						log.Printf("serve: watch: %v", err)
					}
				}()
			}

			<-ctx.Done()
			stop()
			return r.Shutdown(context.Background())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "router config file (TOML)")
	cmd.Flags().StringVarP(&layoutPath, "layout", "l", "", "workspace layout file (YAML, required)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (unix:<path>, pipe:<name>, tcp:<host:port>)")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "worker cache directory")
	cmd.Flags().StringVar(&adminSocket, "admin-socket", "", "admin socket path")
	cmd.Flags().StringVar(&eventLog, "event-log", "", "SQLite event log path")
	cmd.Flags().StringVar(&workerCommand, "worker-command", "", "worker binary (defaults to this binary)")
	cmd.Flags().BoolVar(&spawnWorkers, "spawn-workers", true, "spawn and supervise worker processes")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch source roots and reindex changed files")
	cmd.Flags().BoolVar(&indexOnStart, "index", true, "index the workspace at startup")
	return cmd
}
