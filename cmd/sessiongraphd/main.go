// sessiongraphd — ingests append-only session transcripts, schedules
// their analysis by an external agent, and persists the resulting nodes
// and edges into a durable knowledge graph.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sessiongraphd/internal/config"
	"github.com/ppiankov/sessiongraphd/internal/daemon"
	"github.com/ppiankov/sessiongraphd/internal/node"
	"github.com/ppiankov/sessiongraphd/internal/queryserver"
	"github.com/ppiankov/sessiongraphd/internal/queue"
	"github.com/ppiankov/sessiongraphd/internal/statsrpc"
)

// version is set by ldflags at build time.
var version = "dev"

func openQueueForStats(cfg *config.Config) (*queue.Store, error) {
	q, err := queue.Open(cfg.Storage.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "sessiongraphd",
		Short: "background daemon that builds a knowledge graph from agent session transcripts",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.sessiongraphd/config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "watch session directories and process analysis jobs",
		Long: `Watches the configured session directories for idle transcripts,
enqueues them for analysis, and runs the worker pool that invokes the
analyzer and persists resulting nodes and edges.

Examples:
  sessiongraphd run
  sessiongraphd run --config /etc/sessiongraphd/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := log.New(os.Stderr, "sessiongraphd: ", log.LstdFlags)
			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Printf("starting, watching %v", cfg.Watcher.Roots)
			if err := d.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "serve the knowledge graph to MCP clients over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			nodes, err := node.Open(cfg.Storage.NodeDBPath, cfg.Storage.ObjectDir)
			if err != nil {
				return fmt.Errorf("open node store: %w", err)
			}
			defer nodes.Close()

			srv := queryserver.New(nodes)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return srv.Run(ctx)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "serve queue statistics to monitoring clients over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Query.GRPCAddr == "" {
				return fmt.Errorf("query.grpc_addr is not configured")
			}
			q, err := openQueueForStats(cfg)
			if err != nil {
				return err
			}
			srv := statsrpc.New(q)
			return srv.Serve(cfg.Query.GRPCAddr)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the sessiongraphd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, queryCmd, statsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
