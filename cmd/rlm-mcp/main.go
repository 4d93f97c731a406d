// Package main provides the CLI entry point for the rlm MCP server.
//
// rlm gives LLM agents bounded document-processing sessions over the MCP
// stdio transport: load documents once, then chunk, search and peek at them
// through small windowed responses.
//
// # Basic Usage
//
// Start the server on stdio:
//
//	rlm-mcp serve --config rlm.yaml
//
// Manage database migrations:
//
//	rlm-mcp migrate up
//	rlm-mcp migrate status
//
// # Environment Variables
//
//   - RLM_CONFIG: Path to configuration file
//   - GITHUB_TOKEN: Token for export.github (overrides the config file)
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/recursivelm/rlm-mcp/internal/blob"
	"github.com/recursivelm/rlm-mcp/internal/config"
	"github.com/recursivelm/rlm-mcp/internal/engine"
	"github.com/recursivelm/rlm-mcp/internal/index"
	"github.com/recursivelm/rlm-mcp/internal/observability"
	"github.com/recursivelm/rlm-mcp/internal/store"
	"github.com/recursivelm/rlm-mcp/internal/tools"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v0.1.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rlm-mcp",
		Short: "rlm-mcp - session-scoped document processing over MCP",
		Long: `rlm-mcp is an MCP server for bounded document-processing sessions.

A session holds loaded documents, derived spans and artifacts, an append-only
trace log, and a tool-call budget. Agents navigate large documents through
chunking, BM25/regex/literal search and windowed peeks instead of pulling
whole files into context, and can export the session state to GitHub.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rlm-mcp %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tool surface over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}

			// stdout carries the MCP protocol; all logging goes to stderr.
			baseLogger := observability.NewLogger(cfg.Logging)
			logger := baseLogger.WithFields("logger", "main")
			registry := prometheus.NewRegistry()
			metrics := observability.NewMetrics(registry)

			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			blobs, err := blob.NewStore(cfg.BlobDir)
			if err != nil {
				return err
			}
			persistence, err := index.NewPersistence(cfg.IndexDir)
			if err != nil {
				return err
			}

			e := engine.New(cfg, st, blobs, persistence, baseLogger, metrics, engine.Options{})

			if cfg.MetricsAddr != "" {
				go serveMetrics(ctx, logger, registry, cfg.MetricsAddr)
			}

			logger.Info(ctx, "server starting",
				"version", version, "data_dir", cfg.DataDir)
			return tools.Serve(tools.NewServer(e, version))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default: $RLM_CONFIG)")
	return cmd
}

func serveMetrics(ctx context.Context, logger *observability.Logger, registry *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info(ctx, "metrics listener starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(ctx, "metrics listener failed", "error", err)
	}
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $RLM_CONFIG)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := store.SchemaVersion(cmd.Context(), st.DB())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database at schema version %d\n", v)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version without migrating",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := sql.Open("sqlite", cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()
			v, err := store.SchemaVersion(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", v)
			return nil
		},
	}

	cmd.AddCommand(up, status)
	return cmd
}
