package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/handlers"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/mcp"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/middleware"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
)

// Version is set at build time via ldflags
var Version = "dev"

const appName = "ekaya-knowledge"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Knowledge node management service",
		Long: `ekaya-knowledge stores, versions and searches knowledge nodes.

It serves a JSON API, an MCP endpoint for agents, health checks and
Prometheus metrics, and offers maintenance commands for migrations,
reindexing, statistics and bulk changes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (default config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		migrateCmd(flags),
		reindexCmd(flags),
		statsCmd(flags),
		bulkCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, runtime.Version())
			},
		},
	)

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations at startup")
	return cmd
}

func serve(ctx context.Context, flags *globalFlags, runMigrations bool) error {
	a, err := loadApp(flags.configPath, flags.logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx, runMigrations); err != nil {
		return err
	}

	mux := http.NewServeMux()

	handlers.NewHealthHandler(a.cfg, a.metrics.Handler(), a.logger, a.search, a.nodes).RegisterRoutes(mux)
	handlers.NewKnowledgeNodeHandler(a.nodes, a.logger).RegisterRoutes(mux)

	mcpServer := mcp.NewServer(appName, Version, a.logger, mcp.NewAuditLogger(a.logger, a.metrics))
	tools.RegisterHealthTool(mcpServer.MCP(), Version, a.search, a.nodes)
	tools.RegisterKnowledgeNodeTools(mcpServer.MCP(), &tools.KnowledgeNodeToolDeps{
		Service: a.nodes,
		Logger:  a.logger,
	})
	mux.Handle("/mcp", mcpServer.NewStreamableHTTPServer())

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           middleware.RequestLogger(a.logger.Named("http"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("version", Version),
			zap.String("mcp_endpoint", a.cfg.BaseURL+"/mcp"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags.configPath, flags.logLevel)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connectDatabase(cmd.Context()); err != nil {
				return err
			}
			return a.migrate()
		},
	}
}

func reindexCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from every non-deleted node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				result, err := a.nodes.ReindexAll(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Failed > 0 {
					return fmt.Errorf("%d nodes failed to index", result.Failed)
				}
				return nil
			})
		},
	}
}

func statsCmd(flags *globalFlags) *cobra.Command {
	var (
		report  bool
		days    int
		authors int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print knowledge node statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				if report {
					r, err := a.nodes.GetReport(ctx, days, authors)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), r)
				}
				stats, err := a.nodes.GetStatistics(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().BoolVar(&report, "report", false, "Print the content size, version, growth and author report instead")
	cmd.Flags().IntVar(&days, "days", 30, "Growth window in days for --report")
	cmd.Flags().IntVar(&authors, "authors", 10, "Number of top authors for --report")
	return cmd
}

// bulkFile is the YAML document accepted by the bulk command.
type bulkFile struct {
	Operations []models.BulkOperation `yaml:"operations"`
}

func bulkCmd(flags *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Apply create, update and delete operations from a YAML file",
		Long: `Apply a batch of operations in order. The batch stops at the first
failing entry; entries applied before it are kept.

Example file:

  operations:
    - op: create
      data:
        title: Postgres failover
        type: document
        tags: [ops, postgres]
    - op: delete
      id: 3f0c2a52-7a8e-4d54-9a57-0f2b8a9f1d10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := readBulkFile(file)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				results, err := a.nodes.BulkOperations(ctx, ops)
				if writeErr := writeJSON(cmd.OutOrStdout(), results); writeErr != nil {
					return writeErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with the operations to apply")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readBulkFile parses a bulk operations file.
func readBulkFile(path string) ([]models.BulkOperation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc bulkFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(doc.Operations) == 0 {
		return nil, fmt.Errorf("%s contains no operations", path)
	}
	return doc.Operations, nil
}

// withServices starts the services for a one-shot command and tears them down after.
func withServices(ctx context.Context, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	a, err := loadApp(flags.configPath, flags.logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx, false); err != nil {
		return err
	}
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
