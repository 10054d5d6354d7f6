package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/crmflow/internal/api"
	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/pkg/mcp"
)

// cli carries the state shared by all subcommands.
type cli struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    Config
	logger *slog.Logger
	getenv func(string) string
}

func newRootCmd() *cobra.Command {
	c := &cli{getenv: os.Getenv}

	root := &cobra.Command{
		Use:   "crmflow",
		Short: "CRM automation workflow engine",
		Long: `crmflow runs automation workflows against CRM contacts: it matches
pipeline events to workflow triggers, interprets their step chains and
resumes delayed runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", settingsPath(), "settings file")
	root.PersistentFlags().StringVar(&c.dbPath, "db-path", "", "database path (overrides settings)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		c.newServeCmd(),
		c.newMCPCmd(),
		c.newTickCmd(),
		c.newMigrateCmd(),
		c.newDiagramCmd(),
		c.newSecretCmd(),
		newVersionCmd(),
	)
	return root
}

// init loads configuration and builds the logger. Logs go to stderr so the
// MCP stdio transport keeps stdout.
func (c *cli) init(stderr io.Writer) error {
	cfg, err := loadConfig(c.configPath, c.getenv)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg
	c.logger = logging.New(stderr, cfg.LogLevel)
	slog.SetDefault(c.logger)
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (c *cli) newServeCmd() *cobra.Command {
	var (
		listenAddr  string
		noScheduler bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP event ingress and the delay scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listenAddr != "" {
				c.cfg.ListenAddr = listenAddr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noScheduler {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
			}

			opts := []api.ServerOption{
				api.WithLogger(c.logger),
				api.WithTicker(a.scheduler),
				api.WithDiagrams(a.store),
				api.WithEvents(a.events),
			}
			if len(c.cfg.AllowedOrigins) > 0 {
				opts = append(opts, api.WithAllowedOrigins(c.cfg.AllowedOrigins...))
			}
			srv := api.NewServer(a.emitter, a.executor, opts...)
			return srv.ListenAndServe(ctx, c.cfg.ListenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "TCP listen address (overrides settings)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not poll for due delays; rely on POST /v1/delays/tick")
	return cmd
}

func (c *cli) newMCPCmd() *cobra.Command {
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operator tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if withScheduler {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
			}

			srv := mcp.NewFlowServer(mcp.FlowServerDeps{
				Dispatcher: a.emitter,
				Runs:       a.executor,
				Due:        a.store,
				Diagrams:   a.store,
				Logger:     c.logger,
			}, version)
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "also poll for due delays")
	return cmd
}

func (c *cli) newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Resume every due delay once and print the report",
		Long: `tick runs a single delay poll. Use it from an external cron when
serve runs with --no-scheduler or the engine is embedded elsewhere.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.scheduler.Tick(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			if err := s.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready at %s\n", c.cfg.DBPath)
			return nil
		},
	}
}
