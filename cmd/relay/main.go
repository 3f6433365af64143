package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/relay/pkg/config"
	"github.com/coderelay/relay/pkg/deps"
	"github.com/coderelay/relay/pkg/logger"
	"github.com/coderelay/relay/pkg/mcpserver"
)

// Build-time variable set by the release pipeline.
var version = "dev"

var rootFlag string

var rootCmd = &cobra.Command{
	Use:     "relay",
	Short:   "Local MCP relay between a coding assistant and external AI CLI providers",
	Version: version,
	Long: `relay bridges a coding-assistant host and the claude, codex, gemini, and
droid CLIs over MCP stdio.

It validates and adapts file attachments per backend, sanitizes prompts,
enforces a four-level autonomy ladder with a durable audit trail, circuit-
breaks degraded providers, and runs multi-stage workflows (parallel review,
commit validation, bug hunting, feature design) across complementary
backends.

Common tasks:
  relay serve              # Serve the MCP tool surface on stdio
  relay status             # Show backend health and recent activity

For detailed help on any command, use:
  relay [command] --help`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tool surface on stdio",
	Long: `Start the relay and serve its tools over stdio until the host disconnects
or the process receives SIGINT/SIGTERM.

The project root confines every file attachment and working directory;
databases and rotating logs live under <root>/.relay. Configuration comes
from relay.yml in the project root plus RELAY_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logger.Configure(cfg.DataDir, cfg.LogStderr); err != nil {
			return err
		}
		if cfg.DebugPattern != "" {
			logger.SetDebugPattern(cfg.DebugPattern)
		}

		container, err := deps.Init(cfg)
		if err != nil {
			return err
		}
		defer deps.Close()

		server, err := mcpserver.New(cfg, container)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend circuit state and recent activity",
	Long: `Print relay health as JSON: per-backend circuit breaker state and the last
24 hours of activity statistics. Reads the same databases the server uses;
safe to run while a server is live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		container, err := deps.Init(cfg)
		if err != nil {
			return err
		}
		defer deps.Close()

		since := time.Now().Add(-24 * time.Hour).UnixMilli()
		stats, err := container.Activity.Stats(since)
		if err != nil {
			return err
		}
		savings, err := container.TokenMetrics.Report(since)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]any{
			"version":  version,
			"breakers": container.Breakers.Snapshot(),
			"activity": stats,
			"savings":  savings,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

func loadConfig() (config.Config, error) {
	root := rootFlag
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		root = wd
	}
	return config.Load(root)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Project root (default: current directory)")

	// Keep stdout clean: it carries the MCP framing when serving.
	rootCmd.SetOut(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate("relay version {{.Version}}\n")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	mcpserver.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
