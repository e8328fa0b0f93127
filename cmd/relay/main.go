// Package main provides the CLI entry point for the Relay chat orchestration
// service.
//
// Relay sits between user-facing chat surfaces and LLM providers (OpenAI,
// OpenRouter, Anthropic, and a self-hosted OpenClaw runtime), assembling
// per-user context from the knowledge fact store and bridging integration
// tools to external agent runtimes.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Run transcript hygiene once and exit:
//
//	relay hygiene --config relay.yaml --dry-run
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key
//   - OPENROUTER_API_KEY: OpenRouter API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENCLAW_API_KEY / OPENCLAW_BASE_URL: self-hosted OpenClaw runtime
//   - RELAY_BRIDGE_API_KEY: shared key for the tool bridge
//   - RELAY_DATABASE_URL: postgres:// URL or SQLite file path
//   - RELAY_JWT_SECRET: admin surface token secret (empty disables auth)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - AI chat orchestration and tool bridge",
		Long: `Relay orchestrates chat turns across LLM providers with per-user context,
persists conversations, and bridges integration tools to external agent
runtimes over an authenticated HTTP surface.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildHygieneCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Relay server",
		Long: `Start the Relay server.

The server will:
1. Load configuration from the specified file (or relay.yaml)
2. Open the persistence store (Postgres, SQLite, or in-memory)
3. Initialize the enabled chat providers
4. Mount the chat API, admin surface, and tool bridge
5. Start the hygiene schedule when configured

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

func buildHygieneCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "hygiene",
		Short: "Run transcript hygiene once and exit",
		Long: `Run the transcript hygiene pass (prune, dedupe, archive, retitle) against
the configured store and print the report. With --dry-run nothing is
mutated; the report shows what a real run would do.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHygiene(cmd.Context(), configPath, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Report without mutating anything")
	return cmd
}
