// Package main provides the CLI entry point for the callbridge voice
// agent bridge.
//
// Callbridge connects telephone and browser calls to OpenAI's hosted
// realtime backend, steering each call over a sideband control channel:
// session configuration, tool execution, warm transfers, and lifecycle
// webhooks to an external collaborator service.
//
// # Basic Usage
//
// Start the bridge:
//
//	callbridge serve --config callbridge.yaml
//
// Inspect loaded agents and call history:
//
//	callbridge agents list
//	callbridge calls recent
//
// # Environment Variables
//
// Secrets can be provided via environment variables instead of the file:
//
//   - CALLBRIDGE_OPENAI_API_KEY: OpenAI API key
//   - CALLBRIDGE_OPENAI_WEBHOOK_SECRET: webhook signing secret
//   - CALLBRIDGE_TWILIO_ACCOUNT_SID: Twilio account SID
//   - CALLBRIDGE_TWILIO_AUTH_TOKEN: Twilio auth token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "callbridge.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "callbridge",
		Short: "Callbridge - realtime voice agent bridge",
		Long: `Callbridge bridges telephone and browser calls to OpenAI's hosted
realtime backend and steers each call over a sideband control channel.

Call sources: SIP/Twilio phone calls, browser WebRTC sessions
Per-call features: tool execution, warm transfer, lifecycle webhooks`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentsCmd(),
		buildCallsCmd(),
	)
	return rootCmd
}

// buildServeCmd creates the "serve" command that starts the bridge.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the callbridge server",
		Long: `Start the bridge server.

The server will:
1. Load configuration from the specified file
2. Load agent definitions and optionally watch them for changes
3. Open the call history database
4. Start the HTTP server for webhooks, web sessions, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  callbridge serve

  # Start with custom config and debug logging
  callbridge serve --config /etc/callbridge/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildAgentsCmd creates the "agents" command group.
func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent definitions",
	}
	cmd.AddCommand(buildAgentsListCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded agent definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildCallsCmd creates the "calls" command group over the call history
// database.
func buildCallsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect archived call history",
	}
	cmd.AddCommand(buildCallsRecentCmd(), buildCallsShowCmd())
	return cmd
}

func buildCallsRecentCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently ended calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsRecent(cmd, configPath, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of calls to list")
	return cmd
}

func buildCallsShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <call-id>",
		Short: "Show one archived call including its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsShow(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
