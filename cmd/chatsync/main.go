// Package main provides the chatsync command line client.
//
// chatsync keeps a local view of chats, posts, notifications and presence in
// step with a chat platform and lets you drive it from a terminal.
//
// # Basic Usage
//
// Start an interactive session against the in-process demo platform:
//
//	chatsync run --config chatsync.yaml
//
// Serve the platform protocol for remote clients:
//
//	chatsync serve --config chatsync.yaml
//
// Issue a session token for a remote client:
//
//	chatsync token --user alice --secret "$CHATSYNC_SECRET"
//
// # Environment Variables
//
//   - CHATSYNC_CONFIG: Path to configuration file (default: chatsync.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatsync",
		Short: "chatsync - real-time sync client for chat and social feeds",
		Long: `chatsync keeps chats, messages, posts, notifications and presence in step
with a chat platform. It probes the connection, applies the change feed,
sends messages with retry and tracks who is online.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then CHATSYNC_CONFIG.
func resolveConfigPath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := os.Getenv("CHATSYNC_CONFIG"); env != "" {
		return env
	}
	return path
}
