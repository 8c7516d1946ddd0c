package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "chatsync.yaml"

// =============================================================================
// Run Command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive sync session",
		Long: `Start the sync session for the configured user and read commands from stdin.

Every line typed counts as user activity for presence. Commands:
  send <peer> <text>    send a message
  open <peer>           show a conversation and mark it read
  close                 leave the open conversation
  threads               list conversations
  posts                 list posts
  like <post-id>        toggle a like
  notifications         list notifications
  status <status>       set online, away, busy or offline
  who                   list presence
  resend <id>           retry a failed message
  discard <id>          drop a failed message
  health                show component health
  quit                  stop the session`,
		Example: `  # Demo platform in-process
  chatsync run

  # Connect to a platform server
  CHATSYNC_TOKEN=... chatsync run --config remote.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the platform protocol backed by an in-memory platform",
		Long: `Serve the REST and WebSocket platform protocol for remote chatsync clients.

State lives in memory and is lost on exit. Clients authenticate with tokens
issued by "chatsync token" using the same secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, resolveConfigPath(configPath), listen)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides platform.listen)")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		userID string
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		Example: `  chatsync token --user alice --secret s3cret --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, userID, secret, ttl)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id the token is issued to")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (or CHATSYNC_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 or negative for no expiry")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
