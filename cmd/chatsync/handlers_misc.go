package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatsync/internal/config"
	"github.com/haasonsaas/chatsync/internal/platform/remote"
)

func runToken(cmd *cobra.Command, userID, secret string, ttl time.Duration) error {
	if secret == "" {
		secret = os.Getenv("CHATSYNC_SECRET")
	}
	if secret == "" {
		return errors.New("--secret or CHATSYNC_SECRET is required")
	}
	token, err := remote.IssueToken([]byte(secret), userID, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (user %s, %s platform)\n", configPath, cfg.User.ID, cfg.Platform.Mode)
	return nil
}
