package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/combodevy/question-site/internal/auth"
)

// tokenCmd issues a bearer token signed with the configured secret, for
// local development against a running server.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development bearer token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		owner, _ := cmd.Flags().GetString("owner")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), owner, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("owner", "", "Owner id to place in the sub claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
