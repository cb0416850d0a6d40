package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print an owner's recent sync log entries as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		owner, _ := cmd.Flags().GetString("owner")
		limit, _ := cmd.Flags().GetInt("limit")
		if owner == "" {
			return fmt.Errorf("--owner is required")
		}

		dataStore, closeStore, err := openStore(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer closeStore()

		entries, err := dataStore.ListSyncLogs(cmd.Context(), owner, limit)
		if err != nil {
			return fmt.Errorf("list sync logs: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, entry := range entries {
			if err := enc.Encode(map[string]any{
				"id":        entry.ID,
				"status":    entry.Status,
				"error":     entry.Error,
				"delta":     entry.Delta,
				"createdAt": entry.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().String("owner", "", "Owner id (JWT subject)")
	logsCmd.Flags().Int("limit", 50, "Maximum number of entries")
}
