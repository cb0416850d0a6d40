package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/combodevy/question-site/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|reset|status]",
	Short:     "Manage the database schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "reset", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}

		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		switch action {
		case "up":
			err = store.ApplyMigrations(ctx, db)
		case "down":
			err = store.RollbackMigration(ctx, db)
		case "reset":
			err = store.ResetMigrations(ctx, db)
		}
		if err != nil {
			return fmt.Errorf("migrate %s: %w", action, err)
		}

		version, err := store.SchemaVersion(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
		return nil
	},
}
