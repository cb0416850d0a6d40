package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/combodevy/question-site/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "qbank-api",
	Short:         "Question bank sync service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (overrides QBANK_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration with the --config flag taking priority
// over QBANK_CONFIG.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("QBANK_CONFIG", path); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load()
}
