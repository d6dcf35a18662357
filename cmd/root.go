package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ledger-sync",
	Short: "Scrape bank accesses and reconcile them into an append-only ledger",
	Long:  "Schedules scrapes of customers' financial-entity accesses, deduplicates and normalizes the returned transactions, and reconciles them against the persisted ledger with balance integrity checks.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
