package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cortexa",
	Short: "Adaptive ingestion and multi-tenant inference routing",
	Long:  "Ingests tenant knowledge from arbitrary file formats, generating extraction handlers on the fly, and routes capability requests between private inference stacks and shared services.",
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
