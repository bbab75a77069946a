package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/portal-sync/internal/config"
)

var (
	cfg        *config.Config
	vendorName string
)

var rootCmd = &cobra.Command{
	Use:   "portal-sync",
	Short: "Incremental crawler for municipal transparency portals",
	Long:  "Fetches public-spending data from vendor transparency portal APIs into a local SQLite store per vendor, skipping what was already read and growing tables to fit new fields.",
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

func init() {
	rootCmd.PersistentFlags().StringVar(&vendorName, "vendor", "", "portal vendor (tectrilha, portaltp, agape, alphatec, generic)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
