package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/portal-sync/internal/crawl"
)

var (
	retryFromLedger bool
	retryWorkers    int
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-request exactly the URLs that failed",
	Long:  "Re-drives the failures listed in the vendor's error log (or, with --from-ledger, every failed ledger entry). The error log is replaced by whatever still fails.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCrawl(ctx, envOpts{Workers: retryWorkers})
		if err != nil {
			return err
		}
		defer env.Close()

		plan := crawl.RetryPlan{Source: crawl.FromErrorLog}
		if retryFromLedger {
			plan.Source = crawl.FromLedger
		}
		sum, err := env.Engine.Retry(ctx, plan)
		printSummary(os.Stdout, sum)
		if err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryFromLedger, "from-ledger", false, "retry failed ledger entries instead of the error log")
	retryCmd.Flags().IntVar(&retryWorkers, "workers", 0, "concurrent workers (default: crawl.workers)")
	rootCmd.AddCommand(retryCmd)
}
