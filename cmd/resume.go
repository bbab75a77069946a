package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	resumeWorkers  int
	resumeParallel bool
	resumeForce    bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue crawling after the last completed period",
	Long:  "Reads the vendor's resume marker and crawls from the following month up to now, then moves the marker forward.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initCrawl(ctx, envOpts{Workers: workerCount(resumeWorkers, resumeParallel)})
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Engine.Resume(ctx, cfg.MarkerPath(env.Vendor), resumeForce)
		printSummary(os.Stdout, sum)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		return nil
	},
}

func init() {
	resumeCmd.Flags().IntVar(&resumeWorkers, "workers", 0, "concurrent workers (default: crawl.workers)")
	resumeCmd.Flags().BoolVar(&resumeParallel, "parallel", false, "use crawl.pool_size workers")
	resumeCmd.Flags().BoolVar(&resumeForce, "force", false, "refetch URLs already read successfully")
	rootCmd.AddCommand(resumeCmd)
}
