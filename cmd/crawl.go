package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/portal-sync/internal/coords"
	"github.com/sells-group/portal-sync/internal/crawl"
)

var (
	crawlFrom           string
	crawlTo             string
	crawlSubjects       []string
	crawlMunicipalities []string
	crawlForce          bool
	crawlWorkers        int
	crawlParallel       bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl a vendor's portals over a period range",
	Long:  "Requests every (municipality, subject, period) in the range, skipping URLs the read ledger marks as succeeded unless --force is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r, err := parseRange(crawlFrom, crawlTo, time.Now())
		if err != nil {
			return err
		}

		env, err := initCrawl(ctx, envOpts{
			Workers:        workerCount(crawlWorkers, crawlParallel),
			Subjects:       crawlSubjects,
			Municipalities: crawlMunicipalities,
		})
		if err != nil {
			return err
		}
		defer env.Close()

		plan := crawl.Plan{Range: r, Force: crawlForce}
		// Filtered crawls leave the resume marker alone.
		if len(crawlSubjects) == 0 && len(crawlMunicipalities) == 0 {
			plan.MarkerPath = cfg.MarkerPath(env.Vendor)
		}
		sum, err := env.Engine.Run(ctx, plan)
		printSummary(os.Stdout, sum)
		if err != nil {
			return fmt.Errorf("crawl: %w", err)
		}
		return nil
	},
}

func init() {
	f := crawlCmd.Flags()
	f.StringVar(&crawlFrom, "from", "", "first period, YYYY or YYYY-MM (required)")
	f.StringVar(&crawlTo, "to", "", "last period, YYYY or YYYY-MM (default: current year)")
	f.StringSliceVar(&crawlSubjects, "subjects", nil, "only these subjects")
	f.StringSliceVar(&crawlMunicipalities, "municipalities", nil, "only these municipality IDs")
	f.BoolVar(&crawlForce, "force", false, "refetch URLs already read successfully")
	f.IntVar(&crawlWorkers, "workers", 0, "concurrent workers (default: crawl.workers)")
	f.BoolVar(&crawlParallel, "parallel", false, "use crawl.pool_size workers")
	_ = crawlCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(crawlCmd)
}

// workerCount resolves the worker flags; 0 means the configured default.
func workerCount(workers int, parallel bool) int {
	if workers > 0 {
		return workers
	}
	if parallel {
		return cfg.Crawl.PoolSize
	}
	return 0
}

// parsePeriod accepts "2023", "2023-05" and "2023/05".
func parsePeriod(s string) (year, month int, err error) {
	s = strings.TrimSpace(s)
	ys, ms, hasMonth := strings.Cut(strings.ReplaceAll(s, "/", "-"), "-")
	year, err = strconv.Atoi(ys)
	if err != nil || year < 1900 || year > 9999 {
		return 0, 0, eris.Errorf("invalid period %q: want YYYY or YYYY-MM", s)
	}
	if hasMonth {
		month, err = strconv.Atoi(ms)
		if err != nil || month < 1 || month > 12 {
			return 0, 0, eris.Errorf("invalid month in period %q", s)
		}
	}
	return year, month, nil
}

// parseRange builds the crawl range from the --from and --to flags. An
// empty to means the current year.
func parseRange(from, to string, now time.Time) (coords.Range, error) {
	var r coords.Range
	var err error
	if r.StartYear, r.StartMonth, err = parsePeriod(from); err != nil {
		return r, err
	}
	if to == "" {
		r.EndYear = now.Year()
	} else if r.EndYear, r.EndMonth, err = parsePeriod(to); err != nil {
		return r, err
	}
	return r, r.Validate()
}

// printSummary writes the run counters to w.
func printSummary(out io.Writer, s crawl.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Coordinates:\t%d/%d\n", s.Attempted, s.Total)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", s.Succeeded)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Empty:\t%d\n", s.Empty)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Rows inserted:\t%d\n", s.RowsInserted)
	if s.RowsRejected > 0 {
		_, _ = fmt.Fprintf(w, "Rows rejected:\t%d\n", s.RowsRejected)
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s (%.2f/s)\n", s.Elapsed.Round(time.Second), s.Throughput())
	_ = w.Flush()
}
