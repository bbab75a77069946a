package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/portal-sync/internal/ledger"
	"github.com/sells-group/portal-sync/internal/runlog"
	"github.com/sells-group/portal-sync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-subject ledger totals and recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		vendor, err := currentVendor()
		if err != nil {
			return err
		}

		st, err := openStore(ctx, vendor)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		led := ledger.New(st.DB())
		if err := led.Migrate(ctx); err != nil {
			return err
		}
		subjects, err := led.Summary(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 5})
		if err != nil {
			return eris.Wrap(err, "status")
		}
		lines, err := runlog.NewErrorLog(cfg.ErrorLogPath(vendor)).Read()
		if err != nil {
			return eris.Wrap(err, "status")
		}
		marker, err := runlog.LoadMarker(cfg.MarkerPath(vendor))
		if err != nil {
			return eris.Wrap(err, "status")
		}

		fmt.Fprintf(os.Stdout, "Vendor: %s\nStore:  %s\n", vendor, st.Path())
		if marker != nil {
			fmt.Fprintf(os.Stdout, "Resume: after %04d-%02d (completed %s)\n",
				marker.Year, marker.Month, marker.CompletedAt.Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(os.Stdout, "Pending retries: %d\n\n", len(lines))

		if len(subjects) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing read yet.")
		} else {
			formatSubjects(os.Stdout, subjects)
		}
		if len(runs) > 0 {
			fmt.Fprintln(os.Stdout)
			formatRunsList(os.Stdout, runs)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// formatSubjects writes the per-subject ledger totals to w.
func formatSubjects(out io.Writer, subjects []ledger.SubjectSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SUBJECT\tSUCCEEDED\tFAILED\tEMPTY\tROWS\tREJECTED\tLAST_UPDATED")
	_, _ = fmt.Fprintln(w, "-------\t---------\t------\t-----\t----\t--------\t------------")
	for _, s := range subjects {
		last := ""
		if !s.LastUpdated.IsZero() {
			last = s.LastUpdated.Local().Format("2006-01-02 15:04")
		}
		rejected := "0"
		if s.RowsRejected > 0 {
			rejected = fmt.Sprintf("%d (%d requests)", s.RowsRejected, s.Lossy)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncate(s.Subject, 30), s.Succeeded, s.Failed, s.Empty, s.RowsInserted, rejected, last)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatDuration(start time.Time, end *time.Time) string {
	if end == nil {
		return "running"
	}
	return end.Sub(start).Round(time.Second).String()
}
