package crawl

import (
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/portal-sync/internal/coords"
	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/runlog"
)

// Summary counts what a run did. Attempted covers every coordinate handed
// to a worker, skipped ones included.
type Summary struct {
	Total        int
	Attempted    int
	Succeeded    int
	Failed       int
	Skipped      int
	Empty        int
	RowsInserted int64
	RowsRejected int64
	Elapsed      time.Duration
}

// Throughput returns coordinates handled per second.
func (s Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Attempted) / s.Elapsed.Seconds()
}

func (s Summary) progress() string {
	return fmt.Sprintf("%d/%d", s.Attempted, s.Total)
}

func (s Summary) apply(run *model.Run) {
	run.Attempted = s.Attempted
	run.Succeeded = s.Succeeded
	run.Failed = s.Failed
	run.Skipped = s.Skipped
	run.Empty = s.Empty
	run.RowsInserted = s.RowsInserted
}

// tally accumulates job results from concurrent workers.
type tally struct {
	mu  sync.Mutex
	sum Summary
}

func newTally(total int) *tally {
	return &tally{sum: Summary{Total: total}}
}

func (t *tally) add(r result) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sum.Attempted++
	switch r.state {
	case model.StateSucceeded:
		t.sum.Succeeded++
	case model.StateFailed:
		t.sum.Failed++
	case model.StateSkipped:
		t.sum.Skipped++
	case model.StateEmpty:
		t.sum.Empty++
	}
	t.sum.RowsInserted += r.inserted
	t.sum.RowsRejected += r.rejected
	return t.sum
}

func (t *tally) summary(elapsed time.Duration) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sum
	s.Elapsed = elapsed
	return s
}

// completedThrough returns the resume marker for a finished range: its last
// month, capped at the month before now.
func completedThrough(r coords.Range, now time.Time) *runlog.Marker {
	year, month := r.EndYear, r.EndMonth
	if month == 0 {
		month = 12
	}
	ly, lm := now.Year(), int(now.Month())-1
	if lm == 0 {
		ly, lm = ly-1, 12
	}
	if year > ly || (year == ly && month > lm) {
		year, month = ly, lm
	}
	if year <= 0 {
		return nil
	}
	return &runlog.Marker{Year: year, Month: month, CompletedAt: now}
}
