// Package crawl drives coordinates through fetch, reconcile and merge,
// recording every outcome in the read ledger.
package crawl

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/portal-sync/internal/catalog"
	"github.com/sells-group/portal-sync/internal/coords"
	"github.com/sells-group/portal-sync/internal/fetcher"
	"github.com/sells-group/portal-sync/internal/ledger"
	"github.com/sells-group/portal-sync/internal/metrics"
	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/request"
	"github.com/sells-group/portal-sync/internal/runlog"
	"github.com/sells-group/portal-sync/internal/store"
)

// Options tunes an Engine.
type Options struct {
	Workers int           // 1 runs sequentially
	Delay   time.Duration // pause after every fetch attempt, per worker
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Engine runs crawl, resume and retry passes for one vendor.
type Engine struct {
	db      *store.SQLite
	fetcher fetcher.Fetcher
	catalog *catalog.Catalog
	errLog  *runlog.ErrorLog
	profile request.Profile
	opts    Options
	log     *zap.Logger
}

// New creates an engine over an open store. The catalog decides the vendor.
func New(db *store.SQLite, f fetcher.Fetcher, cat *catalog.Catalog, errLog *runlog.ErrorLog, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		db:      db,
		fetcher: f,
		catalog: cat,
		errLog:  errLog,
		profile: request.ProfileFor(cat.Vendor),
		opts:    opts,
		log: zap.L().With(
			zap.String("component", "crawl.engine"),
			zap.String("vendor", cat.Vendor.String()),
		),
	}
}

// Plan selects the coordinates of a crawl.
type Plan struct {
	Range coords.Range
	Force bool          // refetch URLs the ledger marks as succeeded
	Mode  model.RunMode // recorded in run history; defaults to crawl

	// MarkerPath, when set, receives the last completed period once the
	// run finishes without being cancelled.
	MarkerPath string
}

// job is one unit handed to a worker.
type job struct {
	coord model.Coordinate
	url   string // set for retry jobs: fetch exactly this URL, no pagination walk
}

// Run crawls every coordinate of the plan. Coordinate failures never abort
// the run; only a store that cannot be prepared or a cancelled context
// does. The summary is valid even when an error is returned.
func (e *Engine) Run(ctx context.Context, plan Plan) (Summary, error) {
	if err := plan.Range.Validate(); err != nil {
		return Summary{}, err
	}
	if plan.Mode == "" {
		plan.Mode = model.RunModeCrawl
	}
	now := e.opts.Now()
	total := coords.Count(e.catalog.Municipalities, e.catalog.Subjects, plan.Range, now)
	e.log.Info("starting crawl",
		zap.String("mode", string(plan.Mode)),
		zap.Int("coordinates", total),
		zap.Int("workers", e.opts.Workers),
		zap.Bool("force", plan.Force),
	)

	jobs := func(yield func(job) bool) {
		for c := range coords.Generate(e.catalog.Municipalities, e.catalog.Subjects, plan.Range, now) {
			if !yield(job{coord: c}) {
				return
			}
		}
	}

	sum, err := e.execute(ctx, plan.Mode, jobs, total, plan.Force, e.errLog)
	if err == nil && plan.MarkerPath != "" {
		if m := completedThrough(plan.Range, now); m != nil {
			if mErr := runlog.SaveMarker(plan.MarkerPath, *m); mErr != nil {
				e.log.Error("failed to save resume marker", zap.Error(mErr))
			}
		}
	}
	return sum, err
}

// Resume continues after the period stored at markerPath. Without a marker
// it crawls the current year.
func (e *Engine) Resume(ctx context.Context, markerPath string, force bool) (Summary, error) {
	m, err := runlog.LoadMarker(markerPath)
	if err != nil {
		return Summary{}, err
	}
	var year, month int
	if m != nil {
		year, month = m.Year, m.Month
	}
	r := coords.After(year, month, e.opts.Now())
	e.log.Info("resuming", zap.Int("after_year", year), zap.Int("after_month", month),
		zap.Int("start_year", r.StartYear), zap.Int("start_month", r.StartMonth))
	return e.Run(ctx, Plan{Range: r, Force: force, Mode: model.RunModeResume, MarkerPath: markerPath})
}

// execute migrates the ledger, records run history and drives jobs through
// the worker pool.
func (e *Engine) execute(ctx context.Context, mode model.RunMode, jobs iter.Seq[job], total int, force bool, sink runlog.Sink) (Summary, error) {
	if err := e.db.Migrate(ctx); err != nil {
		return Summary{}, eris.Wrap(err, "crawl: prepare store")
	}
	if err := ledger.New(e.db.DB()).Migrate(ctx); err != nil {
		return Summary{}, eris.Wrap(err, "crawl: prepare ledger")
	}
	run, err := e.db.CreateRun(ctx, e.catalog.Vendor, mode)
	if err != nil {
		return Summary{}, eris.Wrap(err, "crawl: record run")
	}

	t := newTally(total)
	start := time.Now()
	err = e.pool(ctx, jobs, force, sink, t)
	sum := t.summary(time.Since(start))

	run.Status = model.RunStatusComplete
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Status = model.RunStatusCancelled
	case err != nil:
		run.Status = model.RunStatusFailed
		run.Error = err.Error()
	}
	sum.apply(run)
	// The run context may be gone; history is still worth writing.
	if fErr := e.db.FinishRun(context.WithoutCancel(ctx), run); fErr != nil {
		e.log.Error("failed to record run completion", zap.Error(fErr))
	}

	e.log.Info("crawl complete",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("attempted", sum.Attempted),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("empty", sum.Empty),
		zap.Int64("rows_inserted", sum.RowsInserted),
		zap.Int64("rows_rejected", sum.RowsRejected),
		zap.Duration("elapsed", sum.Elapsed),
		zap.Float64("per_sec", sum.Throughput()),
	)
	return sum, err
}

// pool feeds jobs to the workers. Each worker owns one connection for its
// whole life, so SQLite serializes writers at the storage layer.
func (e *Engine) pool(ctx context.Context, jobs iter.Seq[job], force bool, sink runlog.Sink, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	ch := make(chan job)

	g.Go(func() error {
		defer close(ch)
		for j := range jobs {
			select {
			case ch <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := range e.opts.Workers {
		g.Go(func() error {
			conn, err := e.db.Conn(gctx)
			if err != nil {
				return err
			}
			defer conn.Close() //nolint:errcheck

			w := &worker{
				engine: e,
				conn:   conn,
				ledger: ledger.New(conn),
				sink:   sink,
				force:  force,
				log:    e.log.With(zap.Int("worker", i)),
			}
			e.opts.Metrics.WorkerStarted()
			defer e.opts.Metrics.WorkerDone()

			for j := range ch {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res, err := w.process(gctx, j)
				if err != nil {
					return err
				}
				done := t.add(res)
				w.log.Info("coordinate done",
					zap.String("coordinate", j.coord.String()),
					zap.String("outcome", string(res.state)),
					zap.Int("inserted", int(res.inserted)),
					zap.String("progress", done.progress()),
					zap.Int("succeeded", done.Succeeded),
					zap.Int("failed", done.Failed),
					zap.Int("skipped", done.Skipped),
				)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
