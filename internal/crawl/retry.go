package crawl

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portal-sync/internal/ledger"
	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/request"
	"github.com/sells-group/portal-sync/internal/runlog"
)

// RetrySource names where a retry pass finds its failures.
type RetrySource string

const (
	FromErrorLog RetrySource = "errorlog"
	FromLedger   RetrySource = "ledger"
)

// RetryPlan configures a retry pass.
type RetryPlan struct {
	Source RetrySource
}

// Retry re-drives exactly the failed requests, ignoring the ledger's skip
// check. With the error log as source, the log is replaced by the residual
// failures once the pass completes; lines that cannot be resolved to a
// coordinate are carried over unchanged.
func (e *Engine) Retry(ctx context.Context, plan RetryPlan) (Summary, error) {
	led := ledger.New(e.db.DB())
	if err := led.Migrate(ctx); err != nil {
		return Summary{}, eris.Wrap(err, "crawl: prepare ledger")
	}
	switch plan.Source {
	case "", FromErrorLog:
		return e.retryErrorLog(ctx, led)
	case FromLedger:
		return e.retryLedger(ctx, led)
	default:
		return Summary{}, eris.Errorf("crawl: unknown retry source %q", plan.Source)
	}
}

func (e *Engine) retryErrorLog(ctx context.Context, led *ledger.Ledger) (Summary, error) {
	lines, err := e.errLog.Read()
	if err != nil {
		return Summary{}, err
	}
	if len(lines) == 0 {
		e.log.Info("error log is empty, nothing to retry", zap.String("path", e.errLog.Path()))
		return Summary{}, nil
	}

	rw, err := e.errLog.BeginRewrite()
	if err != nil {
		return Summary{}, err
	}

	var jobs []job
	seen := map[string]bool{}
	carried := 0
	for _, l := range lines {
		if l.Raw == "" && seen[l.URL] {
			continue
		}
		c, ok := e.resolve(ctx, led, l)
		if !ok {
			if err := rw.Append(l); err != nil {
				_ = rw.Abort()
				return Summary{}, err
			}
			carried++
			continue
		}
		seen[l.URL] = true
		jobs = append(jobs, job{coord: c, url: l.URL})
	}
	e.log.Info("retrying from error log",
		zap.Int("lines", len(lines)),
		zap.Int("requests", len(jobs)),
		zap.Int("unresolved", carried),
	)

	sum, err := e.execute(ctx, model.RunModeRetry, slices.Values(jobs), len(jobs), true, rw)
	if err != nil {
		if aErr := rw.Abort(); aErr != nil {
			e.log.Warn("failed to discard partial error log", zap.Error(aErr))
		}
		return sum, err
	}
	return sum, rw.Commit()
}

func (e *Engine) retryLedger(ctx context.Context, led *ledger.Ledger) (Summary, error) {
	entries, err := led.ListFailed(ctx)
	if err != nil {
		return Summary{}, err
	}
	var jobs []job
	for _, en := range entries {
		c, ok := e.coordinateFor(en)
		if !ok {
			e.log.Warn("failed ledger entry outside the catalog, skipping",
				zap.String("url", en.URL),
				zap.String("municipality_id", en.MunicipalityID),
				zap.String("subject", en.Subject),
			)
			continue
		}
		jobs = append(jobs, job{coord: c, url: en.URL})
	}
	e.log.Info("retrying from ledger", zap.Int("failed", len(entries)), zap.Int("requests", len(jobs)))
	return e.execute(ctx, model.RunModeRetry, slices.Values(jobs), len(jobs), true, e.errLog)
}

// resolve finds the coordinate of an error log line: from the ledger's
// structured columns when it has them, else by parsing the URL.
func (e *Engine) resolve(ctx context.Context, led *ledger.Ledger, l runlog.Line) (model.Coordinate, bool) {
	if l.Raw != "" {
		return model.Coordinate{}, false
	}
	entry, err := led.Get(ctx, l.URL)
	if err != nil {
		e.log.Warn("ledger lookup failed", zap.String("url", l.URL), zap.Error(err))
	}
	if entry != nil && entry.MunicipalityID != "" {
		if c, ok := e.coordinateFor(*entry); ok {
			return c, true
		}
	}
	c, err := request.Parse(l.URL, e.catalog.Municipalities, e.catalog.Subjects, e.profile)
	if err != nil {
		e.log.Warn("cannot resolve error log line, keeping it", zap.String("url", l.URL), zap.Error(err))
		return model.Coordinate{}, false
	}
	return c, true
}

func (e *Engine) coordinateFor(en ledger.Entry) (model.Coordinate, bool) {
	m, ok := e.catalog.Municipality(en.MunicipalityID)
	if !ok {
		return model.Coordinate{}, false
	}
	s, ok := e.catalog.Subject(en.Subject)
	if !ok {
		return model.Coordinate{}, false
	}
	return model.Coordinate{Municipality: m, Subject: s, Year: en.Year, Period: en.Period, Page: en.Page}, true
}
