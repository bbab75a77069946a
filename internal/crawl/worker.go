package crawl

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portal-sync/internal/fetcher"
	"github.com/sells-group/portal-sync/internal/ledger"
	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/request"
	"github.com/sells-group/portal-sync/internal/resilience"
	"github.com/sells-group/portal-sync/internal/runlog"
	"github.com/sells-group/portal-sync/internal/tablestore"
)

// Fixed columns identify where a row came from. The leading underscore
// keeps them apart from payload fields such as "year" or "city".
const (
	ColMunicipalityID = tablestore.ScopeColumn
	ColMunicipality   = "_municipality"
	ColCity           = "_city"
	ColUnitID         = "_unit_id"
	ColYear           = "_year"
	ColPeriod         = "_period"
)

var fixedTypes = map[string]tablestore.Affinity{
	ColMunicipalityID: tablestore.AffinityText,
	ColMunicipality:   tablestore.AffinityText,
	ColCity:           tablestore.AffinityText,
	ColUnitID:         tablestore.AffinityInteger,
	ColYear:           tablestore.AffinityInteger,
	ColPeriod:         tablestore.AffinityInteger,
}

type worker struct {
	engine *Engine
	conn   *sql.Conn
	ledger *ledger.Ledger
	sink   runlog.Sink
	force  bool
	log    *zap.Logger
}

// result is the outcome of one job.
type result struct {
	state    model.State
	inserted int64
	rejected int64
}

// pageResult is the outcome of one request.
type pageResult struct {
	state    model.State
	inserted int64
	rejected int64
	nextPage int
}

// process runs one job. Paginated coordinates walk their pages until the
// portal reports no next page. The error is non-nil only when the context
// is done.
func (w *worker) process(ctx context.Context, j job) (result, error) {
	p := w.engine.profile
	if j.url != "" {
		pr, err := w.request(ctx, j.coord, j.url)
		return result{state: pr.state, inserted: pr.inserted, rejected: pr.rejected}, err
	}
	if !p.Paginated {
		pr, err := w.request(ctx, j.coord, request.Build(j.coord, p))
		return result{state: pr.state, inserted: pr.inserted, rejected: pr.rejected}, err
	}

	res := result{state: model.StateSkipped}
	for page := 1; ; {
		c := j.coord.WithPage(page)
		pr, err := w.request(ctx, c, request.Build(c, p))
		if err != nil {
			return res, err
		}
		res.inserted += pr.inserted
		res.rejected += pr.rejected
		res.state = mergeState(res.state, pr.state, page == 1)
		if pr.state == model.StateFailed || pr.state == model.StateEmpty || pr.nextPage <= page {
			return res, nil
		}
		page = pr.nextPage
	}
}

// mergeState folds a page outcome into the coordinate outcome: any failure
// fails the coordinate, an empty first page makes it empty, and it counts
// as skipped only when every page was.
func mergeState(acc, page model.State, first bool) model.State {
	switch {
	case page == model.StateFailed:
		return model.StateFailed
	case page == model.StateEmpty && first:
		return model.StateEmpty
	case page == model.StateSkipped:
		return acc
	case acc == model.StateFailed:
		return acc
	default:
		return model.StateSucceeded
	}
}

// request handles a single URL: skip check, fetch, store, ledger.
func (w *worker) request(ctx context.Context, c model.Coordinate, url string) (pageResult, error) {
	if !w.force {
		if ok, next := w.succeeded(ctx, url); ok {
			w.observe(c, model.StateSkipped)
			return pageResult{state: model.StateSkipped, nextPage: next}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return pageResult{}, err
	}

	e := w.engine
	start := time.Now()
	page, err := e.fetcher.Fetch(ctx, url, e.profile)
	if err != nil && ctx.Err() != nil {
		return pageResult{}, ctx.Err()
	}
	label, size := "ok", 0
	if err != nil {
		label = resilience.LabelOf(err)
	} else {
		size = page.Bytes
	}
	e.opts.Metrics.ObserveFetch(e.catalog.Vendor.String(), label, size, time.Since(start))

	if !resilience.Sleep(ctx, e.opts.Delay) {
		return pageResult{}, ctx.Err()
	}

	if err != nil {
		if resilience.KindOf(err) == resilience.KindEmpty {
			return w.empty(ctx, c, url), nil
		}
		return w.fail(ctx, c, url, err), nil
	}
	b, err := page.Payload.Batch()
	if err != nil {
		return w.fail(ctx, c, url, err), nil
	}
	if b.Len() == 0 {
		return w.empty(ctx, c, url), nil
	}
	return w.store(ctx, c, url, page, b)
}

// succeeded reports whether the ledger already holds a success for url, and
// the stored next-page cursor for paginated vendors.
func (w *worker) succeeded(ctx context.Context, url string) (bool, int) {
	if !w.engine.profile.Paginated {
		ok, err := w.ledger.HasSucceeded(ctx, url)
		if err != nil {
			w.log.Warn("ledger lookup failed, fetching anyway", zap.String("url", url), zap.Error(err))
			return false, 0
		}
		return ok, 0
	}
	entry, err := w.ledger.Get(ctx, url)
	if err != nil {
		w.log.Warn("ledger lookup failed, fetching anyway", zap.String("url", url), zap.Error(err))
		return false, 0
	}
	if entry == nil || entry.Outcome != model.OutcomeSucceeded {
		return false, 0
	}
	return true, entry.NextPage
}

// store writes a batch and its ledger entry in one transaction. A failed
// transaction is rolled back and recorded as a failure.
func (w *worker) store(ctx context.Context, c model.Coordinate, url string, page *fetcher.Page, b *model.Batch) (pageResult, error) {
	addFixedColumns(b, c)
	res, err := w.commit(ctx, c, url, page, b)
	if err != nil {
		if ctx.Err() != nil {
			return pageResult{}, ctx.Err()
		}
		return w.fail(ctx, c, url, err), nil
	}

	if n := len(res.Rejected); n > 0 {
		w.log.Warn("rows rejected",
			zap.String("url", url),
			zap.Int("rejected", n),
			zap.Error(&res.Rejected[0]),
		)
	}
	vendor := w.engine.catalog.Vendor.String()
	w.engine.opts.Metrics.ObserveRows(vendor, c.Subject.Table(), res.Inserted, len(res.Rejected))
	w.observe(c, model.StateSucceeded)
	return pageResult{
		state:    model.StateSucceeded,
		inserted: int64(res.Inserted),
		rejected: int64(len(res.Rejected)),
		nextPage: page.NextPage,
	}, nil
}

func (w *worker) commit(ctx context.Context, c model.Coordinate, url string, page *fetcher.Page, b *model.Batch) (tablestore.MergeResult, error) {
	var res tablestore.MergeResult
	if err := tablestore.Normalize(b); err != nil {
		return res, resilience.NewError(resilience.KindShape, err)
	}

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, resilience.NewError(resilience.KindStore, eris.Wrap(err, "begin"))
	}
	defer func() { _ = tx.Rollback() }()

	table := c.Subject.Table()
	schema, err := tablestore.Reconcile(ctx, tx, table, b, fixedTypes)
	if err != nil {
		return res, resilience.NewError(resilience.KindStore, err)
	}
	if len(schema.Added) > 0 {
		w.log.Info("columns added", zap.String("table", table), zap.Strings("columns", schema.Added))
	}
	if len(schema.Conflicts) > 0 {
		w.log.Debug("columns added concurrently", zap.String("table", table), zap.Strings("columns", schema.Conflicts))
	}
	if missing := missingColumns(schema, b); len(missing) > 0 {
		return res, resilience.NewError(resilience.KindSchemaConflict,
			eris.Errorf("table %s still lacks columns %v", table, missing))
	}

	res, err = tablestore.Merge(ctx, tx, schema, b, c.Subject.Keys)
	if err != nil {
		return res, resilience.NewError(resilience.KindStore, err)
	}

	entry := ledger.EntryFor(url, c)
	entry.Outcome = model.OutcomeSucceeded
	entry.RowsInserted = int64(res.Inserted)
	entry.RowsRejected = int64(len(res.Rejected))
	entry.NextPage = page.NextPage
	entry.TotalPages = page.TotalPages
	if err := w.ledger.With(tx).Record(ctx, entry); err != nil {
		return res, resilience.NewError(resilience.KindStore, err)
	}
	if err := tx.Commit(); err != nil {
		return res, resilience.NewError(resilience.KindStore, eris.Wrap(err, "commit"))
	}
	return res, nil
}

// fail records a failed request in the ledger and the error sink.
func (w *worker) fail(ctx context.Context, c model.Coordinate, url string, cause error) pageResult {
	label := resilience.LabelOf(cause)
	w.log.Warn("request failed",
		zap.String("coordinate", c.String()),
		zap.String("url", url),
		zap.String("kind", label),
		zap.Error(cause),
	)

	entry := ledger.EntryFor(url, c)
	entry.Outcome = model.OutcomeFailed
	entry.ErrorKind = label
	entry.Error = cause.Error()
	if err := w.ledger.Record(ctx, entry); err != nil {
		w.log.Error("failed to record failure in ledger", zap.String("url", url), zap.Error(err))
	}
	line := runlog.Line{Time: w.engine.opts.Now(), URL: url, Kind: label, Message: cause.Error()}
	if err := w.sink.Append(line); err != nil {
		w.log.Error("failed to append error log", zap.String("url", url), zap.Error(err))
	}
	w.observe(c, model.StateFailed)
	return pageResult{state: model.StateFailed}
}

// empty records a response without records. It is not a success, so the
// next run asks again, but it is not an error either.
func (w *worker) empty(ctx context.Context, c model.Coordinate, url string) pageResult {
	w.log.Debug("empty response", zap.String("coordinate", c.String()), zap.String("url", url))
	entry := ledger.EntryFor(url, c)
	entry.Outcome = model.OutcomeEmpty
	entry.ErrorKind = string(resilience.KindEmpty)
	if err := w.ledger.Record(ctx, entry); err != nil {
		w.log.Error("failed to record empty response in ledger", zap.String("url", url), zap.Error(err))
	}
	w.observe(c, model.StateEmpty)
	return pageResult{state: model.StateEmpty}
}

func (w *worker) observe(c model.Coordinate, s model.State) {
	w.engine.opts.Metrics.ObserveCoordinate(w.engine.catalog.Vendor.String(), c.Subject.Table(), string(s))
}

// addFixedColumns stamps every row with the coordinate it came from.
// Payload fields are left untouched.
func addFixedColumns(b *model.Batch, c model.Coordinate) {
	m := c.Municipality
	b.Set(ColMunicipalityID, m.ID)
	b.Set(ColMunicipality, m.Name)
	b.Set(ColCity, m.City)
	b.Set(ColUnitID, optionalInt64(m.UnitID))
	b.Set(ColYear, optionalInt(c.Year))
	b.Set(ColPeriod, optionalInt(c.Period))
}

func missingColumns(s *tablestore.Schema, b *model.Batch) []string {
	var out []string
	for _, c := range b.Columns {
		if _, ok := s.Affinity(c); !ok {
			out = append(out, c)
		}
	}
	return out
}

func optionalInt(n int) any {
	if n == 0 {
		return nil
	}
	return int64(n)
}

func optionalInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
