// Package ledger records the outcome of every portal request so later runs
// can skip what already succeeded and retry exactly what failed.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/store"
)

// Table is the ledger table name.
const Table = "read_ledger"

// Entry is one row of the ledger, keyed by URL.
type Entry struct {
	URL            string        `json:"url"`
	MunicipalityID string        `json:"municipality_id"`
	Subject        string        `json:"subject"`
	Year           int           `json:"year,omitempty"`
	Period         int           `json:"period,omitempty"`
	Page           int           `json:"page,omitempty"`
	Outcome        model.Outcome `json:"outcome"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	RowsInserted   int64         `json:"rows_inserted"`
	RowsRejected   int64         `json:"rows_rejected,omitempty"`
	NextPage       int           `json:"next_page,omitempty"`
	TotalPages     int           `json:"total_pages,omitempty"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastUpdated    time.Time     `json:"last_updated"`
}

// EntryFor fills the structured coordinate columns of an entry.
func EntryFor(url string, c model.Coordinate) Entry {
	return Entry{
		URL:            url,
		MunicipalityID: c.Municipality.ID,
		Subject:        c.Subject.Name,
		Year:           c.Year,
		Period:         c.Period,
		Page:           c.Page,
	}
}

// Ledger reads and writes the ledger table through a Querier.
type Ledger struct {
	q   store.Querier
	now func() time.Time
}

// New creates a Ledger over q.
func New(q store.Querier) *Ledger {
	return &Ledger{q: q, now: time.Now}
}

// With returns a Ledger that writes through q, typically a transaction.
func (l *Ledger) With(q store.Querier) *Ledger {
	return &Ledger{q: q, now: l.now}
}

const migration = `
CREATE TABLE IF NOT EXISTS read_ledger (
	url             TEXT PRIMARY KEY,
	municipality_id TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	year            INTEGER,
	period          INTEGER,
	page            INTEGER,
	outcome         TEXT NOT NULL,
	error_kind      TEXT,
	error           TEXT,
	rows_inserted   INTEGER NOT NULL DEFAULT 0,
	first_seen      TEXT NOT NULL,
	last_updated    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_read_ledger_outcome ON read_ledger(outcome);
CREATE INDEX IF NOT EXISTS idx_read_ledger_subject ON read_ledger(subject);
`

// addedColumns were added after the first ledger files were written.
var addedColumns = []store.Column{
	{Name: "next_page", Type: "INTEGER"},
	{Name: "total_pages", Type: "INTEGER"},
	{Name: "rows_rejected", Type: "INTEGER NOT NULL DEFAULT 0"},
}

// Migrate creates the ledger table and brings older ledgers up to date.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.q.ExecContext(ctx, migration); err != nil {
		return eris.Wrap(err, "ledger: migrate")
	}
	return l.EnsureColumns(ctx, addedColumns)
}

// EnsureColumns adds any of cols missing from the ledger. Concurrent adds of
// the same column are tolerated.
func (l *Ledger) EnsureColumns(ctx context.Context, cols []store.Column) error {
	existing, err := store.TableColumns(ctx, l.q, Table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c.Name)] = true
	}
	for _, c := range cols {
		if have[strings.ToLower(c.Name)] {
			continue
		}
		if _, err := store.AddColumn(ctx, l.q, Table, c.Name, c.Type); err != nil {
			return eris.Wrap(err, "ledger: ensure columns")
		}
	}
	return nil
}

// Record upserts an entry. first_seen is kept from the first write;
// last_updated is refreshed on every write.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.URL == "" {
		return eris.New("ledger: entry without url")
	}
	if e.Outcome == "" {
		return eris.Errorf("ledger: entry %s without outcome", e.URL)
	}
	now := formatTime(l.now())
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO read_ledger (url, municipality_id, subject, year, period, page, outcome,
			error_kind, error, rows_inserted, rows_rejected, next_page, total_pages, first_seen, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			municipality_id = excluded.municipality_id,
			subject         = excluded.subject,
			year            = excluded.year,
			period          = excluded.period,
			page            = excluded.page,
			outcome         = excluded.outcome,
			error_kind      = excluded.error_kind,
			error           = excluded.error,
			rows_inserted   = excluded.rows_inserted,
			rows_rejected   = excluded.rows_rejected,
			next_page       = excluded.next_page,
			total_pages     = excluded.total_pages,
			last_updated    = excluded.last_updated`,
		e.URL, e.MunicipalityID, e.Subject, nullInt(e.Year), nullInt(e.Period), nullInt(e.Page),
		string(e.Outcome), nullText(e.ErrorKind), nullText(e.Error), e.RowsInserted, e.RowsRejected,
		nullInt(e.NextPage), nullInt(e.TotalPages), now, now,
	)
	return eris.Wrapf(err, "ledger: record %s", e.URL)
}

// Get returns the entry for url, or nil when the URL was never recorded.
func (l *Ledger) Get(ctx context.Context, url string) (*Entry, error) {
	row := l.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM read_ledger WHERE url = ?`, url)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get %s", url)
	}
	return e, nil
}

// HasSucceeded reports whether url was last recorded as succeeded.
func (l *Ledger) HasSucceeded(ctx context.Context, url string) (bool, error) {
	var n int
	err := l.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM read_ledger WHERE url = ? AND outcome = ?`,
		url, string(model.OutcomeSucceeded),
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: lookup %s", url)
	}
	return n > 0, nil
}

// ListFailed returns every entry whose last outcome is failed, oldest first.
func (l *Ledger) ListFailed(ctx context.Context) ([]Entry, error) {
	rows, err := l.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM read_ledger WHERE outcome = ? ORDER BY last_updated, url`,
		string(model.OutcomeFailed))
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list failed")
	}
	defer rows.Close() //nolint:errcheck

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: scan failed entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "ledger: iterate failed")
}

// SubjectSummary aggregates the ledger per subject for the status command.
type SubjectSummary struct {
	Subject      string
	Succeeded    int
	Failed       int
	Empty        int
	RowsInserted int64
	RowsRejected int64
	Lossy        int // entries that rejected at least one row
	LastUpdated  time.Time
}

// Summary aggregates outcomes per subject, ordered by subject name.
func (l *Ledger) Summary(ctx context.Context) ([]SubjectSummary, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT subject,
			SUM(CASE WHEN outcome = 'succeeded' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'empty' THEN 1 ELSE 0 END),
			COALESCE(SUM(rows_inserted), 0),
			COALESCE(SUM(rows_rejected), 0),
			SUM(CASE WHEN rows_rejected > 0 THEN 1 ELSE 0 END),
			MAX(last_updated)
		FROM read_ledger
		GROUP BY subject
		ORDER BY subject`)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: summary")
	}
	defer rows.Close() //nolint:errcheck

	var out []SubjectSummary
	for rows.Next() {
		var (
			s    SubjectSummary
			last string
		)
		if err := rows.Scan(&s.Subject, &s.Succeeded, &s.Failed, &s.Empty, &s.RowsInserted, &s.RowsRejected, &s.Lossy, &last); err != nil {
			return nil, eris.Wrap(err, "ledger: scan summary")
		}
		s.LastUpdated = parseTime(last)
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "ledger: iterate summary")
}

const entryColumns = `url, municipality_id, subject, year, period, page, outcome, error_kind, error,
	rows_inserted, rows_rejected, next_page, total_pages, first_seen, last_updated`

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var (
		e                             Entry
		outcome, firstSeen, lastUpd   string
		year, period, page, next, tot sql.NullInt64
		kind, msg                     sql.NullString
	)
	err := row.Scan(&e.URL, &e.MunicipalityID, &e.Subject, &year, &period, &page, &outcome,
		&kind, &msg, &e.RowsInserted, &e.RowsRejected, &next, &tot, &firstSeen, &lastUpd)
	if err != nil {
		return nil, err
	}
	e.Year, e.Period, e.Page = int(year.Int64), int(period.Int64), int(page.Int64)
	e.NextPage, e.TotalPages = int(next.Int64), int(tot.Int64)
	e.Outcome = model.Outcome(outcome)
	e.ErrorKind, e.Error = kind.String, msg.String
	e.FirstSeen, e.LastUpdated = parseTime(firstSeen), parseTime(lastUpd)
	return &e, nil
}

// timeLayout is fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
