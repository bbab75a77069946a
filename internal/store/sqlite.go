package store

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/portal-sync/internal/model"
)

// SQLite wraps the database/sql handle of one vendor database.
type SQLite struct {
	db   *sql.DB
	path string
}

// Path returns the database file location.
func (s *SQLite) Path() string { return s.path }

// DB returns the shared pool.
func (s *SQLite) DB() *sql.DB { return s.db }

// DSN builds a modernc.org/sqlite connection string. Pragmas are set per
// connection so every pooled connection waits on locks and uses WAL, and
// transactions take the write lock up front.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "sqlite: ping %s", path)
	}
	return &SQLite{db: db, path: path}, nil
}

// Conn reserves a dedicated connection, used by one crawl worker for its
// whole lifetime.
func (s *SQLite) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reserve connection")
	}
	return conn, nil
}

const runsMigration = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id            TEXT PRIMARY KEY,
	vendor        TEXT NOT NULL,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	attempted     INTEGER NOT NULL DEFAULT 0,
	succeeded     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	empty         INTEGER NOT NULL DEFAULT 0,
	rows_inserted INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_crawl_runs_started_at ON crawl_runs(started_at);
`

// Migrate creates the run history table.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, runsMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run and returns it with a fresh ID.
func (s *SQLite) CreateRun(ctx context.Context, vendor model.Vendor, mode model.RunMode) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Vendor:    vendor,
		Mode:      mode,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_runs (id, vendor, mode, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(vendor), string(mode), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

// FinishRun stores the final counts and status of a run.
func (s *SQLite) FinishRun(ctx context.Context, run *model.Run) error {
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_runs SET status = ?, attempted = ?, succeeded = ?, failed = ?, skipped = ?,
			empty = ?, rows_inserted = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), run.Attempted, run.Succeeded, run.Failed, run.Skipped,
		run.Empty, run.RowsInserted, nullString(run.Error), finished, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

// GetRun loads a run by ID.
func (s *SQLite) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", id)
	}
	return run, err
}

// ListRuns returns runs newest first.
func (s *SQLite) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM crawl_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

const runColumns = `id, vendor, mode, status, attempted, succeeded, failed, skipped, empty,
	rows_inserted, error, started_at, finished_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var (
		run      model.Run
		vendor   string
		mode     string
		status   string
		errText  sql.NullString
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &vendor, &mode, &status, &run.Attempted, &run.Succeeded, &run.Failed,
		&run.Skipped, &run.Empty, &run.RowsInserted, &errText, &run.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	run.Vendor = model.Vendor(vendor)
	run.Mode = model.RunMode(mode)
	run.Status = model.RunStatus(status)
	run.Error = errText.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
