package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// QuoteIdent quotes a table or column name for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsDuplicateColumn reports whether err is SQLite refusing an ADD COLUMN
// because another writer added the column first.
func IsDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// Column is one entry of PRAGMA table_info.
type Column struct {
	Name string
	Type string
}

// TableColumns lists the columns of a table in declaration order. A missing
// table yields no columns and no error.
func TableColumns(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan table info %s", table)
		}
		cols = append(cols, c)
	}
	return cols, eris.Wrapf(rows.Err(), "sqlite: iterate table info %s", table)
}

// AddColumn runs ALTER TABLE ... ADD COLUMN. added is false when the column
// already existed because a concurrent writer won the race.
func AddColumn(ctx context.Context, q Querier, table, column, typ string) (added bool, err error) {
	_, err = q.ExecContext(ctx,
		`ALTER TABLE `+QuoteIdent(table)+` ADD COLUMN `+QuoteIdent(column)+` `+typ)
	if IsDuplicateColumn(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: add column %s.%s", table, column)
	}
	return true, nil
}

// EnsureIndex creates a single-column index named <table>_<column>_idx if
// it does not exist yet.
func EnsureIndex(ctx context.Context, q Querier, table, column string) error {
	_, err := q.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS `+QuoteIdent(table+"_"+column+"_idx")+` ON `+QuoteIdent(table)+` (`+QuoteIdent(column)+`)`)
	return eris.Wrapf(err, "sqlite: index %s.%s", table, column)
}
