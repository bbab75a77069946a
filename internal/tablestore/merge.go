package tablestore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/store"
)

// ScopeColumn scopes key-equality merges to one municipality.
const ScopeColumn = "_municipality_id"

// RowError reports a batch row that was skipped because a value does not
// fit its column.
type RowError struct {
	Row    int
	Column string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d column %q: %v", e.Row, e.Column, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// MergeResult counts what a merge did.
type MergeResult struct {
	Candidates int
	Inserted   int
	Duplicates int
	Rejected   []RowError
}

// Merge appends the rows of b that the table does not already hold. With
// no keys a row is a duplicate when every batch column equals an existing
// row's value (NULL equals NULL); with keys only the key columns and the
// municipality scope are compared. Novelty is judged against rows present
// before the call, so duplicates inside one batch are all kept.
//
// Existing rows are read once into a set keyed on the compared columns,
// limited to the batch's municipality when it has only one.
//
// schema must come from Reconcile for the same batch.
func Merge(ctx context.Context, q store.Querier, schema *Schema, b *model.Batch, keys []string) (MergeResult, error) {
	res := MergeResult{Candidates: b.Len()}
	if b.Len() == 0 {
		return res, nil
	}

	cols := make([]string, len(b.Columns))
	affs := make([]Affinity, len(b.Columns))
	for i, c := range b.Columns {
		name := schema.Name(c)
		if name == "" {
			return res, eris.Errorf("tablestore: column %q missing from %s, reconcile first", c, schema.Table)
		}
		cols[i] = name
		affs[i], _ = schema.Affinity(c)
	}

	match, err := matchColumns(schema, b, keys)
	if err != nil {
		return res, err
	}

	rows := make([][]any, 0, len(b.Rows))
	rowIdx := make([]int, 0, len(b.Rows))
	for r, row := range b.Rows {
		vals, rowErr := bindRow(r, row, cols, affs)
		if rowErr != nil {
			res.Rejected = append(res.Rejected, *rowErr)
			continue
		}
		rows = append(rows, vals)
		rowIdx = append(rowIdx, r)
	}
	if len(rows) == 0 {
		return res, nil
	}

	known, err := existingKeys(ctx, q, schema.Table, cols, affs, match, scopeOf(b, rows))
	if err != nil {
		return res, err
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i], marks[i] = store.QuoteIdent(c), "?"
	}
	insert := `INSERT INTO ` + store.QuoteIdent(schema.Table) +
		` (` + strings.Join(quoted, ", ") + `) VALUES (` + strings.Join(marks, ", ") + `)`

	for i, vals := range rows {
		if _, ok := known[rowKey(vals, affs, match)]; ok {
			res.Duplicates++
			continue
		}
		if _, err := q.ExecContext(ctx, insert, vals...); err != nil {
			return res, eris.Wrapf(err, "tablestore: insert row %d into %s", rowIdx[i], schema.Table)
		}
		res.Inserted++
	}
	return res, nil
}

// scope is an equality filter on one column.
type scope struct {
	column int
	value  any
}

// scopeOf returns the municipality filter shared by every row, or nil when
// the batch has no scope column or spans several municipalities.
func scopeOf(b *model.Batch, rows [][]any) *scope {
	i := b.ColumnIndex(ScopeColumn)
	if i < 0 {
		return nil
	}
	v := rows[0][i]
	if v == nil {
		return nil
	}
	for _, row := range rows[1:] {
		if row[i] != v {
			return nil
		}
	}
	return &scope{column: i, value: v}
}

// existingKeys loads the compared columns of the table's current rows into
// a set.
func existingKeys(ctx context.Context, q store.Querier, table string, cols []string, affs []Affinity, match []int, sc *scope) (map[string]struct{}, error) {
	sel := make([]string, len(match))
	for i, idx := range match {
		sel[i] = store.QuoteIdent(cols[idx])
	}
	query := `SELECT ` + strings.Join(sel, ", ") + ` FROM ` + store.QuoteIdent(table)
	var args []any
	if sc != nil {
		query += ` WHERE ` + store.QuoteIdent(cols[sc.column]) + ` = ?`
		args = append(args, sc.value)
	}
	if len(match) == 0 {
		query = `SELECT 1 FROM ` + store.QuoteIdent(table) + ` LIMIT 1`
		args = nil
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "tablestore: load existing rows of %s", table)
	}
	defer rows.Close() //nolint:errcheck

	known := make(map[string]struct{})
	vals := make([]any, len(cols))
	dest := make([]any, len(match))
	ptrs := make([]any, len(match))
	for i := range ptrs {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if len(match) == 0 {
			known[""] = struct{}{}
			continue
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "tablestore: scan existing row of %s", table)
		}
		for i, idx := range match {
			vals[idx] = dest[i]
		}
		known[rowKey(vals, affs, match)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "tablestore: read existing rows of %s", table)
	}
	return known, nil
}

// rowKey encodes the compared values of a row so that values SQLite
// considers equal under the column's affinity share a key.
func rowKey(vals []any, affs []Affinity, match []int) string {
	var sb strings.Builder
	for _, idx := range match {
		part := keyPart(vals[idx], affs[idx])
		sb.WriteString(strconv.Itoa(len(part)))
		sb.WriteByte(':')
		sb.WriteString(part)
	}
	return sb.String()
}

func keyPart(v any, aff Affinity) string {
	switch x := v.(type) {
	case nil:
		return "N"
	case int64:
		return "I" + strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
			return "I" + strconv.FormatInt(int64(x), 10)
		}
		return "R" + strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		return keyPart(string(x), aff)
	case string:
		if aff == AffinityAny {
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return keyPart(n, aff)
			}
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return keyPart(f, aff)
			}
		}
		return "T" + x
	default:
		return fmt.Sprintf("?%v", x)
	}
}

// matchColumns returns the batch column indexes compared for novelty.
func matchColumns(schema *Schema, b *model.Batch, keys []string) ([]int, error) {
	if len(keys) == 0 {
		idx := make([]int, len(b.Columns))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	var idx []int
	seen := map[int]bool{}
	for _, k := range append(append([]string{}, keys...), ScopeColumn) {
		i := b.ColumnIndex(k)
		if i < 0 {
			if strings.EqualFold(k, ScopeColumn) {
				continue
			}
			return nil, eris.Errorf("tablestore: key column %q not in batch for %s", k, schema.Table)
		}
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	return idx, nil
}

func bindRow(r int, row []any, cols []string, affs []Affinity) ([]any, *RowError) {
	vals := make([]any, len(row))
	for i, v := range row {
		sv, err := storageValue(v, affs[i])
		if err != nil {
			return nil, &RowError{Row: r, Column: cols[i], Err: err}
		}
		vals[i] = sv
	}
	return vals, nil
}
