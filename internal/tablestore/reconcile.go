// Package tablestore evolves destination tables to fit incoming batches and
// appends the records they do not already hold.
package tablestore

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/store"
)

// RowIDColumn is the surrogate key of tables created here.
const RowIDColumn = "_rowid"

// Schema is a table's column set after reconciliation.
type Schema struct {
	Table   string
	Columns []store.Column

	// Added lists columns this call created; Conflicts lists columns another
	// writer added between our read and our ALTER.
	Added     []string
	Conflicts []string

	index map[string]int
}

// Affinity returns the affinity of a column (case-insensitive) and whether
// the table has it.
func (s *Schema) Affinity(column string) (Affinity, bool) {
	i, ok := s.index[strings.ToLower(column)]
	if !ok {
		return AffinityAny, false
	}
	return AffinityOf(s.Columns[i].Type), true
}

// Name returns the stored spelling of a column, or "" when absent.
func (s *Schema) Name(column string) string {
	if i, ok := s.index[strings.ToLower(column)]; ok {
		return s.Columns[i].Name
	}
	return ""
}

func newSchema(table string, cols []store.Column) *Schema {
	s := &Schema{Table: table, Columns: cols, index: make(map[string]int, len(cols))}
	for i, c := range cols {
		s.index[strings.ToLower(c.Name)] = i
	}
	return s
}

// Normalize serializes composite values and maps booleans to 0/1 in place.
// It must run before Reconcile so inference sees storage-shaped values.
func Normalize(b *model.Batch) error {
	for _, row := range b.Rows {
		for i, v := range row {
			n, err := normalize(v)
			if err != nil {
				return eris.Wrapf(err, "column %q", b.Columns[i])
			}
			row[i] = n
		}
	}
	return nil
}

// Reconcile makes sure table exists and has a column for every batch
// column. Missing columns are added with the inferred type, or the type
// from declared when the column is listed there (keys lower-case). Columns
// are never dropped or retyped; names are compared case-insensitively.
// Tables holding the municipality scope column get an index on it.
func Reconcile(ctx context.Context, q store.Querier, table string, b *model.Batch, declared map[string]Affinity) (*Schema, error) {
	if table == "" {
		return nil, eris.New("tablestore: empty table name")
	}
	typeOf := func(i int) Affinity {
		if aff, ok := declared[strings.ToLower(b.Columns[i])]; ok {
			return aff
		}
		return infer(b.Column(i))
	}

	existing, err := store.TableColumns(ctx, q, table)
	if err != nil {
		return nil, err
	}

	var added []string
	if len(existing) == 0 {
		defs := []string{store.QuoteIdent(RowIDColumn) + " INTEGER PRIMARY KEY AUTOINCREMENT"}
		for i, c := range b.Columns {
			defs = append(defs, store.QuoteIdent(c)+" "+string(typeOf(i)))
		}
		_, err := q.ExecContext(ctx,
			`CREATE TABLE IF NOT EXISTS `+store.QuoteIdent(table)+` (`+strings.Join(defs, ", ")+`)`)
		if err != nil {
			return nil, eris.Wrapf(err, "tablestore: create %s", table)
		}
		// Re-read: a concurrent writer may have created it with other columns.
		if existing, err = store.TableColumns(ctx, q, table); err != nil {
			return nil, err
		}
		created := newSchema(table, existing)
		for _, c := range b.Columns {
			if _, ok := created.Affinity(c); ok {
				added = append(added, c)
			}
		}
	}

	schema := newSchema(table, existing)
	var conflicts []string
	changed := false
	for i, c := range b.Columns {
		if _, ok := schema.Affinity(c); ok {
			continue
		}
		ok, err := store.AddColumn(ctx, q, table, c, string(typeOf(i)))
		if err != nil {
			return nil, eris.Wrap(err, "tablestore: reconcile")
		}
		if ok {
			added = append(added, c)
		} else {
			conflicts = append(conflicts, c)
		}
		changed = true
	}
	if changed {
		// Use what the table actually holds, whoever added it.
		cols, err := store.TableColumns(ctx, q, table)
		if err != nil {
			return nil, err
		}
		schema = newSchema(table, cols)
	}
	schema.Added, schema.Conflicts = added, conflicts

	if name := schema.Name(ScopeColumn); name != "" {
		if err := store.EnsureIndex(ctx, q, table, name); err != nil {
			return nil, err
		}
	}
	return schema, nil
}
