package tablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portal-sync/internal/model"
	"github.com/sells-group/portal-sync/internal/store"
)

func newTestDB(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	return st
}

func batch(cols []string, rows ...[]any) *model.Batch {
	return &model.Batch{Columns: cols, Rows: rows}
}

func n(s string) json.Number { return json.Number(s) }

func write(t *testing.T, q store.Querier, table string, b *model.Batch, keys ...string) MergeResult {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, Normalize(b))
	schema, err := Reconcile(ctx, q, table, b, nil)
	require.NoError(t, err)
	res, err := Merge(ctx, q, schema, b, keys)
	require.NoError(t, err)
	return res
}

func columns(t *testing.T, q store.Querier, table string) map[string]string {
	t.Helper()
	cols, err := store.TableColumns(context.Background(), q, table)
	require.NoError(t, err)
	out := make(map[string]string, len(cols))
	for _, c := range cols {
		out[c.Name] = c.Type
	}
	return out
}

func count(t *testing.T, q store.Querier, table string) int {
	t.Helper()
	var c int
	require.NoError(t, q.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM `+store.QuoteIdent(table)).Scan(&c))
	return c
}

func TestReconcile_CreatesWithInferredTypes(t *testing.T) {
	st := newTestDB(t)
	b := batch([]string{"id", "valor", "nome", "vazio", "itens", "ativo"},
		[]any{n("1"), n("10.5"), "a", nil, []any{n("1"), "x"}, true},
		[]any{n("2"), n("3"), "b", nil, map[string]any{"k": "v"}, false},
	)
	require.NoError(t, Normalize(b))

	schema, err := Reconcile(context.Background(), st.DB(), "contratos", b, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, b.Columns, schema.Added)

	assert.Equal(t, map[string]string{
		RowIDColumn: "INTEGER",
		"id":        "INTEGER",
		"valor":     "REAL",
		"nome":      "TEXT",
		"vazio":     "TEXT",
		"itens":     "TEXT",
		"ativo":     "INTEGER",
	}, columns(t, st.DB(), "contratos"))
	assert.Equal(t, `[1,"x"]`, b.Rows[0][4])
	assert.Equal(t, int64(1), b.Rows[0][5])
}

func TestReconcile_SchemaGrows(t *testing.T) {
	st := newTestDB(t)

	res := write(t, st.DB(), "t", batch([]string{"id", "value"}, []any{n("1"), "a"}))
	assert.Equal(t, 1, res.Inserted)

	res = write(t, st.DB(), "t", batch([]string{"id", "value", "note"}, []any{n("2"), "b", "x"}))
	assert.Equal(t, 1, res.Inserted)

	cols := columns(t, st.DB(), "t")
	assert.Contains(t, cols, "note")
	assert.Len(t, cols, 4)

	var note *string
	require.NoError(t, st.DB().QueryRow(`SELECT note FROM t WHERE id = 1`).Scan(&note))
	assert.Nil(t, note, "earlier rows read NULL for new columns")
	assert.Equal(t, 2, count(t, st.DB(), "t"))
}

func TestReconcile_CaseInsensitiveAndNeverDrops(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	write(t, st.DB(), "t", batch([]string{"id", "value", "extra"}, []any{n("1"), "a", "e"}))

	b := batch([]string{"ID", "Value"}, []any{n("2"), "b"})
	schema, err := Reconcile(ctx, st.DB(), "t", b, nil)
	require.NoError(t, err)
	assert.Empty(t, schema.Added)
	assert.Equal(t, "value", schema.Name("Value"))

	cols := columns(t, st.DB(), "t")
	assert.Len(t, cols, 4)
	assert.Contains(t, cols, "extra")
}

func TestReconcile_TypesNeverChange(t *testing.T) {
	st := newTestDB(t)
	write(t, st.DB(), "t", batch([]string{"code"}, []any{n("7")}))

	res := write(t, st.DB(), "t", batch([]string{"code"}, []any{"ABC"}))
	assert.Equal(t, "INTEGER", columns(t, st.DB(), "t")["code"])
	assert.Zero(t, res.Inserted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "code", res.Rejected[0].Column)
}

func TestReconcile_DeclaredTypes(t *testing.T) {
	st := newTestDB(t)
	b := batch([]string{"unit_id", "year"}, []any{nil, 2023})

	_, err := Reconcile(context.Background(), st.DB(), "t", b, map[string]Affinity{"unit_id": AffinityInteger})
	require.NoError(t, err)
	cols := columns(t, st.DB(), "t")
	assert.Equal(t, "INTEGER", cols["unit_id"])
	assert.Equal(t, "INTEGER", cols["year"])
}

func TestReconcile_ConcurrentAddIsConflict(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()
	write(t, st.DB(), "t", batch([]string{"id"}, []any{n("1")}))

	// Simulate another worker adding the column between our read and ALTER.
	added, err := store.AddColumn(ctx, st.DB(), "t", "late", "TEXT")
	require.NoError(t, err)
	require.True(t, added)

	added, err = store.AddColumn(ctx, st.DB(), "t", "late", "TEXT")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestMerge_NoDuplicatesOnRerun(t *testing.T) {
	st := newTestDB(t)
	rows := func() *model.Batch {
		return batch([]string{"id", "value"},
			[]any{n("1"), "a"},
			[]any{n("2"), nil},
		)
	}

	first := write(t, st.DB(), "t", rows())
	assert.Equal(t, 2, first.Inserted)

	second := write(t, st.DB(), "t", rows())
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Duplicates, "NULL compares equal to NULL")
	assert.Equal(t, 2, count(t, st.DB(), "t"))
}

func TestMerge_IntraBatchDuplicatesKept(t *testing.T) {
	st := newTestDB(t)
	res := write(t, st.DB(), "t", batch([]string{"id"}, []any{n("1")}, []any{n("1")}))
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, count(t, st.DB(), "t"))
}

func TestMerge_PartialOverlap(t *testing.T) {
	st := newTestDB(t)
	write(t, st.DB(), "t", batch([]string{"id", "value"}, []any{n("1"), "a"}))

	res := write(t, st.DB(), "t", batch([]string{"id", "value", "note"},
		[]any{n("1"), "a", nil},
		[]any{n("1"), "a", "changed"},
		[]any{n("3"), "c", nil},
	))
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Inserted)
}

func TestMerge_KeyEquality(t *testing.T) {
	st := newTestDB(t)
	write(t, st.DB(), "t",
		batch([]string{"numero", "valor", ScopeColumn}, []any{"C-1", n("10"), "vix"}), "numero")

	res := write(t, st.DB(), "t", batch([]string{"numero", "valor", ScopeColumn},
		[]any{"C-1", n("99"), "vix"},
		[]any{"C-1", n("10"), "cariacica"},
	), "numero")
	assert.Equal(t, 1, res.Duplicates, "same key in the same municipality")
	assert.Equal(t, 1, res.Inserted, "same key elsewhere is new")
}

func TestMerge_MissingKeyColumn(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()
	b := batch([]string{"valor"}, []any{n("1")})
	schema, err := Reconcile(ctx, st.DB(), "t", b, nil)
	require.NoError(t, err)

	_, err = Merge(ctx, st.DB(), schema, b, []string{"numero"})
	assert.Error(t, err)
}

func TestMerge_TypeMismatchRejectsRow(t *testing.T) {
	st := newTestDB(t)
	write(t, st.DB(), "t", batch([]string{"qtd", "preco"}, []any{n("1"), n("2.5")}))

	res := write(t, st.DB(), "t", batch([]string{"qtd", "preco"},
		[]any{n("1.5"), n("3")},
		[]any{n("2"), "abc"},
		[]any{n("4"), "7.25"},
	))
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, 0, res.Rejected[0].Row)
	assert.Equal(t, "qtd", res.Rejected[0].Column)
	assert.Equal(t, 1, res.Rejected[1].Row)
	assert.Equal(t, "preco", res.Rejected[1].Column)
	assert.Contains(t, res.Rejected[1].Error(), "does not fit REAL")
}

func TestMerge_RequiresReconcile(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()
	schema, err := Reconcile(ctx, st.DB(), "t", batch([]string{"a"}, []any{n("1")}), nil)
	require.NoError(t, err)

	_, err = Merge(ctx, st.DB(), schema, batch([]string{"a", "b"}, []any{n("1"), "x"}), nil)
	assert.Error(t, err)
}

func TestMerge_InsideTransactionRollsBack(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	tx, err := st.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	write(t, tx, "t", batch([]string{"id"}, []any{n("1")}))
	require.NoError(t, tx.Rollback())

	cols, err := store.TableColumns(ctx, st.DB(), "t")
	require.NoError(t, err)
	assert.Empty(t, cols, "DDL is transactional in SQLite")
}

func TestMerge_ScopedToMunicipality(t *testing.T) {
	st := newTestDB(t)
	cols := []string{"numero", ScopeColumn}
	write(t, st.DB(), "t", batch(cols, []any{"1", "vix"}, []any{"2", "serra"}))

	res := write(t, st.DB(), "t", batch(cols, []any{"1", "serra"}, []any{"2", "serra"}))
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 3, count(t, st.DB(), "t"))

	var idx int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = 't'`).Scan(&idx))
	assert.Equal(t, 1, idx, "scope column is indexed")
}

func TestMerge_MatchesAcrossStorageTypes(t *testing.T) {
	st := newTestDB(t)
	write(t, st.DB(), "t", batch([]string{"qtd", "preco", "nome"}, []any{n("2"), n("3.0"), "x"}))

	res := write(t, st.DB(), "t", batch([]string{"qtd", "preco", "nome"},
		[]any{"2", n("3"), "x"},
		[]any{n("2"), n("3.5"), "x"},
	))
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Inserted)
}

func TestMerge_LargeBatchAgainstLargeTable(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	st := newTestDB(t)
	ctx := context.Background()
	const size = 8000
	cols := []string{"numero", "valor", "fornecedor", ScopeColumn}
	rows := func(offset int) *model.Batch {
		b := batch(cols)
		for i := range size {
			b.Rows = append(b.Rows, []any{fmt.Sprintf("N-%d", offset+i), n(fmt.Sprint(i)), "acme", "vix"})
		}
		return b
	}

	tx, err := st.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	write(t, tx, "t", rows(0))

	start := time.Now()
	res := write(t, tx, "t", rows(size/2))
	elapsed := time.Since(start)
	require.NoError(t, tx.Commit())

	assert.Equal(t, size/2, res.Duplicates)
	assert.Equal(t, size/2, res.Inserted)
	assert.Less(t, elapsed, 3*time.Second, "merge must not rescan the table per row")
}
