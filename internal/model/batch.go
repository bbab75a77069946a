package model

import (
	"maps"
	"slices"
	"strings"
)

// Batch is a uniform set of records: every row carries a value (possibly nil)
// for every column, in column order.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// NewBatch builds a Batch from record maps. order optionally carries each
// record's field order as seen on the wire; records without one contribute
// their fields sorted. Field names that differ only by case are folded onto the
// first spelling seen.
func NewBatch(records []map[string]any, order [][]string) *Batch {
	b := &Batch{}
	index := make(map[string]int)
	add := func(name string) {
		key := strings.ToLower(name)
		if _, ok := index[key]; ok {
			return
		}
		index[key] = len(b.Columns)
		b.Columns = append(b.Columns, name)
	}
	for i, rec := range records {
		if i < len(order) && order[i] != nil {
			for _, k := range order[i] {
				add(k)
			}
			continue
		}
		for _, k := range slices.Sorted(maps.Keys(rec)) {
			add(k)
		}
	}
	for _, rec := range records {
		row := make([]any, len(b.Columns))
		for k, v := range rec {
			row[index[strings.ToLower(k)]] = v
		}
		b.Rows = append(b.Rows, row)
	}
	return b
}

// Set assigns value to column name on every row, adding the column if it is
// missing. An existing column with the same name in any casing is overwritten.
func (b *Batch) Set(name string, value any) {
	idx := b.ColumnIndex(name)
	if idx < 0 {
		b.Columns = append(b.Columns, name)
		for i := range b.Rows {
			b.Rows[i] = append(b.Rows[i], value)
		}
		return
	}
	b.Columns[idx] = name
	for i := range b.Rows {
		b.Rows[i][idx] = value
	}
}

// ColumnIndex returns the position of a column (case-insensitive), or -1.
func (b *Batch) ColumnIndex(name string) int {
	for i, c := range b.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Column returns every value of one column.
func (b *Batch) Column(idx int) []any {
	out := make([]any, len(b.Rows))
	for i, row := range b.Rows {
		out[i] = row[idx]
	}
	return out
}
