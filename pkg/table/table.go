// Package table holds row-oriented query results and reads and writes
// them as CSV.
package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrNoHeader is returned by ReadCSV when the input has no header row.
var ErrNoHeader = errors.New("csv has no header row")

// Table is an ordered set of named columns and rows keyed by column.
// A missing cell reads as the empty string.
type Table struct {
	Columns []string
	Rows    []map[string]string
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// FromRows builds a table from rows and adds the extra cells to every row.
// Row columns come first in sorted order, extra columns after them.
func FromRows(rows []map[string]string, extra map[string]string) *Table {
	var rowCols []string
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			if _, isExtra := extra[k]; isExtra || seen[k] {
				continue
			}
			seen[k] = true
			rowCols = append(rowCols, k)
		}
	}
	sort.Strings(rowCols)

	extraCols := make([]string, 0, len(extra))
	for k := range extra {
		extraCols = append(extraCols, k)
	}
	sort.Strings(extraCols)

	t := New(append(rowCols, extraCols...)...)
	for _, row := range rows {
		r := make(map[string]string, len(row)+len(extra))
		for k, v := range row {
			r[k] = v
		}
		for k, v := range extra {
			r[k] = v
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

// Append adds a row. Unknown keys are appended to Columns in sorted order.
func (t *Table) Append(row map[string]string) {
	known := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		known[c] = true
	}

	var added []string
	for k := range row {
		if !known[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	t.Columns = append(t.Columns, added...)

	r := make(map[string]string, len(row))
	for k, v := range row {
		r[k] = v
	}
	t.Rows = append(t.Rows, r)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Get returns the cell of row i in column col.
func (t *Table) Get(i int, col string) string {
	return t.Rows[i][col]
}

// Column returns every value of col in row order.
func (t *Table) Column(col string) []string {
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[col]
	}
	return out
}

// Concat stacks tables vertically. Columns are the union in first-seen
// order; nil tables are skipped.
func Concat(tables ...*Table) *Table {
	out := New()
	known := make(map[string]bool)
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, c := range t.Columns {
			if !known[c] {
				known[c] = true
				out.Columns = append(out.Columns, c)
			}
		}
		out.Rows = append(out.Rows, t.Rows...)
	}
	return out
}

// SortBy orders rows by the given columns, stable for ties.
func (t *Table) SortBy(columns ...string) {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		for _, c := range columns {
			a, b := t.Rows[i][c], t.Rows[j][c]
			if a != b {
				return a < b
			}
		}
		return false
	})
}

// WriteCSV writes a header row followed by one record per row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		for j, c := range t.Columns {
			record[j] = row[c]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a table written by WriteCSV.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoHeader
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	t := New(header...)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		if len(record) > len(header) {
			return nil, fmt.Errorf("line %d: %d fields, header has %d", line, len(record), len(header))
		}

		row := make(map[string]string, len(header))
		for i, v := range record {
			row[header[i]] = v
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}
