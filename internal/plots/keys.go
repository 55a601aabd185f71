// Package plots detects duplicate plot rows within a single spreadsheet
// import. A Cache remembers, for one upload, the first row number at which each
// grid position (row, column, rack) and each external plot index was seen.
package plots

import (
	"strconv"
	"strings"
)

// Reserved column names read from every spreadsheet row.
const (
	ColumnRow    = "row"
	ColumnColumn = "column"
	ColumnRack   = "rack"
	// DefaultIndexColumn names the external plot index column unless the
	// caller selects another one with WithIndexColumn.
	DefaultIndexColumn = "index"
	// DefaultRack is substituted when a row carries no rack value.
	DefaultRack = "1"
)

const gridKeySeparator = " - "

// Row is a read-only view over the cells of one spreadsheet line.
type Row interface {
	Lookup(column string) (string, bool)
}

// Cells is the map-backed Row used by the importer.
type Cells map[string]string

// Lookup returns the cell value for column. Blank cells are reported as absent.
func (c Cells) Lookup(column string) (string, bool) {
	v, ok := c[column]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// GridKey builds the composite lookup key for a grid position from the
// literal cell text, so "01" and "1" stay distinct.
func GridKey(row, column, rack string) string {
	if rack == "" {
		rack = DefaultRack
	}
	var b strings.Builder
	b.Grow(len(row) + len(column) + len(rack) + 2*len(gridKeySeparator))
	b.WriteString(row)
	b.WriteString(gridKeySeparator)
	b.WriteString(column)
	b.WriteString(gridKeySeparator)
	b.WriteString(rack)
	return b.String()
}

// rowKeys holds the raw text extracted from one row before any lookups.
type rowKeys struct {
	row    string
	column string
	rack   string
	index  string
}

func (k rowKeys) grid() string {
	return GridKey(k.row, k.column, k.rack)
}

// extractKeys pulls the required and optional key fields out of a row. It
// returns the name of the first missing required column, if any.
func extractKeys(r Row, indexColumn string) (rowKeys, string) {
	var k rowKeys
	var ok bool
	if k.index, ok = r.Lookup(indexColumn); !ok {
		return rowKeys{}, indexColumn
	}
	if k.row, ok = r.Lookup(ColumnRow); !ok {
		return rowKeys{}, ColumnRow
	}
	if k.column, ok = r.Lookup(ColumnColumn); !ok {
		return rowKeys{}, ColumnColumn
	}
	if k.rack, ok = r.Lookup(ColumnRack); !ok {
		k.rack = DefaultRack
	}
	return k, ""
}

// parse converts the key text into plot coordinates. The returned string is
// the column whose value is not an integer. The index is only parsed when
// numericIndex is set; otherwise it is carried through verbatim.
func (k rowKeys) parse(indexColumn string, numericIndex bool) (Position, string) {
	pos := Position{Index: k.index}
	fields := []struct {
		name   string
		raw    string
		target *int
	}{
		{ColumnRow, k.row, &pos.Row},
		{ColumnColumn, k.column, &pos.Column},
		{indexColumn, k.index, &pos.IndexNumber},
		{ColumnRack, k.rack, &pos.Rack},
	}
	for _, f := range fields {
		if f.target == &pos.IndexNumber && !numericIndex {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(f.raw))
		if err != nil {
			return Position{}, f.name
		}
		*f.target = n
	}
	return pos, ""
}
