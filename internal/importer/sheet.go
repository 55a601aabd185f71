package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"fieldtrials/internal/plots"
)

// Format is a supported upload file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for uploads that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported sheet format")

// FormatOf derives the format from a file name extension.
func FormatOf(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// SheetRow is one data line of an upload.
type SheetRow struct {
	// Number is the 1-based position among data rows; the header is not counted.
	Number int
	Cells  plots.Cells
}

// Sheet is a parsed upload: a header and its data rows in file order.
type Sheet struct {
	Name   string
	Header []string
	Rows   []SheetRow
}

// reservedColumns are matched case-insensitively and stored lower-cased.
var reservedColumns = map[string]struct{}{
	plots.ColumnRow:    {},
	plots.ColumnColumn: {},
	plots.ColumnRack:   {},
	ColumnAccession:    {},
	ColumnReplicate:    {},
	ColumnTreatment:    {},
	ColumnWidth:        {},
	ColumnLength:       {},
	ColumnSowingDate:   {},
	ColumnHarvestDate:  {},
	ColumnComment:      {},
}

// ReadSheet parses a CSV or XLSX upload. XLSX files are read from their first sheet.
// Cell text is kept verbatim; blank lines keep their number but produce no row.
func ReadSheet(name string, r io.Reader, indexColumn string) (Sheet, error) {
	format, err := FormatOf(name)
	if err != nil {
		return Sheet{}, err
	}
	var records [][]string
	switch format {
	case FormatCSV:
		records, err = readCSV(r)
	case FormatXLSX:
		records, err = readXLSX(r)
	}
	if err != nil {
		return Sheet{}, err
	}
	return buildSheet(name, records, indexColumn)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = false
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return records, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func buildSheet(name string, records [][]string, indexColumn string) (Sheet, error) {
	if len(records) == 0 {
		return Sheet{}, fmt.Errorf("%s: missing header row", name)
	}
	header := make([]string, len(records[0]))
	seen := make(map[string]bool, len(header))
	for i, raw := range records[0] {
		h := normalizeHeader(raw, indexColumn)
		if h == "" {
			continue
		}
		if seen[h] {
			return Sheet{}, fmt.Errorf("%s: duplicate column %q", name, h)
		}
		seen[h] = true
		header[i] = h
	}
	sheet := Sheet{Name: name, Header: header}
	for i, record := range records[1:] {
		cells := make(plots.Cells, len(header))
		blank := true
		for j, value := range record {
			if j >= len(header) || header[j] == "" {
				continue
			}
			cells[header[j]] = value
			if strings.TrimSpace(value) != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		sheet.Rows = append(sheet.Rows, SheetRow{Number: i + 1, Cells: cells})
	}
	return sheet, nil
}

func normalizeHeader(raw, indexColumn string) string {
	h := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	lower := strings.ToLower(h)
	if _, ok := reservedColumns[lower]; ok {
		return lower
	}
	if strings.EqualFold(h, indexColumn) {
		return indexColumn
	}
	return h
}
