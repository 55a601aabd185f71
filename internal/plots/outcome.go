package plots

import (
	"errors"
	"fmt"
)

// Kind discriminates the result of a CheckRow call.
type Kind int

// Possible outcomes of checking one spreadsheet row.
const (
	// Fresh means both keys were new and the numeric fields parsed.
	Fresh Kind = iota
	// DuplicateIndex means the external index was already seen.
	DuplicateIndex
	// DuplicateGrid means the (row, column, rack) position was already seen.
	DuplicateGrid
	// MissingField means a required column was absent.
	MissingField
	// InvalidNumber means a key column was not an integer.
	InvalidNumber
	// InternalError means an index insert failed. The row is rejected but the
	// cache remains usable.
	InternalError
)

func (k Kind) String() string {
	switch k {
	case Fresh:
		return "fresh"
	case DuplicateIndex:
		return "duplicate_index"
	case DuplicateGrid:
		return "duplicate_grid"
	case MissingField:
		return "missing_field"
	case InvalidNumber:
		return "invalid_number"
	case InternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Position holds the parsed coordinates of a fresh row.
type Position struct {
	Row    int
	Column int
	Rack   int
	// Index is the external plot index exactly as it appeared in the sheet.
	Index string
	// IndexNumber is the parsed index; zero unless the cache requires numeric indices.
	IndexNumber int
}

// Outcome is the tagged result of CheckRow.
type Outcome struct {
	Kind Kind
	// RowNumber echoes the row number passed to CheckRow.
	RowNumber int
	// FirstRow is the row that first claimed the key, for duplicate kinds.
	FirstRow int
	// Field names the offending column for MissingField, InvalidNumber and duplicates.
	Field string
	// Key is the colliding cache key for duplicate kinds.
	Key string
	// Position is populated only for Fresh outcomes.
	Position Position
	cause    error
}

// OK reports whether the row passed every check.
func (o Outcome) OK() bool { return o.Kind == Fresh }

// Err converts a non-fresh outcome into an error. Fresh outcomes return nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case Fresh:
		return nil
	case DuplicateIndex, DuplicateGrid:
		return &DuplicateError{Kind: o.Kind, Field: o.Field, Key: o.Key, Row: o.RowNumber, FirstRow: o.FirstRow}
	case MissingField, InvalidNumber:
		return &FieldError{Kind: o.Kind, Field: o.Field, Row: o.RowNumber}
	default:
		if o.cause != nil {
			return fmt.Errorf("row %d: %w", o.RowNumber, o.cause)
		}
		return fmt.Errorf("row %d: %s", o.RowNumber, o.Kind)
	}
}

// DuplicateError reports a key collision with an earlier row.
type DuplicateError struct {
	Kind     Kind
	Field    string
	Key      string
	Row      int
	FirstRow int
}

func (e *DuplicateError) Error() string {
	if e.Kind == DuplicateIndex {
		return fmt.Sprintf("row %d: %s %q already used on row %d", e.Row, e.Field, e.Key, e.FirstRow)
	}
	return fmt.Sprintf("row %d: plot position %q already used on row %d", e.Row, e.Key, e.FirstRow)
}

// FieldError reports a missing or malformed key column.
type FieldError struct {
	Kind  Kind
	Field string
	Row   int
}

func (e *FieldError) Error() string {
	if e.Kind == MissingField {
		return fmt.Sprintf("row %d: missing required column %q", e.Row, e.Field)
	}
	return fmt.Sprintf("row %d: column %q is not an integer", e.Row, e.Field)
}

var (
	// ErrIndexFull is returned when a key index has reached its capacity.
	ErrIndexFull = errors.New("plots: key index full")
	// ErrClosed is returned when a closed cache is used.
	ErrClosed = errors.New("plots: cache closed")
)

func fresh(rowNumber int, pos Position) Outcome {
	return Outcome{Kind: Fresh, RowNumber: rowNumber, Position: pos}
}

func duplicate(kind Kind, rowNumber, first int, field, key string) Outcome {
	return Outcome{Kind: kind, RowNumber: rowNumber, FirstRow: first, Field: field, Key: key}
}

func fieldFailure(kind Kind, rowNumber int, field string) Outcome {
	return Outcome{Kind: kind, RowNumber: rowNumber, Field: field}
}

func internalError(rowNumber int, field string, err error) Outcome {
	return Outcome{Kind: InternalError, RowNumber: rowNumber, Field: field, cause: err}
}
