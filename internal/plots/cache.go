package plots

import (
	"fmt"
	"strings"
)

// keyIndex maps a cache key to the first row number it was seen on.
type keyIndex struct {
	rows     map[string]int
	capacity int
}

func newKeyIndex(capacity int) *keyIndex {
	return &keyIndex{rows: make(map[string]int), capacity: capacity}
}

func (ix *keyIndex) lookup(key string) (int, bool) {
	row, ok := ix.rows[key]
	return row, ok
}

// insert records key only if it is new; existing entries are never overwritten.
func (ix *keyIndex) insert(key string, row int) error {
	if _, exists := ix.rows[key]; exists {
		return nil
	}
	if ix.capacity > 0 && len(ix.rows) >= ix.capacity {
		return fmt.Errorf("%w (%d entries)", ErrIndexFull, ix.capacity)
	}
	ix.rows[key] = row
	return nil
}

// Option configures a Cache.
type Option func(*Cache) error

// WithIndexColumn selects the column that carries the external plot index.
func WithIndexColumn(name string) Option {
	return func(c *Cache) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("index column name cannot be empty")
		}
		switch name {
		case ColumnRow, ColumnColumn, ColumnRack:
			return fmt.Errorf("index column %q clashes with a grid column", name)
		}
		c.indexColumn = name
		return nil
	}
}

// WithCapacity bounds the number of keys each index may hold. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(c *Cache) error {
		if n < 0 {
			return fmt.Errorf("capacity must be >= 0, got %d", n)
		}
		c.capacity = n
		return nil
	}
}

// WithNumericIndex requires the external index to be an integer.
func WithNumericIndex() Option {
	return func(c *Cache) error {
		c.numericIndex = true
		return nil
	}
}

// Cache detects duplicate grid positions and external indices across the rows
// of one import pass. The first row to claim a key keeps it; later rows with the
// same key are reported against that first row number.
//
// A Cache is owned by a single import and is not safe for concurrent use.
// Rows must be checked in spreadsheet order for "first seen" to be meaningful.
type Cache struct {
	grid         *keyIndex
	index        *keyIndex
	indexColumn  string
	capacity     int
	numericIndex bool
}

// New returns an empty cache. No cache is returned if an option is invalid.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{indexColumn: DefaultIndexColumn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("plots cache: %w", err)
		}
	}
	c.grid = newKeyIndex(c.capacity)
	c.index = newKeyIndex(c.capacity)
	return c, nil
}

// IndexColumn returns the configured external index column name.
func (c *Cache) IndexColumn() string { return c.indexColumn }

// Len returns the number of grid and index keys recorded so far.
func (c *Cache) Len() (grid, index int) {
	if c.grid == nil {
		return 0, 0
	}
	return len(c.grid.rows), len(c.index.rows)
}

// Close releases both indices. Calling Close more than once has no effect.
func (c *Cache) Close() {
	c.grid = nil
	c.index = nil
}

// CheckRow runs the duplicate checks for one row. rowNumber is the 1-based
// position of the row in the upload and is only used for reporting.
//
// The external index is checked before the grid position; a row colliding on
// both is reported as DuplicateIndex and its grid key is not recorded. Keys
// recorded before a later check fails are kept.
func (c *Cache) CheckRow(r Row, rowNumber int) Outcome {
	if c.grid == nil || c.index == nil {
		return internalError(rowNumber, "", ErrClosed)
	}
	keys, missing := extractKeys(r, c.indexColumn)
	if missing != "" {
		return fieldFailure(MissingField, rowNumber, missing)
	}

	if first, seen := c.index.lookup(keys.index); seen {
		return duplicate(DuplicateIndex, rowNumber, first, c.indexColumn, keys.index)
	}
	if err := c.index.insert(keys.index, rowNumber); err != nil {
		return internalError(rowNumber, c.indexColumn, err)
	}

	gridKey := keys.grid()
	if first, seen := c.grid.lookup(gridKey); seen {
		return duplicate(DuplicateGrid, rowNumber, first, ColumnRow, gridKey)
	}
	if err := c.grid.insert(gridKey, rowNumber); err != nil {
		return internalError(rowNumber, ColumnRow, err)
	}

	pos, invalid := keys.parse(c.indexColumn, c.numericIndex)
	if invalid != "" {
		return fieldFailure(InvalidNumber, rowNumber, invalid)
	}
	return fresh(rowNumber, pos)
}
