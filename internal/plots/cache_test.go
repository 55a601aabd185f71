package plots_test

import (
	"errors"
	"fmt"
	"testing"

	"fieldtrials/internal/plots"
)

func newCache(t *testing.T, opts ...plots.Option) *plots.Cache {
	t.Helper()
	c, err := plots.New(opts...)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func checkAll(c *plots.Cache, rows []plots.Cells) []plots.Outcome {
	out := make([]plots.Outcome, 0, len(rows))
	for i, r := range rows {
		out = append(out, c.CheckRow(r, i+1))
	}
	return out
}

func TestDistinctRowsAreFresh(t *testing.T) {
	c := newCache(t)
	var rows []plots.Cells
	for r := 1; r <= 20; r++ {
		for col := 1; col <= 5; col++ {
			rows = append(rows, plots.Cells{
				"row":    fmt.Sprint(r),
				"column": fmt.Sprint(col),
				"index":  fmt.Sprintf("P%d-%d", r, col),
			})
		}
	}
	for _, o := range checkAll(c, rows) {
		if o.Kind != plots.Fresh {
			t.Fatalf("row %d: expected fresh, got %s", o.RowNumber, o.Kind)
		}
	}
	grid, index := c.Len()
	if grid != len(rows) || index != len(rows) {
		t.Fatalf("expected %d keys in each index, got grid=%d index=%d", len(rows), grid, index)
	}
}

func TestGridCollisionReportsFirstRow(t *testing.T) {
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "1", "column": "1", "index": "P1"},
		{"row": "1", "column": "2", "index": "P2"},
		{"row": "1", "column": "1", "index": "P3"},
		{"row": "1", "column": "1", "index": "P4"},
	})
	for _, i := range []int{2, 3} {
		o := outcomes[i]
		if o.Kind != plots.DuplicateGrid {
			t.Fatalf("row %d: expected duplicate grid, got %s", o.RowNumber, o.Kind)
		}
		if o.FirstRow != 1 {
			t.Fatalf("row %d: expected first row 1, got %d", o.RowNumber, o.FirstRow)
		}
		if o.Key != "1 - 1 - 1" {
			t.Fatalf("unexpected grid key %q", o.Key)
		}
	}
}

func TestIndexCheckedBeforeGrid(t *testing.T) {
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "4", "column": "4", "index": "P9"},
		{"row": "4", "column": "4", "index": "P9"},
	})
	if outcomes[1].Kind != plots.DuplicateIndex {
		t.Fatalf("expected duplicate index, got %s", outcomes[1].Kind)
	}
	if outcomes[1].FirstRow != 1 || outcomes[1].Field != "index" {
		t.Fatalf("unexpected outcome %+v", outcomes[1])
	}
}

func TestGridCollisionWithDifferentIndex(t *testing.T) {
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "1", "column": "1", "index": "P1"},
		{"row": "1", "column": "1", "index": "P2"},
	})
	if outcomes[0].Kind != plots.Fresh {
		t.Fatalf("expected first row fresh, got %s", outcomes[0].Kind)
	}
	if outcomes[1].Kind != plots.DuplicateGrid || outcomes[1].FirstRow != 1 {
		t.Fatalf("expected duplicate grid against row 1, got %+v", outcomes[1])
	}
}

func TestIndexCollisionWithDifferentGrid(t *testing.T) {
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "1", "column": "1", "index": "P1"},
		{"row": "2", "column": "2", "index": "P1"},
	})
	if outcomes[1].Kind != plots.DuplicateIndex || outcomes[1].FirstRow != 1 {
		t.Fatalf("expected duplicate index against row 1, got %+v", outcomes[1])
	}
	// the rejected row never claimed its grid position
	next := c.CheckRow(plots.Cells{"row": "2", "column": "2", "index": "P3"}, 3)
	if next.Kind != plots.Fresh {
		t.Fatalf("expected grid 2/2 to still be free, got %s", next.Kind)
	}
}

func TestRackDisambiguatesGridPosition(t *testing.T) {
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "1", "column": "1", "rack": "1", "index": "P1"},
		{"row": "1", "column": "1", "rack": "2", "index": "P2"},
	})
	for _, o := range outcomes {
		if o.Kind != plots.Fresh {
			t.Fatalf("row %d: expected fresh, got %s", o.RowNumber, o.Kind)
		}
	}
	if outcomes[1].Position.Rack != 2 {
		t.Fatalf("expected rack 2, got %d", outcomes[1].Position.Rack)
	}
}

func TestMissingRackMatchesDefaultRack(t *testing.T) {
	if plots.GridKey("3", "5", "") != plots.GridKey("3", "5", "1") {
		t.Fatalf("default rack should equal explicit rack 1")
	}
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "3", "column": "5", "index": "A"},
		{"row": "3", "column": "5", "rack": "1", "index": "B"},
	})
	if outcomes[1].Kind != plots.DuplicateGrid || outcomes[1].Key != "3 - 5 - 1" {
		t.Fatalf("expected collision on default rack, got %+v", outcomes[1])
	}
	if outcomes[0].Position.Rack != 1 {
		t.Fatalf("expected default rack 1, got %d", outcomes[0].Position.Rack)
	}
}

func TestMissingFieldShortCircuits(t *testing.T) {
	c := newCache(t)
	first := c.CheckRow(plots.Cells{"column": "1", "index": "P1"}, 1)
	if first.Kind != plots.MissingField || first.Field != "row" {
		t.Fatalf("expected missing row, got %+v", first)
	}
	if grid, index := c.Len(); grid != 0 || index != 0 {
		t.Fatalf("missing field must not insert keys, got grid=%d index=%d", grid, index)
	}
	second := c.CheckRow(plots.Cells{"row": "1", "column": "1", "index": "P1"}, 2)
	if second.Kind != plots.Fresh {
		t.Fatalf("expected fresh after short-circuit, got %s", second.Kind)
	}
}

func TestMissingFieldNames(t *testing.T) {
	cases := []struct {
		name  string
		cells plots.Cells
		want  string
	}{
		{"index", plots.Cells{"row": "1", "column": "1"}, "index"},
		{"column", plots.Cells{"row": "1", "index": "P1"}, "column"},
		{"blank row", plots.Cells{"row": "  ", "column": "1", "index": "P1"}, "row"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCache(t)
			o := c.CheckRow(tc.cells, 7)
			if o.Kind != plots.MissingField || o.Field != tc.want {
				t.Fatalf("expected missing %s, got %+v", tc.want, o)
			}
			var fe *plots.FieldError
			if !errors.As(o.Err(), &fe) || fe.Row != 7 {
				t.Fatalf("expected field error for row 7, got %v", o.Err())
			}
		})
	}
}

func TestInvalidNumberNamesField(t *testing.T) {
	cases := []struct {
		cells plots.Cells
		want  string
	}{
		{plots.Cells{"row": "x", "column": "1", "index": "1"}, "row"},
		{plots.Cells{"row": "1", "column": "1.5", "index": "2"}, "column"},
		{plots.Cells{"row": "1", "column": "2", "rack": "top", "index": "3"}, "rack"},
		{plots.Cells{"row": "1", "column": "3", "index": "P4"}, "index"},
	}
	c := newCache(t, plots.WithNumericIndex())
	for i, tc := range cases {
		o := c.CheckRow(tc.cells, i+1)
		if o.Kind != plots.InvalidNumber || o.Field != tc.want {
			t.Fatalf("case %d: expected invalid %s, got %+v", i, tc.want, o)
		}
	}
	// keys were recorded before parsing failed
	o := c.CheckRow(plots.Cells{"row": "x", "column": "1", "index": "9"}, 10)
	if o.Kind != plots.DuplicateGrid || o.FirstRow != 1 {
		t.Fatalf("expected duplicate grid against row 1, got %+v", o)
	}
}

func TestLiteralKeysPreserveFormatting(t *testing.T) {
	c := newCache(t)
	outcomes := checkAll(c, []plots.Cells{
		{"row": "1", "column": "1", "index": "P1"},
		{"row": "01", "column": "1", "index": "P2"},
	})
	if outcomes[1].Kind != plots.Fresh {
		t.Fatalf("expected literal key difference to be fresh, got %s", outcomes[1].Kind)
	}
	if outcomes[1].Position.Row != 1 {
		t.Fatalf("expected parsed row 1, got %d", outcomes[1].Position.Row)
	}
}

func TestNumericIndexParsed(t *testing.T) {
	c := newCache(t, plots.WithNumericIndex(), plots.WithIndexColumn("plot_id"))
	o := c.CheckRow(plots.Cells{"row": "2", "column": "3", "rack": "4", "plot_id": " 17 "}, 1)
	if o.Kind != plots.Fresh {
		t.Fatalf("expected fresh, got %+v", o)
	}
	want := plots.Position{Row: 2, Column: 3, Rack: 4, Index: " 17 ", IndexNumber: 17}
	if o.Position != want {
		t.Fatalf("unexpected position %+v", o.Position)
	}
}

func TestCapacityExhaustionIsInternalError(t *testing.T) {
	c := newCache(t, plots.WithCapacity(1))
	if o := c.CheckRow(plots.Cells{"row": "1", "column": "1", "index": "P1"}, 1); o.Kind != plots.Fresh {
		t.Fatalf("expected fresh, got %s", o.Kind)
	}
	o := c.CheckRow(plots.Cells{"row": "1", "column": "2", "index": "P2"}, 2)
	if o.Kind != plots.InternalError {
		t.Fatalf("expected internal error, got %s", o.Kind)
	}
	if !errors.Is(o.Err(), plots.ErrIndexFull) {
		t.Fatalf("expected ErrIndexFull, got %v", o.Err())
	}
	// earlier entries still detect duplicates
	dup := c.CheckRow(plots.Cells{"row": "9", "column": "9", "index": "P1"}, 3)
	if dup.Kind != plots.DuplicateIndex || dup.FirstRow != 1 {
		t.Fatalf("expected duplicate index after internal error, got %+v", dup)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := plots.New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Close()
	c.Close()
	o := c.CheckRow(plots.Cells{"row": "1", "column": "1", "index": "P1"}, 1)
	if o.Kind != plots.InternalError || !errors.Is(o.Err(), plots.ErrClosed) {
		t.Fatalf("expected closed error, got %+v", o)
	}
	if g, i := c.Len(); g != 0 || i != 0 {
		t.Fatalf("expected empty lengths after close")
	}
}

func TestInvalidOptions(t *testing.T) {
	for name, opt := range map[string]plots.Option{
		"negative capacity": plots.WithCapacity(-1),
		"empty index":       plots.WithIndexColumn(" "),
		"grid clash":        plots.WithIndexColumn("rack"),
	} {
		if c, err := plots.New(opt); err == nil || c != nil {
			t.Fatalf("%s: expected error and nil cache", name)
		}
	}
}

func TestDuplicateErrorMessages(t *testing.T) {
	c := newCache(t)
	checkAll(c, []plots.Cells{{"row": "1", "column": "1", "index": "P1"}})
	o := c.CheckRow(plots.Cells{"row": "2", "column": "1", "index": "P1"}, 5)
	var dup *plots.DuplicateError
	if !errors.As(o.Err(), &dup) {
		t.Fatalf("expected duplicate error, got %v", o.Err())
	}
	if dup.FirstRow != 1 || dup.Row != 5 {
		t.Fatalf("unexpected duplicate error %+v", dup)
	}
	if got := dup.Error(); got != `row 5: index "P1" already used on row 1` {
		t.Fatalf("unexpected message %q", got)
	}
}
