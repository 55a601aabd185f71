// Package importer turns plot spreadsheets into plots, plot rows and
// observations of a study, reporting problems per row instead of failing the
// whole upload.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrials/internal/blob"
	"fieldtrials/internal/plots"
	"fieldtrials/pkg/domain"
)

// Optional sheet columns.
const (
	ColumnAccession   = "accession"
	ColumnReplicate   = "replicate"
	ColumnTreatment   = "treatment"
	ColumnWidth       = "width"
	ColumnLength      = "length"
	ColumnSowingDate  = "sowing_date"
	ColumnHarvestDate = "harvest_date"
	ColumnComment     = "comment"
)

// DefaultParameter names the upload field row errors are attributed to.
const DefaultParameter = "plots_upload"

// ErrStudyNotFound is returned when the target study does not exist.
var ErrStudyNotFound = errors.New("study not found")

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006/01/02", "02/01/2006", "01-02-06"}

// Options tune one import.
type Options struct {
	// Parameter is reported on every RowError; defaults to DefaultParameter.
	Parameter string
	// IndexColumn names the external plot index column; defaults to "index".
	IndexColumn string
	// NumericIndex requires the index to be an integer.
	NumericIndex bool
	// MaxRows bounds the duplicate cache; rows beyond it are rejected. Zero means unbounded.
	MaxRows int
	// StrictMode persists nothing when any row fails.
	StrictMode bool
	// JobID identifies the import; generated when empty.
	JobID string
}

func (o Options) withDefaults() Options {
	if o.Parameter == "" {
		o.Parameter = DefaultParameter
	}
	if o.IndexColumn == "" {
		o.IndexColumn = plots.DefaultIndexColumn
	}
	if o.JobID == "" {
		o.JobID = uuid.NewString()
	}
	return o
}

// RowError attributes a problem to a (parameter, row, column) coordinate.
type RowError struct {
	Parameter string `json:"parameter"`
	Row       int    `json:"row"`
	Column    string `json:"column,omitempty"`
	Message   string `json:"message"`
}

func (e RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s row %d: %s", e.Parameter, e.Row, e.Message)
	}
	return fmt.Sprintf("%s row %d column %q: %s", e.Parameter, e.Row, e.Column, e.Message)
}

// Report summarises an import.
type Report struct {
	JobID               string     `json:"job_id"`
	StudyID             string     `json:"study_id"`
	Sheet               string     `json:"sheet,omitempty"`
	ArchiveKey          string     `json:"archive_key,omitempty"`
	Rows                int        `json:"rows"`
	Accepted            int        `json:"accepted"`
	PlotsCreated        int        `json:"plots_created"`
	PlotRowsCreated     int        `json:"plot_rows_created"`
	ObservationsCreated int        `json:"observations_created"`
	Committed           bool       `json:"committed"`
	Errors              []RowError `json:"errors"`
}

// OK reports whether every row was accepted.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Importer writes spreadsheet rows into a persistent store.
type Importer struct {
	store   domain.PersistentStore
	blobs   blob.Store
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures an Importer.
type Option func(*Importer)

// WithBlobStore archives uploads passed to ImportUpload.
func WithBlobStore(store blob.Store) Option { return func(i *Importer) { i.blobs = store } }

// WithMetrics records row outcomes.
func WithMetrics(m *Metrics) Option { return func(i *Importer) { i.metrics = m } }

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option { return func(i *Importer) { i.logger = l } }

// WithClock overrides the clock used for import timestamps.
func WithClock(now func() time.Time) Option { return func(i *Importer) { i.now = now } }

// New returns an importer writing to store.
func New(store domain.PersistentStore, opts ...Option) *Importer {
	imp := &Importer{
		store:  store,
		logger: log.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(imp)
		}
	}
	return imp
}

// ImportUpload parses an uploaded file, imports its rows and archives the raw
// upload when a blob store is configured.
func (imp *Importer) ImportUpload(ctx context.Context, studyID, name string, r io.Reader, opts Options) (Report, error) {
	opts = opts.withDefaults()
	data, err := io.ReadAll(r)
	if err != nil {
		return Report{}, fmt.Errorf("read upload: %w", err)
	}
	sheet, err := ReadSheet(name, bytes.NewReader(data), opts.IndexColumn)
	if err != nil {
		return Report{}, err
	}
	report, err := imp.ImportPlots(ctx, studyID, sheet, opts)
	if err != nil || imp.blobs == nil {
		return report, err
	}
	key := path.Join("uploads", studyID, opts.JobID, path.Base(name))
	if _, err := imp.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType(name),
		Metadata:    map[string]string{"study": studyID, "job": opts.JobID},
	}); err != nil {
		return report, fmt.Errorf("archive upload: %w", err)
	}
	report.ArchiveKey = key
	return report, nil
}

func contentType(name string) string {
	if f, _ := FormatOf(name); f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// existing is the persisted layout of a study at import time.
type existing struct {
	plots     map[[2]int]domain.Plot
	racks     map[string]bool
	indices   map[string]bool
	variables map[string]domain.MeasuredVariable
}

func rackKey(plotID string, rack int) string { return plotID + "#" + strconv.Itoa(rack) }

// batch remembers the parsed positions staged so far in one upload. The cache
// compares literal cell text, so "01" and "1" both reach staging.
type batch struct {
	grid    map[[3]int]int
	indices map[int]int
}

func newBatch() batch {
	return batch{grid: map[[3]int]int{}, indices: map[int]int{}}
}

// check reports positions already taken by an earlier staged row.
func (b batch) check(pos plots.Position, numericIndex bool, indexColumn string) []cellError {
	var errs []cellError
	if first, ok := b.grid[[3]int{pos.Row, pos.Column, pos.Rack}]; ok {
		errs = append(errs, cellError{plots.ColumnRow, fmt.Sprintf("plot at row %d, column %d, rack %d was already used on row %d", pos.Row, pos.Column, pos.Rack, first)})
	}
	if numericIndex {
		if first, ok := b.indices[pos.IndexNumber]; ok {
			errs = append(errs, cellError{indexColumn, fmt.Sprintf("%s %d was already used on row %d", indexColumn, pos.IndexNumber, first)})
		}
	}
	return errs
}

func (b batch) add(number int, pos plots.Position) {
	b.grid[[3]int{pos.Row, pos.Column, pos.Rack}] = number
	b.indices[pos.IndexNumber] = number
}

// stagedRow is a row that passed every check.
type stagedRow struct {
	number       int
	pos          plots.Position
	row          domain.PlotRow
	plot         domain.Plot
	observations []domain.Observation
}

// ImportPlots checks every row of sheet for duplicates and malformed values and
// writes the accepted rows to the study in a single transaction. Row problems
// are returned in the report; the error is reserved for failures that stop the
// whole import.
func (imp *Importer) ImportPlots(ctx context.Context, studyID string, sheet Sheet, opts Options) (Report, error) {
	opts = opts.withDefaults()
	report := Report{JobID: opts.JobID, StudyID: studyID, Sheet: sheet.Name, Rows: len(sheet.Rows), Errors: []RowError{}}
	logger := imp.logger.With().Str("study", studyID).Str("job", opts.JobID).Logger()

	state, err := imp.loadExisting(ctx, studyID)
	if err != nil {
		return report, err
	}

	cacheOpts := []plots.Option{plots.WithIndexColumn(opts.IndexColumn), plots.WithCapacity(opts.MaxRows)}
	if opts.NumericIndex {
		cacheOpts = append(cacheOpts, plots.WithNumericIndex())
	}
	cache, err := plots.New(cacheOpts...)
	if err != nil {
		return report, err
	}
	defer cache.Close()

	fail := func(row int, column, msg string) {
		report.Errors = append(report.Errors, RowError{Parameter: opts.Parameter, Row: row, Column: column, Message: msg})
	}

	var staged []stagedRow
	seen := newBatch()
	for _, sr := range sheet.Rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := cache.CheckRow(sr.Cells, sr.Number)
		imp.metrics.observe(outcome.Kind)
		if !outcome.OK() {
			msg := describe(outcome)
			if outcome.Kind == plots.InternalError {
				logger.Error().Err(outcome.Err()).Int("row", sr.Number).Msg("duplicate cache rejected row")
			} else {
				logger.Debug().Int("row", sr.Number).Str("outcome", outcome.Kind.String()).Msg(msg)
			}
			fail(sr.Number, outcome.Field, msg)
			continue
		}
		row, rowErrs := stage(sr, sheet.Header, outcome.Position, state, opts.IndexColumn)
		rowErrs = append(seen.check(outcome.Position, opts.NumericIndex, opts.IndexColumn), rowErrs...)
		if len(rowErrs) > 0 {
			for _, e := range rowErrs {
				fail(sr.Number, e.column, e.message)
			}
			continue
		}
		seen.add(sr.Number, outcome.Position)
		staged = append(staged, row)
	}
	report.Accepted = len(staged)

	if opts.StrictMode && len(report.Errors) > 0 {
		logger.Info().Int("errors", len(report.Errors)).Msg("strict import rejected")
		return report, nil
	}
	if len(staged) == 0 {
		return report, nil
	}

	_, err = imp.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created := make(map[[2]int]domain.Plot)
		for _, s := range staged {
			grid := [2]int{s.pos.Row, s.pos.Column}
			plot, ok := state.plots[grid]
			if !ok {
				if plot, ok = created[grid]; !ok {
					s.plot.StudyID = studyID
					p, err := tx.CreatePlot(s.plot)
					if err != nil {
						return fmt.Errorf("row %d: %w", s.number, err)
					}
					plot = p
					created[grid] = p
					report.PlotsCreated++
				}
			}
			s.row.PlotID = plot.ID
			row, err := tx.CreatePlotRow(s.row)
			if err != nil {
				return fmt.Errorf("row %d: %w", s.number, err)
			}
			report.PlotRowsCreated++
			for _, o := range s.observations {
				o.PlotRowID = row.ID
				if _, err := tx.CreateObservation(o); err != nil {
					return fmt.Errorf("row %d: %w", s.number, err)
				}
				report.ObservationsCreated++
			}
		}
		imported := imp.now()
		_, err := tx.UpdateStudy(studyID, func(st *domain.Study) error {
			st.PlotsImported = &imported
			for grid := range created {
				st.PlotRows = max(st.PlotRows, grid[0])
				st.PlotColumns = max(st.PlotColumns, grid[1])
			}
			return nil
		})
		return err
	})
	if err != nil {
		report.PlotsCreated, report.PlotRowsCreated, report.ObservationsCreated = 0, 0, 0
		return report, fmt.Errorf("store plots: %w", err)
	}
	report.Committed = true
	grid, index := cache.Len()
	logger.Info().
		Int("rows", report.Rows).
		Int("accepted", report.Accepted).
		Int("errors", len(report.Errors)).
		Int("grid_keys", grid).
		Int("index_keys", index).
		Msg("plots imported")
	return report, nil
}

func (imp *Importer) loadExisting(ctx context.Context, studyID string) (existing, error) {
	state := existing{
		plots:     map[[2]int]domain.Plot{},
		racks:     map[string]bool{},
		indices:   map[string]bool{},
		variables: map[string]domain.MeasuredVariable{},
	}
	var found bool
	err := imp.store.View(ctx, func(v domain.TransactionView) error {
		if _, found = v.FindStudy(studyID); !found {
			return nil
		}
		for _, p := range v.StudyPlots(studyID) {
			state.plots[[2]int{p.Row, p.Column}] = p
		}
		for _, r := range v.StudyPlotRows(studyID) {
			state.racks[rackKey(r.PlotID, r.Rack)] = true
			state.indices[r.Index] = true
		}
		for _, mv := range v.ListVariables() {
			state.variables[strings.ToLower(mv.Name)] = mv
		}
		return nil
	})
	if err != nil {
		return existing{}, err
	}
	if !found {
		return existing{}, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	return state, nil
}

type cellError struct {
	column  string
	message string
}

// stage validates the non-key columns of a fresh row against the persisted study.
func stage(sr SheetRow, header []string, pos plots.Position, state existing, indexColumn string) (stagedRow, []cellError) {
	var errs []cellError
	if plot, ok := state.plots[[2]int{pos.Row, pos.Column}]; ok && state.racks[rackKey(plot.ID, pos.Rack)] {
		errs = append(errs, cellError{plots.ColumnRow, fmt.Sprintf("plot at row %d, column %d, rack %d already exists in this study", pos.Row, pos.Column, pos.Rack)})
	}
	if state.indices[pos.Index] {
		errs = append(errs, cellError{indexColumn, fmt.Sprintf("%s %q already exists in this study", indexColumn, pos.Index)})
	}

	s := stagedRow{
		number: sr.Number,
		pos:    pos,
		plot:   domain.Plot{Row: pos.Row, Column: pos.Column},
		row:    domain.PlotRow{Rack: pos.Rack, Index: pos.Index},
	}
	text := func(col string) (string, bool) {
		v, ok := sr.Cells.Lookup(col)
		return strings.TrimSpace(v), ok
	}
	if v, ok := text(ColumnAccession); ok {
		s.row.Accession = v
	}
	if v, ok := text(ColumnTreatment); ok {
		s.row.Treatment = v
	}
	if v, ok := text(ColumnComment); ok {
		s.row.Comment = &v
	}
	if v, ok := text(ColumnReplicate); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, cellError{ColumnReplicate, fmt.Sprintf("%q is not an integer", v)})
		} else {
			s.row.Replicate = &n
		}
	}
	for _, dim := range []struct {
		col string
		dst **float64
	}{{ColumnWidth, &s.plot.Width}, {ColumnLength, &s.plot.Length}} {
		if v, ok := text(dim.col); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				errs = append(errs, cellError{dim.col, fmt.Sprintf("%q is not a positive number", v)})
				continue
			}
			*dim.dst = &f
		}
	}
	for _, date := range []struct {
		col string
		dst **time.Time
	}{{ColumnSowingDate, &s.plot.SowingDate}, {ColumnHarvestDate, &s.plot.HarvestDate}} {
		if v, ok := text(date.col); ok {
			t, err := parseDate(v)
			if err != nil {
				errs = append(errs, cellError{date.col, err.Error()})
				continue
			}
			*date.dst = &t
		}
	}
	for _, col := range header {
		if _, reserved := reservedColumns[col]; reserved || col == "" || col == indexColumn {
			continue
		}
		mv, ok := state.variables[strings.ToLower(col)]
		if !ok {
			continue
		}
		if v, ok := text(col); ok {
			s.observations = append(s.observations, domain.Observation{VariableID: mv.ID, Value: v})
		}
	}
	return s, errs
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date (expected YYYY-MM-DD)", v)
}

// describe renders a rejected outcome for the person who uploaded the sheet.
func describe(o plots.Outcome) string {
	switch o.Kind {
	case plots.DuplicateIndex:
		return fmt.Sprintf("%s %q was already used on row %d", o.Field, o.Key, o.FirstRow)
	case plots.DuplicateGrid:
		return fmt.Sprintf("plot position %q was already used on row %d", o.Key, o.FirstRow)
	case plots.MissingField:
		return fmt.Sprintf("required value %q is missing", o.Field)
	case plots.InvalidNumber:
		return fmt.Sprintf("value of %q is not a whole number", o.Field)
	default:
		return "row could not be checked for duplicates: " + o.Err().Error()
	}
}
