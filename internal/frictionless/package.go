// Package frictionless renders a study as a Frictionless Data Package: a
// datapackage.json descriptor plus CSV resources for plots and observations.
package frictionless

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrials/internal/blob"
	"fieldtrials/pkg/domain"
)

const (
	DescriptorName    = "datapackage.json"
	PlotsResource     = "plots"
	ObservationsRes   = "observations"
	profileTabular    = "tabular-data-package"
	profileTabularRes = "tabular-data-resource"
	timestampLayout   = "20060102T150405Z"
)

// ErrStudyNotFound is returned when the exported study does not exist.
var ErrStudyNotFound = errors.New("study not found")

// FieldStats summarises a numeric observation column.
type FieldStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Field is one column of a table schema.
type Field struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Unit        string      `json:"unit,omitempty"`
	Stats       *FieldStats `json:"stats,omitempty"`
}

// ForeignKey links a resource column to another resource.
type ForeignKey struct {
	Fields    []string         `json:"fields"`
	Reference ForeignReference `json:"reference"`
}

// ForeignReference names the referenced resource and its key columns.
type ForeignReference struct {
	Resource string   `json:"resource"`
	Fields   []string `json:"fields"`
}

// Schema is a Table Schema.
type Schema struct {
	Fields      []Field      `json:"fields"`
	PrimaryKey  []string     `json:"primaryKey,omitempty"`
	ForeignKeys []ForeignKey `json:"foreignKeys,omitempty"`
}

// Resource describes one CSV file of the package.
type Resource struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Profile   string `json:"profile"`
	Format    string `json:"format"`
	MediaType string `json:"mediatype"`
	Encoding  string `json:"encoding"`
	Bytes     int    `json:"bytes"`
	Hash      string `json:"hash"`
	Rows      int    `json:"-"`
	Schema    Schema `json:"schema"`
}

// Package is the datapackage.json descriptor.
type Package struct {
	Profile     string     `json:"profile"`
	Name        string     `json:"name"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Created     time.Time  `json:"created"`
	Keywords    []string   `json:"keywords,omitempty"`
	Resources   []Resource `json:"resources"`
	// Prefix is the blob key prefix the package was written under.
	Prefix string `json:"-"`
	// Keys lists the stored artifacts, descriptor first.
	Keys []string `json:"-"`
}

// Exporter builds packages from a store and writes them to a blob store.
type Exporter struct {
	store  domain.PersistentStore
	blobs  blob.Store
	now    func() time.Time
	runID  func() string
	logger zerolog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock overrides the package creation clock.
func WithClock(now func() time.Time) Option { return func(e *Exporter) { e.now = now } }

// WithRunID overrides the suffix that keeps package prefixes unique.
func WithRunID(next func() string) Option { return func(e *Exporter) { e.runID = next } }

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Exporter) { e.logger = l } }

// NewExporter returns an exporter reading from store and writing to blobs.
func NewExporter(store domain.PersistentStore, blobs blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		store:  store,
		blobs:  blobs,
		now:    func() time.Time { return time.Now().UTC() },
		runID:  func() string { return uuid.NewString()[:8] },
		logger: log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Export renders the study and stores every artifact under
// packages/<study>/<timestamp>-<run>/. When a write fails the artifacts already
// stored for this package are removed.
func (e *Exporter) Export(ctx context.Context, studyID string) (Package, error) {
	if e.blobs == nil {
		return Package{}, errors.New("frictionless: no blob store configured")
	}
	pkg, files, err := e.Build(ctx, studyID)
	if err != nil {
		return Package{}, err
	}
	pkg.Prefix = path.Join("packages", studyID, pkg.Created.Format(timestampLayout)+"-"+e.runID())
	names := []string{DescriptorName}
	for _, r := range pkg.Resources {
		names = append(names, r.Path)
	}
	for _, name := range names {
		key := path.Join(pkg.Prefix, name)
		contentType := "text/csv"
		if name == DescriptorName {
			contentType = "application/json"
		}
		if _, err := e.blobs.Put(ctx, key, bytes.NewReader(files[name]), blob.PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{"study": studyID, "package": pkg.Name},
		}); err != nil {
			err = fmt.Errorf("store %s: %w", name, err)
			return Package{}, errors.Join(err, e.discard(ctx, pkg.Keys))
		}
		pkg.Keys = append(pkg.Keys, key)
	}
	e.logger.Info().Str("study", studyID).Str("prefix", pkg.Prefix).Int("artifacts", len(pkg.Keys)).Msg("data package exported")
	return pkg, nil
}

func (e *Exporter) discard(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if _, err := e.blobs.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("discard %s: %w", key, err))
		}
	}
	if len(keys) > 0 {
		e.logger.Warn().Strs("keys", keys).Msg("discarded partial data package")
	}
	return errors.Join(errs...)
}

// studyData is the read-only slice of the store a package is built from.
type studyData struct {
	study     domain.Study
	trial     domain.FieldTrial
	location  domain.Location
	plots     map[string]domain.Plot
	rows      []domain.PlotRow
	obs       []domain.Observation
	variables map[string]domain.MeasuredVariable
}

// Build renders the package in memory. The returned map holds file contents by
// resource path, including the descriptor.
func (e *Exporter) Build(ctx context.Context, studyID string) (Package, map[string][]byte, error) {
	data, err := e.load(ctx, studyID)
	if err != nil {
		return Package{}, nil, err
	}
	created := e.now().UTC().Truncate(time.Second)
	pkg := Package{
		Profile:  profileTabular,
		Name:     packageName(data.study.Name),
		ID:       data.study.ID,
		Title:    data.study.Name,
		Created:  created,
		Keywords: keywords(data),
	}
	if data.study.Description != nil {
		pkg.Description = *data.study.Description
	}

	files := make(map[string][]byte, 3)
	plotsCSV, plotsRes, err := renderPlots(data)
	if err != nil {
		return Package{}, nil, err
	}
	obsCSV, obsRes, err := renderObservations(data)
	if err != nil {
		return Package{}, nil, err
	}
	files[plotsRes.Path] = plotsCSV
	files[obsRes.Path] = obsCSV
	pkg.Resources = []Resource{plotsRes, obsRes}

	descriptor, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return Package{}, nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	files[DescriptorName] = descriptor
	return pkg, files, nil
}

func (e *Exporter) load(ctx context.Context, studyID string) (studyData, error) {
	var (
		data  studyData
		found bool
	)
	err := e.store.View(ctx, func(v domain.TransactionView) error {
		if data.study, found = v.FindStudy(studyID); !found {
			return nil
		}
		data.trial, _ = v.FindFieldTrial(data.study.FieldTrialID)
		data.location, _ = v.FindLocation(data.study.LocationID)
		data.plots = make(map[string]domain.Plot)
		for _, p := range v.StudyPlots(studyID) {
			data.plots[p.ID] = p
		}
		data.rows = v.StudyPlotRows(studyID)
		data.obs = v.StudyObservations(studyID)
		data.variables = make(map[string]domain.MeasuredVariable)
		for _, o := range data.obs {
			if _, ok := data.variables[o.VariableID]; ok {
				continue
			}
			if mv, ok := v.FindVariable(o.VariableID); ok {
				data.variables[mv.ID] = mv
			}
		}
		return nil
	})
	if err != nil {
		return studyData{}, err
	}
	if !found {
		return studyData{}, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	return data, nil
}

var plotFields = []Field{
	{Name: "plot_row_id", Type: "string"},
	{Name: "index", Type: "string", Title: "External plot index"},
	{Name: "row", Type: "integer"},
	{Name: "column", Type: "integer"},
	{Name: "rack", Type: "integer"},
	{Name: "accession", Type: "string"},
	{Name: "replicate", Type: "integer"},
	{Name: "treatment", Type: "string"},
	{Name: "width", Type: "number"},
	{Name: "length", Type: "number"},
	{Name: "sowing_date", Type: "date"},
	{Name: "harvest_date", Type: "date"},
	{Name: "comment", Type: "string"},
}

func renderPlots(data studyData) ([]byte, Resource, error) {
	header := make([]string, len(plotFields))
	for i, f := range plotFields {
		header[i] = f.Name
	}
	records := make([][]string, 0, len(data.rows))
	for _, r := range data.rows {
		p := data.plots[r.PlotID]
		records = append(records, []string{
			r.ID,
			r.Index,
			strconv.Itoa(p.Row),
			strconv.Itoa(p.Column),
			strconv.Itoa(r.Rack),
			r.Accession,
			formatInt(r.Replicate),
			r.Treatment,
			formatFloat(p.Width),
			formatFloat(p.Length),
			formatDate(p.SowingDate),
			formatDate(p.HarvestDate),
			formatString(r.Comment),
		})
	}
	payload, err := writeCSV(header, records)
	if err != nil {
		return nil, Resource{}, fmt.Errorf("render plots: %w", err)
	}
	res := newResource(PlotsResource, payload, len(records))
	res.Schema = Schema{Fields: append([]Field(nil), plotFields...), PrimaryKey: []string{"plot_row_id"}}
	return payload, res, nil
}

// renderObservations writes one line per plot row that has observations and one
// column per measured variable.
func renderObservations(data studyData) ([]byte, Resource, error) {
	vars := make([]domain.MeasuredVariable, 0, len(data.variables))
	for _, mv := range data.variables {
		vars = append(vars, mv)
	}
	sort.Slice(vars, func(i, j int) bool {
		return strings.ToLower(vars[i].Name) < strings.ToLower(vars[j].Name)
	})
	values := make(map[string]map[string]string)
	for _, o := range data.obs {
		if values[o.PlotRowID] == nil {
			values[o.PlotRowID] = make(map[string]string)
		}
		values[o.PlotRowID][o.VariableID] = o.Value
	}

	header := []string{"plot_row_id", "index"}
	fields := []Field{{Name: "plot_row_id", Type: "string"}, {Name: "index", Type: "string"}}
	columns := make([][]string, len(vars))
	var records [][]string
	for _, r := range data.rows {
		row, ok := values[r.ID]
		if !ok {
			continue
		}
		record := []string{r.ID, r.Index}
		for i, mv := range vars {
			v := row[mv.ID]
			record = append(record, v)
			if strings.TrimSpace(v) != "" {
				columns[i] = append(columns[i], v)
			}
		}
		records = append(records, record)
	}
	for i, mv := range vars {
		header = append(header, mv.Name)
		f := Field{Name: mv.Name, Type: "string", Title: mv.Trait, Unit: mv.Unit}
		if mv.Description != nil {
			f.Description = *mv.Description
		}
		if s, ok := summarise(columns[i]); ok {
			f.Type = "number"
			f.Stats = s
		}
		fields = append(fields, f)
	}

	payload, err := writeCSV(header, records)
	if err != nil {
		return nil, Resource{}, fmt.Errorf("render observations: %w", err)
	}
	res := newResource(ObservationsRes, payload, len(records))
	res.Schema = Schema{
		Fields:     fields,
		PrimaryKey: []string{"plot_row_id"},
		ForeignKeys: []ForeignKey{{
			Fields:    []string{"plot_row_id"},
			Reference: ForeignReference{Resource: PlotsResource, Fields: []string{"plot_row_id"}},
		}},
	}
	return payload, res, nil
}

// summarise returns statistics when every value is numeric.
func summarise(raw []string) (*FieldStats, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	data := make(stats.Float64Data, 0, len(raw))
	for _, v := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, false
		}
		data = append(data, f)
	}
	mean, err := stats.Mean(data)
	if err != nil {
		return nil, false
	}
	stddev, err := stats.StandardDeviation(data)
	if err != nil {
		return nil, false
	}
	lo, err := stats.Min(data)
	if err != nil {
		return nil, false
	}
	hi, err := stats.Max(data)
	if err != nil {
		return nil, false
	}
	return &FieldStats{Count: len(data), Mean: mean, StdDev: stddev, Min: lo, Max: hi}, true
}

func newResource(name string, payload []byte, rows int) Resource {
	sum := sha256.Sum256(payload)
	return Resource{
		Name:      name,
		Path:      name + ".csv",
		Profile:   profileTabularRes,
		Format:    "csv",
		MediaType: "text/csv",
		Encoding:  "utf-8",
		Bytes:     len(payload),
		Hash:      "sha256:" + hex.EncodeToString(sum[:]),
		Rows:      rows,
	}
}

func writeCSV(header []string, records [][]string) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var nameUnsafe = regexp.MustCompile(`[^a-z0-9._-]+`)

// packageName lower-cases the study name into a valid package identifier.
func packageName(title string) string {
	name := strings.Trim(nameUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if name == "" {
		return "study"
	}
	return name
}

func keywords(data studyData) []string {
	var out []string
	for _, k := range []string{data.trial.Name, data.location.Name, data.study.Season} {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatDate(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.Format("2006-01-02")
}

func formatString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
