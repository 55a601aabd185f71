package core_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"fieldtrials/internal/blob"
	"fieldtrials/internal/config"
	"fieldtrials/internal/core"
	"fieldtrials/internal/importer"
	"fieldtrials/internal/infra/persistence/memory"
	"fieldtrials/pkg/domain"
)

func newService(t *testing.T, opts ...core.ServiceOption) *core.Service {
	t.Helper()
	opts = append([]core.ServiceOption{core.WithLogger(zerolog.Nop())}, opts...)
	return core.NewInMemoryService(nil, opts...)
}

type seeded struct {
	trial    domain.FieldTrial
	location domain.Location
	study    domain.Study
}

func seedStudy(t *testing.T, svc *core.Service) seeded {
	t.Helper()
	ctx := context.Background()
	var s seeded
	var err error
	if s.trial, _, err = svc.CreateFieldTrial(ctx, domain.FieldTrial{Name: "Winter wheat", Team: "Cereals"}); err != nil {
		t.Fatalf("create trial: %v", err)
	}
	if s.location, _, err = svc.CreateLocation(ctx, domain.Location{Name: "Broadbalk"}); err != nil {
		t.Fatalf("create location: %v", err)
	}
	if s.study, _, err = svc.CreateStudy(ctx, domain.Study{Name: "WW 2024", FieldTrialID: s.trial.ID, LocationID: s.location.ID, Season: "2024"}); err != nil {
		t.Fatalf("create study: %v", err)
	}
	return s
}

func TestCRUDLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	s := seedStudy(t, svc)

	got, err := svc.GetStudy(ctx, s.study.ID)
	if err != nil || got.Name != "WW 2024" {
		t.Fatalf("get study: %+v %v", got, err)
	}
	studies, err := svc.ListStudies(ctx)
	if err != nil || len(studies) != 1 {
		t.Fatalf("list studies: %v %v", studies, err)
	}

	updated, _, err := svc.UpdateStudy(ctx, s.study.ID, func(st *domain.Study) error {
		st.Design = "RCBD"
		return nil
	})
	if err != nil || updated.Design != "RCBD" {
		t.Fatalf("update study: %+v %v", updated, err)
	}
	revs, err := svc.Revisions(ctx, domain.EntityStudy, s.study.ID)
	if err != nil || len(revs) != 1 || revs[0].Action != domain.ActionUpdate {
		t.Fatalf("expected one update revision, got %+v %v", revs, err)
	}

	if _, err := svc.DeleteFieldTrial(ctx, s.trial.ID); err == nil || !strings.Contains(err.Error(), "still referenced") {
		t.Fatalf("expected reference guard, got %v", err)
	}
	if _, err := svc.DeleteStudy(ctx, s.study.ID); err != nil {
		t.Fatalf("delete study: %v", err)
	}
	var nf core.ErrNotFound
	if _, err := svc.GetStudy(ctx, s.study.ID); !errors.As(err, &nf) || nf.Entity != domain.EntityStudy {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.UpdateStudy(ctx, s.study.ID, func(*domain.Study) error { return nil }); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	if _, err := svc.DeletePerson(ctx, "nobody"); !errors.As(err, &nf) || nf.Entity != domain.EntityPerson {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestEntityCRUD(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	leader, _, err := svc.CreatePerson(ctx, domain.Person{Name: "Ada", Organisation: "RRes"})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	prog, _, err := svc.CreateProgramme(ctx, domain.Programme{Name: "Designing Future Wheat", LeaderID: &leader.ID})
	if err != nil {
		t.Fatalf("create programme: %v", err)
	}
	if _, _, err := svc.UpdateProgramme(ctx, prog.ID, func(p *domain.Programme) error { p.Crop = "wheat"; return nil }); err != nil {
		t.Fatalf("update programme: %v", err)
	}
	if _, err := svc.DeletePerson(ctx, leader.ID); err == nil || !strings.Contains(err.Error(), "still leads") {
		t.Fatalf("expected leader guard, got %v", err)
	}
	mv, _, err := svc.CreateVariable(ctx, domain.MeasuredVariable{Name: "Height", Trait: "Plant height"})
	if err != nil {
		t.Fatalf("create variable: %v", err)
	}
	if _, _, err := svc.UpdateVariable(ctx, mv.ID, func(v *domain.MeasuredVariable) error { v.Unit = "cm"; return nil }); err != nil {
		t.Fatalf("update variable: %v", err)
	}
	loc, _, err := svc.CreateLocation(ctx, domain.Location{Name: "Woburn"})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	if _, _, err := svc.UpdateLocation(ctx, loc.ID, func(l *domain.Location) error { l.Address = "Bedfordshire"; return nil }); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if _, _, err := svc.UpdatePerson(ctx, leader.ID, func(p *domain.Person) error { p.Role = "PI"; return nil }); err != nil {
		t.Fatalf("update person: %v", err)
	}

	programmes, _ := svc.ListProgrammes(ctx)
	variables, _ := svc.ListVariables(ctx)
	people, _ := svc.ListPeople(ctx)
	locations, _ := svc.ListLocations(ctx)
	if len(programmes) != 1 || programmes[0].Crop != "wheat" || len(variables) != 1 || variables[0].Unit != "cm" || len(people) != 1 || len(locations) != 1 {
		t.Fatalf("unexpected listings %v %v %v %v", programmes, variables, people, locations)
	}
	if p, err := svc.GetPerson(ctx, leader.ID); err != nil || p.Role != "PI" {
		t.Fatalf("get person: %+v %v", p, err)
	}
	if _, err := svc.DeleteProgramme(ctx, prog.ID); err != nil {
		t.Fatalf("delete programme: %v", err)
	}
	if _, err := svc.DeletePerson(ctx, leader.ID); err != nil {
		t.Fatalf("delete person: %v", err)
	}
	if _, err := svc.DeleteVariable(ctx, mv.ID); err != nil {
		t.Fatalf("delete variable: %v", err)
	}
	if _, err := svc.DeleteLocation(ctx, loc.ID); err != nil {
		t.Fatalf("delete location: %v", err)
	}
	if _, err := svc.GetProgramme(ctx, prog.ID); err == nil {
		t.Fatalf("expected deleted programme to be gone")
	}
}

func TestImportExportAndReset(t *testing.T) {
	blobs := blob.NewMemory()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	importMetrics := importer.NewMetrics(prometheus.NewRegistry())
	svc := newService(t,
		core.WithBlobStore(blobs),
		core.WithClock(func() time.Time { return at }),
		core.WithImportMetrics(importMetrics),
		core.WithImportDefaults(core.ImportOptions(config.Config{IndexColumn: "plot"})),
	)
	ctx := context.Background()
	s := seedStudy(t, svc)
	if _, _, err := svc.CreateVariable(ctx, domain.MeasuredVariable{Name: "yield", Trait: "Grain yield", Unit: "t/ha"}); err != nil {
		t.Fatalf("create variable: %v", err)
	}

	body := "plot,row,column,rack,yield\n101,1,1,1,7.5\n102,1,2,1,8.1\n101,2,1,1,6.0\n"
	report, err := svc.ImportUpload(ctx, s.study.ID, "layout.csv", strings.NewReader(body), importer.Options{JobID: "j1"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.Accepted != 2 || len(report.Errors) != 1 || report.Errors[0].Column != "plot" || report.Errors[0].Row != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.ArchiveKey != "uploads/"+s.study.ID+"/j1/layout.csv" {
		t.Fatalf("unexpected archive key %q", report.ArchiveKey)
	}
	rows, err := svc.StudyPlotRows(ctx, s.study.ID)
	if err != nil || len(rows) != 2 {
		t.Fatalf("plot rows: %v %v", rows, err)
	}
	obs, _ := svc.StudyObservations(ctx, s.study.ID)
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if got := testutil.ToFloat64(importMetrics.Rows().WithLabelValues("duplicate_index")); got != 1 {
		t.Fatalf("expected 1 duplicate index, got %v", got)
	}

	pkg, err := svc.ExportStudy(ctx, s.study.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(pkg.Keys) != 3 || !strings.HasPrefix(pkg.Keys[0], "packages/"+s.study.ID+"/20240501T090000Z-") {
		t.Fatalf("unexpected package keys %v", pkg.Keys)
	}
	if pkg.Resources[1].Schema.Fields[2].Stats == nil {
		t.Fatalf("expected yield statistics")
	}

	removed, _, err := svc.DeleteStudyPlots(ctx, s.study.ID)
	if err != nil || removed != 2 {
		t.Fatalf("delete study plots: %d %v", removed, err)
	}
	study, _ := svc.GetStudy(ctx, s.study.ID)
	if study.PlotsImported != nil || study.PlotRows != 0 {
		t.Fatalf("import state not cleared: %+v", study)
	}
	plots, _ := svc.StudyPlots(ctx, s.study.ID)
	if len(plots) != 0 {
		t.Fatalf("expected no plots, got %d", len(plots))
	}
	again, err := svc.ImportUpload(ctx, s.study.ID, "layout.csv", strings.NewReader(body), importer.Options{JobID: "j2"})
	if err != nil || again.Accepted != 2 {
		t.Fatalf("re-import: %+v %v", again, err)
	}
}

func TestImportKeepsValidRowsBesideReformattedDuplicates(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	s := seedStudy(t, svc)

	body := "index,row,column\nP1,1,1\nP2,01,1\nP3,2,2\n"
	report, err := svc.ImportUpload(ctx, s.study.ID, "plots.csv", strings.NewReader(body), importer.Options{})
	if err != nil {
		t.Fatalf("import must not abort: %v", err)
	}
	if !report.Committed || report.Accepted != 2 || len(report.Errors) != 1 || report.Errors[0].Row != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	rows, err := svc.StudyPlotRows(ctx, s.study.ID)
	if err != nil || len(rows) != 2 {
		t.Fatalf("expected rows P1 and P3, got %+v %v", rows, err)
	}
}

func TestImportUnknownStudy(t *testing.T) {
	svc := newService(t)
	sheet, err := importer.ReadSheet("a.csv", strings.NewReader("index,row,column\n1,1,1\n"), "index")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var nf core.ErrNotFound
	if _, err := svc.ImportPlots(context.Background(), "missing", sheet, importer.Options{}); !errors.As(err, &nf) || nf.Entity != domain.EntityStudy {
		t.Fatalf("expected study ErrNotFound, got %v", err)
	}
	if _, err := svc.ExportStudy(context.Background(), "missing"); err == nil {
		t.Fatalf("expected export error without blob store")
	}
	if _, err := svc.StudyPlots(context.Background(), "missing"); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound for plots, got %v", err)
	}
}

func TestRecordObservation(t *testing.T) {
	at := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	svc := newService(t, core.WithClock(func() time.Time { return at }))
	ctx := context.Background()
	s := seedStudy(t, svc)
	mv, _, _ := svc.CreateVariable(ctx, domain.MeasuredVariable{Name: "lodging"})
	sheet, _ := importer.ReadSheet("a.csv", strings.NewReader("index,row,column\nA,1,1\n"), "index")
	if _, err := svc.ImportPlots(ctx, s.study.ID, sheet, importer.Options{}); err != nil {
		t.Fatalf("import: %v", err)
	}
	rows, _ := svc.StudyPlotRows(ctx, s.study.ID)
	o, _, err := svc.RecordObservation(ctx, domain.Observation{PlotRowID: rows[0].ID, VariableID: mv.ID, Value: "3"})
	if err != nil || o.StudyID != s.study.ID || o.RecordedAt == nil || !o.RecordedAt.Equal(at) {
		t.Fatalf("record observation: %+v %v", o, err)
	}
	var nf core.ErrNotFound
	if _, _, err := svc.RecordObservation(ctx, domain.Observation{PlotRowID: "nope", VariableID: mv.ID}); !errors.As(err, &nf) || nf.Entity != domain.EntityPlotRow {
		t.Fatalf("expected plot row ErrNotFound, got %v", err)
	}
	plots, _ := svc.StudyPlots(ctx, s.study.ID)
	width := 1.2
	if p, _, err := svc.UpdatePlot(ctx, plots[0].ID, func(p *domain.Plot) error { p.Width = &width; return nil }); err != nil || *p.Width != 1.2 {
		t.Fatalf("update plot: %+v %v", p, err)
	}
}

func TestObservability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := core.NewPrometheusMetricsRecorder(reg)
	tracer := core.NewLogTracer(zerolog.Nop(), 2)
	svc := newService(t, core.WithMetricsRecorder(metrics), core.WithTracer(tracer))
	ctx := context.Background()

	if _, _, err := svc.CreateLocation(ctx, domain.Location{Name: "Site"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.GetLocation(ctx, "missing"); err == nil {
		t.Fatalf("expected missing location")
	}
	if _, err := svc.ListLocations(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := testutil.ToFloat64(metrics.Operations().WithLabelValues("create_location", "success")); got != 1 {
		t.Fatalf("expected 1 successful create, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Operations().WithLabelValues("get_location", "error")); got != 1 {
		t.Fatalf("expected 1 failed get, got %v", got)
	}
	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Operation != "get_location" || entries[0].Status != "error" || entries[1].Operation != "list_locations" {
		t.Fatalf("unexpected retained spans %+v", entries)
	}
}

func TestOpenPersistentStore(t *testing.T) {
	ctx := context.Background()
	store, closeFn, err := core.OpenPersistentStore(ctx, config.Config{Storage: config.StorageMemory}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	_ = closeFn()

	path := filepath.Join(t.TempDir(), "trials.db")
	store, closeFn, err = core.OpenPersistentStore(ctx, config.Config{Storage: config.StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	svc := core.NewService(store, core.WithLogger(zerolog.Nop()))
	seedStudy(t, svc)
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, closeFn, err = core.OpenPersistentStore(ctx, config.Config{Storage: config.StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer func() { _ = closeFn() }()
	studies, err := core.NewService(store, core.WithLogger(zerolog.Nop())).ListStudies(ctx)
	if err != nil || len(studies) != 1 {
		t.Fatalf("expected persisted study, got %v %v", studies, err)
	}

	if _, _, err := core.OpenPersistentStore(ctx, config.Config{Storage: "redis"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
