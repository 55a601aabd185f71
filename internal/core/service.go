// Package core is the field-trial service: transactional CRUD over the domain
// entities, plot imports, data package exports, search and point-in-time reads.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrials/internal/blob"
	"fieldtrials/internal/frictionless"
	"fieldtrials/internal/importer"
	"fieldtrials/internal/infra/persistence/memory"
	"fieldtrials/pkg/domain"
)

// Service exposes higher-level transactional operations over a persistent store.
type Service struct {
	store          domain.PersistentStore
	blobs          blob.Store
	importer       *importer.Importer
	exporter       *frictionless.Exporter
	importMetrics  *importer.Metrics
	importDefaults importer.Options
	metrics        MetricsRecorder
	tracer         Tracer
	logger         zerolog.Logger
	now            func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBlobStore sets where uploads are archived and packages are written.
func WithBlobStore(store blob.Store) ServiceOption {
	return func(s *Service) { s.blobs = store }
}

// WithMetricsRecorder observes every service operation.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer wraps every service operation in a span.
func WithTracer(t Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the clock used for import and export timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithImportMetrics counts import row outcomes.
func WithImportMetrics(m *importer.Metrics) ServiceOption {
	return func(s *Service) { s.importMetrics = m }
}

// WithImportDefaults supplies the options used when an import leaves them unset.
func WithImportDefaults(opts importer.Options) ServiceOption {
	return func(s *Service) { s.importDefaults = opts }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		logger:  log.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.importer = importer.New(store,
		importer.WithBlobStore(s.blobs),
		importer.WithMetrics(s.importMetrics),
		importer.WithLogger(s.logger),
		importer.WithClock(s.now),
	)
	s.exporter = frictionless.NewExporter(store, s.blobs,
		frictionless.WithClock(s.now),
		frictionless.WithLogger(s.logger),
	)
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store. A nil
// engine selects NewDefaultRulesEngine.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Blobs returns the configured blob store, if any.
func (s *Service) Blobs() blob.Store {
	return s.blobs
}

// ErrNotFound is returned when a referenced entity does not exist.
type ErrNotFound struct {
	Entity domain.EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (s *Service) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, time.Since(started))
	if err != nil {
		s.logger.Warn().Err(err).Str("operation", operation).Msg("service operation failed")
	} else {
		s.logger.Debug().Str("operation", operation).Dur("duration", time.Since(started)).Msg("service operation")
	}
	return err
}

func mutate[T any](ctx context.Context, s *Service, operation string, fn func(domain.Transaction) (T, error)) (T, Result, error) {
	var (
		out T
		res Result
	)
	err := s.observe(ctx, operation, func(ctx context.Context) error {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			out, err = fn(tx)
			return err
		})
		return err
	})
	return out, res, err
}

func read[T any](ctx context.Context, s *Service, operation string, fn func(domain.TransactionView) (T, error)) (T, error) {
	var out T
	err := s.observe(ctx, operation, func(ctx context.Context) error {
		return s.store.View(ctx, func(v domain.TransactionView) error {
			var err error
			out, err = fn(v)
			return err
		})
	})
	return out, err
}

func find[T any](entity domain.EntityType, id string, lookup func(string) (T, bool)) (T, error) {
	v, ok := lookup(id)
	if !ok {
		return v, ErrNotFound{Entity: entity, ID: id}
	}
	return v, nil
}

// exists reports ErrNotFound for ids that do not resolve in view.
func exists(view domain.TransactionView, entity domain.EntityType, id string) error {
	var ok bool
	switch entity {
	case domain.EntityProgramme:
		_, ok = view.FindProgramme(id)
	case domain.EntityFieldTrial:
		_, ok = view.FindFieldTrial(id)
	case domain.EntityLocation:
		_, ok = view.FindLocation(id)
	case domain.EntityStudy:
		_, ok = view.FindStudy(id)
	case domain.EntityPlot:
		_, ok = view.FindPlot(id)
	case domain.EntityPlotRow:
		_, ok = view.FindPlotRow(id)
	case domain.EntityVariable:
		_, ok = view.FindVariable(id)
	case domain.EntityPerson:
		_, ok = view.FindPerson(id)
	default:
		return fmt.Errorf("unsupported entity %s", entity)
	}
	if !ok {
		return ErrNotFound{Entity: entity, ID: id}
	}
	return nil
}

type none struct{}

// CreateProgramme persists a new programme.
func (s *Service) CreateProgramme(ctx context.Context, p domain.Programme) (domain.Programme, Result, error) {
	return mutate(ctx, s, "create_programme", func(tx domain.Transaction) (domain.Programme, error) {
		return tx.CreateProgramme(p)
	})
}

// UpdateProgramme mutates a programme.
func (s *Service) UpdateProgramme(ctx context.Context, id string, mutator func(*domain.Programme) error) (domain.Programme, Result, error) {
	return mutate(ctx, s, "update_programme", func(tx domain.Transaction) (domain.Programme, error) {
		if err := exists(tx.Snapshot(), domain.EntityProgramme, id); err != nil {
			return domain.Programme{}, err
		}
		return tx.UpdateProgramme(id, mutator)
	})
}

// DeleteProgramme removes a programme.
func (s *Service) DeleteProgramme(ctx context.Context, id string) (Result, error) {
	_, res, err := mutate(ctx, s, "delete_programme", func(tx domain.Transaction) (none, error) {
		if err := exists(tx.Snapshot(), domain.EntityProgramme, id); err != nil {
			return none{}, err
		}
		return none{}, tx.DeleteProgramme(id)
	})
	return res, err
}

// GetProgramme returns one programme.
func (s *Service) GetProgramme(ctx context.Context, id string) (domain.Programme, error) {
	return read(ctx, s, "get_programme", func(v domain.TransactionView) (domain.Programme, error) {
		return find(domain.EntityProgramme, id, v.FindProgramme)
	})
}

// ListProgrammes returns programmes sorted by name.
func (s *Service) ListProgrammes(ctx context.Context) ([]domain.Programme, error) {
	return read(ctx, s, "list_programmes", func(v domain.TransactionView) ([]domain.Programme, error) {
		return v.ListProgrammes(), nil
	})
}

// CreateFieldTrial persists a new field trial.
func (s *Service) CreateFieldTrial(ctx context.Context, t domain.FieldTrial) (domain.FieldTrial, Result, error) {
	return mutate(ctx, s, "create_field_trial", func(tx domain.Transaction) (domain.FieldTrial, error) {
		return tx.CreateFieldTrial(t)
	})
}

// UpdateFieldTrial mutates a field trial, keeping its previous version.
func (s *Service) UpdateFieldTrial(ctx context.Context, id string, mutator func(*domain.FieldTrial) error) (domain.FieldTrial, Result, error) {
	return mutate(ctx, s, "update_field_trial", func(tx domain.Transaction) (domain.FieldTrial, error) {
		if err := exists(tx.Snapshot(), domain.EntityFieldTrial, id); err != nil {
			return domain.FieldTrial{}, err
		}
		return tx.UpdateFieldTrial(id, mutator)
	})
}

// DeleteFieldTrial removes a field trial without studies.
func (s *Service) DeleteFieldTrial(ctx context.Context, id string) (Result, error) {
	_, res, err := mutate(ctx, s, "delete_field_trial", func(tx domain.Transaction) (none, error) {
		if err := exists(tx.Snapshot(), domain.EntityFieldTrial, id); err != nil {
			return none{}, err
		}
		return none{}, tx.DeleteFieldTrial(id)
	})
	return res, err
}

// GetFieldTrial returns one field trial.
func (s *Service) GetFieldTrial(ctx context.Context, id string) (domain.FieldTrial, error) {
	return read(ctx, s, "get_field_trial", func(v domain.TransactionView) (domain.FieldTrial, error) {
		return find(domain.EntityFieldTrial, id, v.FindFieldTrial)
	})
}

// ListFieldTrials returns field trials sorted by name.
func (s *Service) ListFieldTrials(ctx context.Context) ([]domain.FieldTrial, error) {
	return read(ctx, s, "list_field_trials", func(v domain.TransactionView) ([]domain.FieldTrial, error) {
		return v.ListFieldTrials(), nil
	})
}

// CreateLocation persists a new location.
func (s *Service) CreateLocation(ctx context.Context, l domain.Location) (domain.Location, Result, error) {
	return mutate(ctx, s, "create_location", func(tx domain.Transaction) (domain.Location, error) {
		return tx.CreateLocation(l)
	})
}

// UpdateLocation mutates a location.
func (s *Service) UpdateLocation(ctx context.Context, id string, mutator func(*domain.Location) error) (domain.Location, Result, error) {
	return mutate(ctx, s, "update_location", func(tx domain.Transaction) (domain.Location, error) {
		if err := exists(tx.Snapshot(), domain.EntityLocation, id); err != nil {
			return domain.Location{}, err
		}
		return tx.UpdateLocation(id, mutator)
	})
}

// DeleteLocation removes a location.
func (s *Service) DeleteLocation(ctx context.Context, id string) (Result, error) {
	_, res, err := mutate(ctx, s, "delete_location", func(tx domain.Transaction) (none, error) {
		if err := exists(tx.Snapshot(), domain.EntityLocation, id); err != nil {
			return none{}, err
		}
		return none{}, tx.DeleteLocation(id)
	})
	return res, err
}

// GetLocation returns one location.
func (s *Service) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	return read(ctx, s, "get_location", func(v domain.TransactionView) (domain.Location, error) {
		return find(domain.EntityLocation, id, v.FindLocation)
	})
}

// ListLocations returns locations sorted by name.
func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return read(ctx, s, "list_locations", func(v domain.TransactionView) ([]domain.Location, error) {
		return v.ListLocations(), nil
	})
}

// CreateStudy persists a new study.
func (s *Service) CreateStudy(ctx context.Context, st domain.Study) (domain.Study, Result, error) {
	return mutate(ctx, s, "create_study", func(tx domain.Transaction) (domain.Study, error) {
		return tx.CreateStudy(st)
	})
}

// UpdateStudy mutates a study, keeping its previous version.
func (s *Service) UpdateStudy(ctx context.Context, id string, mutator func(*domain.Study) error) (domain.Study, Result, error) {
	return mutate(ctx, s, "update_study", func(tx domain.Transaction) (domain.Study, error) {
		if err := exists(tx.Snapshot(), domain.EntityStudy, id); err != nil {
			return domain.Study{}, err
		}
		return tx.UpdateStudy(id, mutator)
	})
}

// DeleteStudy removes a study without plots.
func (s *Service) DeleteStudy(ctx context.Context, id string) (Result, error) {
	_, res, err := mutate(ctx, s, "delete_study", func(tx domain.Transaction) (none, error) {
		if err := exists(tx.Snapshot(), domain.EntityStudy, id); err != nil {
			return none{}, err
		}
		return none{}, tx.DeleteStudy(id)
	})
	return res, err
}

// GetStudy returns one study.
func (s *Service) GetStudy(ctx context.Context, id string) (domain.Study, error) {
	return read(ctx, s, "get_study", func(v domain.TransactionView) (domain.Study, error) {
		return find(domain.EntityStudy, id, v.FindStudy)
	})
}

// ListStudies returns studies sorted by name.
func (s *Service) ListStudies(ctx context.Context) ([]domain.Study, error) {
	return read(ctx, s, "list_studies", func(v domain.TransactionView) ([]domain.Study, error) {
		return v.ListStudies(), nil
	})
}

// CreateVariable persists a new measured variable.
func (s *Service) CreateVariable(ctx context.Context, mv domain.MeasuredVariable) (domain.MeasuredVariable, Result, error) {
	return mutate(ctx, s, "create_variable", func(tx domain.Transaction) (domain.MeasuredVariable, error) {
		return tx.CreateVariable(mv)
	})
}

// UpdateVariable mutates a measured variable.
func (s *Service) UpdateVariable(ctx context.Context, id string, mutator func(*domain.MeasuredVariable) error) (domain.MeasuredVariable, Result, error) {
	return mutate(ctx, s, "update_variable", func(tx domain.Transaction) (domain.MeasuredVariable, error) {
		if err := exists(tx.Snapshot(), domain.EntityVariable, id); err != nil {
			return domain.MeasuredVariable{}, err
		}
		return tx.UpdateVariable(id, mutator)
	})
}

// DeleteVariable removes a measured variable without observations.
func (s *Service) DeleteVariable(ctx context.Context, id string) (Result, error) {
	_, res, err := mutate(ctx, s, "delete_variable", func(tx domain.Transaction) (none, error) {
		if err := exists(tx.Snapshot(), domain.EntityVariable, id); err != nil {
			return none{}, err
		}
		return none{}, tx.DeleteVariable(id)
	})
	return res, err
}

// GetVariable returns one measured variable.
func (s *Service) GetVariable(ctx context.Context, id string) (domain.MeasuredVariable, error) {
	return read(ctx, s, "get_variable", func(v domain.TransactionView) (domain.MeasuredVariable, error) {
		return find(domain.EntityVariable, id, v.FindVariable)
	})
}

// ListVariables returns measured variables sorted by name.
func (s *Service) ListVariables(ctx context.Context) ([]domain.MeasuredVariable, error) {
	return read(ctx, s, "list_variables", func(v domain.TransactionView) ([]domain.MeasuredVariable, error) {
		return v.ListVariables(), nil
	})
}

// CreatePerson persists a new person.
func (s *Service) CreatePerson(ctx context.Context, p domain.Person) (domain.Person, Result, error) {
	return mutate(ctx, s, "create_person", func(tx domain.Transaction) (domain.Person, error) {
		return tx.CreatePerson(p)
	})
}

// UpdatePerson mutates a person.
func (s *Service) UpdatePerson(ctx context.Context, id string, mutator func(*domain.Person) error) (domain.Person, Result, error) {
	return mutate(ctx, s, "update_person", func(tx domain.Transaction) (domain.Person, error) {
		if err := exists(tx.Snapshot(), domain.EntityPerson, id); err != nil {
			return domain.Person{}, err
		}
		return tx.UpdatePerson(id, mutator)
	})
}

// DeletePerson removes a person.
func (s *Service) DeletePerson(ctx context.Context, id string) (Result, error) {
	_, res, err := mutate(ctx, s, "delete_person", func(tx domain.Transaction) (none, error) {
		if err := exists(tx.Snapshot(), domain.EntityPerson, id); err != nil {
			return none{}, err
		}
		return none{}, tx.DeletePerson(id)
	})
	return res, err
}

// GetPerson returns one person.
func (s *Service) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	return read(ctx, s, "get_person", func(v domain.TransactionView) (domain.Person, error) {
		return find(domain.EntityPerson, id, v.FindPerson)
	})
}

// ListPeople returns people sorted by name.
func (s *Service) ListPeople(ctx context.Context) ([]domain.Person, error) {
	return read(ctx, s, "list_people", func(v domain.TransactionView) ([]domain.Person, error) {
		return v.ListPeople(), nil
	})
}

// UpdatePlot mutates a plot's dimensions, dates or comment.
func (s *Service) UpdatePlot(ctx context.Context, id string, mutator func(*domain.Plot) error) (domain.Plot, Result, error) {
	return mutate(ctx, s, "update_plot", func(tx domain.Transaction) (domain.Plot, error) {
		if err := exists(tx.Snapshot(), domain.EntityPlot, id); err != nil {
			return domain.Plot{}, err
		}
		return tx.UpdatePlot(id, mutator)
	})
}

// StudyPlots returns the plots of a study ordered by row then column.
func (s *Service) StudyPlots(ctx context.Context, studyID string) ([]domain.Plot, error) {
	return read(ctx, s, "study_plots", func(v domain.TransactionView) ([]domain.Plot, error) {
		if err := exists(v, domain.EntityStudy, studyID); err != nil {
			return nil, err
		}
		return v.StudyPlots(studyID), nil
	})
}

// StudyPlotRows returns the plot rows of a study in grid order.
func (s *Service) StudyPlotRows(ctx context.Context, studyID string) ([]domain.PlotRow, error) {
	return read(ctx, s, "study_plot_rows", func(v domain.TransactionView) ([]domain.PlotRow, error) {
		if err := exists(v, domain.EntityStudy, studyID); err != nil {
			return nil, err
		}
		return v.StudyPlotRows(studyID), nil
	})
}

// StudyObservations returns the observations recorded for a study.
func (s *Service) StudyObservations(ctx context.Context, studyID string) ([]domain.Observation, error) {
	return read(ctx, s, "study_observations", func(v domain.TransactionView) ([]domain.Observation, error) {
		if err := exists(v, domain.EntityStudy, studyID); err != nil {
			return nil, err
		}
		return v.StudyObservations(studyID), nil
	})
}

// RecordObservation stores a value for a plot row and measured variable.
func (s *Service) RecordObservation(ctx context.Context, o domain.Observation) (domain.Observation, Result, error) {
	return mutate(ctx, s, "record_observation", func(tx domain.Transaction) (domain.Observation, error) {
		view := tx.Snapshot()
		if err := exists(view, domain.EntityPlotRow, o.PlotRowID); err != nil {
			return domain.Observation{}, err
		}
		if err := exists(view, domain.EntityVariable, o.VariableID); err != nil {
			return domain.Observation{}, err
		}
		if o.RecordedAt == nil {
			at := s.now()
			o.RecordedAt = &at
		}
		return tx.CreateObservation(o)
	})
}

// DeleteStudyPlots removes every observation, plot row and plot of a study and
// clears its import timestamp, so the layout can be imported again. It returns
// the number of plot rows removed.
func (s *Service) DeleteStudyPlots(ctx context.Context, studyID string) (int, Result, error) {
	return mutate(ctx, s, "delete_study_plots", func(tx domain.Transaction) (int, error) {
		view := tx.Snapshot()
		if err := exists(view, domain.EntityStudy, studyID); err != nil {
			return 0, err
		}
		for _, o := range view.StudyObservations(studyID) {
			if err := tx.DeleteObservation(o.ID); err != nil {
				return 0, err
			}
		}
		rows := view.StudyPlotRows(studyID)
		for _, r := range rows {
			if err := tx.DeletePlotRow(r.ID); err != nil {
				return 0, err
			}
		}
		for _, p := range view.StudyPlots(studyID) {
			if err := tx.DeletePlot(p.ID); err != nil {
				return 0, err
			}
		}
		_, err := tx.UpdateStudy(studyID, func(st *domain.Study) error {
			st.PlotsImported = nil
			st.PlotRows, st.PlotColumns = 0, 0
			return nil
		})
		return len(rows), err
	})
}
