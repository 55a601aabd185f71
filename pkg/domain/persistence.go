package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Meta exposes the embedded Base of any entity to generic persistence helpers.
func (b *Base) Meta() *Base { return b }

// Revision is a superseded version of an entity kept for point-in-time lookups.
type Revision struct {
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id"`
	// ValidFrom is the UpdatedAt of the archived version.
	ValidFrom time.Time `json:"valid_from"`
	// SupersededAt is when the version was replaced or deleted.
	SupersededAt time.Time       `json:"superseded_at"`
	Action       Action          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateProgramme(Programme) (Programme, error)
	UpdateProgramme(id string, mutator func(*Programme) error) (Programme, error)
	DeleteProgramme(id string) error
	CreateFieldTrial(FieldTrial) (FieldTrial, error)
	UpdateFieldTrial(id string, mutator func(*FieldTrial) error) (FieldTrial, error)
	DeleteFieldTrial(id string) error
	CreateLocation(Location) (Location, error)
	UpdateLocation(id string, mutator func(*Location) error) (Location, error)
	DeleteLocation(id string) error
	CreateStudy(Study) (Study, error)
	UpdateStudy(id string, mutator func(*Study) error) (Study, error)
	DeleteStudy(id string) error
	CreatePlot(Plot) (Plot, error)
	UpdatePlot(id string, mutator func(*Plot) error) (Plot, error)
	DeletePlot(id string) error
	CreatePlotRow(PlotRow) (PlotRow, error)
	DeletePlotRow(id string) error
	CreateVariable(MeasuredVariable) (MeasuredVariable, error)
	UpdateVariable(id string, mutator func(*MeasuredVariable) error) (MeasuredVariable, error)
	DeleteVariable(id string) error
	CreateObservation(Observation) (Observation, error)
	DeleteObservation(id string) error
	CreatePerson(Person) (Person, error)
	UpdatePerson(id string, mutator func(*Person) error) (Person, error)
	DeletePerson(id string) error
}

// TransactionView provides read-only access to snapshot data for rules and readers.
type TransactionView interface {
	ListProgrammes() []Programme
	ListFieldTrials() []FieldTrial
	ListLocations() []Location
	ListStudies() []Study
	ListVariables() []MeasuredVariable
	ListPeople() []Person
	FindProgramme(id string) (Programme, bool)
	FindFieldTrial(id string) (FieldTrial, bool)
	FindLocation(id string) (Location, bool)
	FindStudy(id string) (Study, bool)
	FindPlot(id string) (Plot, bool)
	FindPlotRow(id string) (PlotRow, bool)
	FindVariable(id string) (MeasuredVariable, bool)
	FindPerson(id string) (Person, bool)
	// StudyPlots returns the plots of a study ordered by row then column.
	StudyPlots(studyID string) []Plot
	// StudyPlotRows returns the plot rows of a study ordered by plot then rack.
	StudyPlotRows(studyID string) []PlotRow
	// StudyObservations returns the observations recorded for a study.
	StudyObservations(studyID string) []Observation
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Revisions(entity EntityType, id string) []Revision
}
