// Package memory provides an in-memory implementation of the field-trial
// persistence store used for tests, ephemeral environments, and as the
// transactional core of the sqlite and postgres snapshot stores.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldtrials/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Programme aliases domain.Programme for in-memory persistence operations.
	Programme = domain.Programme
	// FieldTrial aliases domain.FieldTrial.
	FieldTrial = domain.FieldTrial
	// Location aliases domain.Location.
	Location = domain.Location
	// Study aliases domain.Study.
	Study = domain.Study
	// Plot aliases domain.Plot.
	Plot = domain.Plot
	// PlotRow aliases domain.PlotRow.
	PlotRow = domain.PlotRow
	// MeasuredVariable aliases domain.MeasuredVariable.
	MeasuredVariable = domain.MeasuredVariable
	// Observation aliases domain.Observation.
	Observation = domain.Observation
	// Person aliases domain.Person.
	Person = domain.Person
	// Revision aliases domain.Revision.
	Revision = domain.Revision
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// versioned lists the entity types whose superseded versions are archived.
var versioned = map[domain.EntityType]bool{
	domain.EntityProgramme:  true,
	domain.EntityFieldTrial: true,
	domain.EntityStudy:      true,
}

type memoryState struct {
	programmes   map[string]Programme
	trials       map[string]FieldTrial
	locations    map[string]Location
	studies      map[string]Study
	plots        map[string]Plot
	plotRows     map[string]PlotRow
	variables    map[string]MeasuredVariable
	observations map[string]Observation
	people       map[string]Person
	revisions    map[string][]Revision
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Programmes   map[string]Programme        `json:"programmes"`
	Trials       map[string]FieldTrial       `json:"trials"`
	Locations    map[string]Location         `json:"locations"`
	Studies      map[string]Study            `json:"studies"`
	Plots        map[string]Plot             `json:"plots"`
	PlotRows     map[string]PlotRow          `json:"plot_rows"`
	Variables    map[string]MeasuredVariable `json:"variables"`
	Observations map[string]Observation      `json:"observations"`
	People       map[string]Person           `json:"people"`
	Revisions    []Revision                  `json:"revisions"`
}

func newMemoryState() memoryState {
	return memoryState{
		programmes:   make(map[string]Programme),
		trials:       make(map[string]FieldTrial),
		locations:    make(map[string]Location),
		studies:      make(map[string]Study),
		plots:        make(map[string]Plot),
		plotRows:     make(map[string]PlotRow),
		variables:    make(map[string]MeasuredVariable),
		observations: make(map[string]Observation),
		people:       make(map[string]Person),
		revisions:    make(map[string][]Revision),
	}
}

func copyBucket[T any](dst, src map[string]T, clone func(T) T) {
	for k, v := range src {
		dst[k] = clone(v)
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	copyBucket(cloned.programmes, s.programmes, cloneProgramme)
	copyBucket(cloned.trials, s.trials, cloneFieldTrial)
	copyBucket(cloned.locations, s.locations, cloneLocation)
	copyBucket(cloned.studies, s.studies, cloneStudy)
	copyBucket(cloned.plots, s.plots, clonePlot)
	copyBucket(cloned.plotRows, s.plotRows, clonePlotRow)
	copyBucket(cloned.variables, s.variables, cloneVariable)
	copyBucket(cloned.observations, s.observations, cloneObservation)
	copyBucket(cloned.people, s.people, clonePerson)
	for k, revs := range s.revisions {
		cloned.revisions[k] = append([]Revision(nil), revs...)
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Programmes:   make(map[string]Programme, len(state.programmes)),
		Trials:       make(map[string]FieldTrial, len(state.trials)),
		Locations:    make(map[string]Location, len(state.locations)),
		Studies:      make(map[string]Study, len(state.studies)),
		Plots:        make(map[string]Plot, len(state.plots)),
		PlotRows:     make(map[string]PlotRow, len(state.plotRows)),
		Variables:    make(map[string]MeasuredVariable, len(state.variables)),
		Observations: make(map[string]Observation, len(state.observations)),
		People:       make(map[string]Person, len(state.people)),
	}
	copyBucket(s.Programmes, state.programmes, cloneProgramme)
	copyBucket(s.Trials, state.trials, cloneFieldTrial)
	copyBucket(s.Locations, state.locations, cloneLocation)
	copyBucket(s.Studies, state.studies, cloneStudy)
	copyBucket(s.Plots, state.plots, clonePlot)
	copyBucket(s.PlotRows, state.plotRows, clonePlotRow)
	copyBucket(s.Variables, state.variables, cloneVariable)
	copyBucket(s.Observations, state.observations, cloneObservation)
	copyBucket(s.People, state.people, clonePerson)
	keys := make([]string, 0, len(state.revisions))
	for k := range state.revisions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Revisions = append(s.Revisions, state.revisions[k]...)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	copyBucket(state.programmes, s.Programmes, cloneProgramme)
	copyBucket(state.trials, s.Trials, cloneFieldTrial)
	copyBucket(state.locations, s.Locations, cloneLocation)
	copyBucket(state.studies, s.Studies, cloneStudy)
	copyBucket(state.plots, s.Plots, clonePlot)
	copyBucket(state.plotRows, s.PlotRows, clonePlotRow)
	copyBucket(state.variables, s.Variables, cloneVariable)
	copyBucket(state.observations, s.Observations, cloneObservation)
	copyBucket(state.people, s.People, clonePerson)
	for _, rev := range s.Revisions {
		key := revisionKey(rev.Entity, rev.EntityID)
		state.revisions[key] = append(state.revisions[key], rev)
	}
	for k := range state.revisions {
		revs := state.revisions[k]
		sort.SliceStable(revs, func(i, j int) bool { return revs[i].SupersededAt.Before(revs[j].SupersededAt) })
	}
	return state
}

func cloneProgramme(p Programme) Programme    { return p }
func cloneFieldTrial(t FieldTrial) FieldTrial { return t }
func cloneLocation(l Location) Location       { return l }
func cloneStudy(s Study) Study {
	cp := s
	cp.ContactIDs = append([]string(nil), s.ContactIDs...)
	return cp
}
func clonePlot(p Plot) Plot                             { return p }
func clonePlotRow(r PlotRow) PlotRow                    { return r }
func cloneVariable(v MeasuredVariable) MeasuredVariable { return v }
func cloneObservation(o Observation) Observation        { return o }
func clonePerson(p Person) Person                       { return p }

func revisionKey(entity domain.EntityType, id string) string {
	return string(entity) + "/" + id
}

// Store provides an in-memory transactional store for the field-trial domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock used to stamp records. Intended for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func() time.Time { return time.Now().UTC() }
	}
	s.nowFn = fn
}

// Revisions returns the archived versions of an entity, oldest first.
func (s *Store) Revisions(entity domain.EntityType, id string) []Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Revision(nil), s.state.revisions[revisionKey(entity, id)]...)
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Changes are committed only if fn succeeds and no blocking rule fires.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func listBucket[T any](bucket map[string]T, clone func(T) T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(bucket))
	for _, v := range bucket {
		out = append(out, clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func findInBucket[T any](bucket map[string]T, id string, clone func(T) T) (T, bool) {
	v, ok := bucket[id]
	if !ok {
		var zero T
		return zero, false
	}
	return clone(v), true
}

func byName(a, b, idA, idB string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return idA < idB
	}
	return la < lb
}

// ListProgrammes returns all programmes ordered by name.
func (v transactionView) ListProgrammes() []Programme {
	return listBucket(v.state.programmes, cloneProgramme, func(a, b Programme) bool { return byName(a.Name, b.Name, a.ID, b.ID) })
}

// ListFieldTrials returns all field trials ordered by name.
func (v transactionView) ListFieldTrials() []FieldTrial {
	return listBucket(v.state.trials, cloneFieldTrial, func(a, b FieldTrial) bool { return byName(a.Name, b.Name, a.ID, b.ID) })
}

// ListLocations returns all locations ordered by name.
func (v transactionView) ListLocations() []Location {
	return listBucket(v.state.locations, cloneLocation, func(a, b Location) bool { return byName(a.Name, b.Name, a.ID, b.ID) })
}

// ListStudies returns all studies ordered by name.
func (v transactionView) ListStudies() []Study {
	return listBucket(v.state.studies, cloneStudy, func(a, b Study) bool { return byName(a.Name, b.Name, a.ID, b.ID) })
}

// ListVariables returns all measured variables ordered by name.
func (v transactionView) ListVariables() []MeasuredVariable {
	return listBucket(v.state.variables, cloneVariable, func(a, b MeasuredVariable) bool { return byName(a.Name, b.Name, a.ID, b.ID) })
}

// ListPeople returns all people ordered by name.
func (v transactionView) ListPeople() []Person {
	return listBucket(v.state.people, clonePerson, func(a, b Person) bool { return byName(a.Name, b.Name, a.ID, b.ID) })
}

func (v transactionView) FindProgramme(id string) (Programme, bool) {
	return findInBucket(v.state.programmes, id, cloneProgramme)
}

func (v transactionView) FindFieldTrial(id string) (FieldTrial, bool) {
	return findInBucket(v.state.trials, id, cloneFieldTrial)
}

func (v transactionView) FindLocation(id string) (Location, bool) {
	return findInBucket(v.state.locations, id, cloneLocation)
}

func (v transactionView) FindStudy(id string) (Study, bool) {
	return findInBucket(v.state.studies, id, cloneStudy)
}

func (v transactionView) FindPlot(id string) (Plot, bool) {
	return findInBucket(v.state.plots, id, clonePlot)
}

func (v transactionView) FindPlotRow(id string) (PlotRow, bool) {
	return findInBucket(v.state.plotRows, id, clonePlotRow)
}

func (v transactionView) FindVariable(id string) (MeasuredVariable, bool) {
	return findInBucket(v.state.variables, id, cloneVariable)
}

func (v transactionView) FindPerson(id string) (Person, bool) {
	return findInBucket(v.state.people, id, clonePerson)
}

// StudyPlots returns the plots of a study ordered by row then column.
func (v transactionView) StudyPlots(studyID string) []Plot {
	var out []Plot
	for _, p := range v.state.plots {
		if p.StudyID == studyID {
			out = append(out, clonePlot(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// StudyPlotRows returns the plot rows of a study ordered by grid position then rack.
func (v transactionView) StudyPlotRows(studyID string) []PlotRow {
	var out []PlotRow
	for _, r := range v.state.plotRows {
		if r.StudyID == studyID {
			out = append(out, clonePlotRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := v.state.plots[out[i].PlotID], v.state.plots[out[j].PlotID]
		if pi.Row != pj.Row {
			return pi.Row < pj.Row
		}
		if pi.Column != pj.Column {
			return pi.Column < pj.Column
		}
		return out[i].Rack < out[j].Rack
	})
	return out
}

// StudyObservations returns the observations of a study ordered by plot row then variable.
func (v transactionView) StudyObservations(studyID string) []Observation {
	var out []Observation
	for _, o := range v.state.observations {
		if o.StudyID == studyID {
			out = append(out, cloneObservation(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlotRowID != out[j].PlotRowID {
			return out[i].PlotRowID < out[j].PlotRowID
		}
		if out[i].VariableID != out[j].VariableID {
			return out[i].VariableID < out[j].VariableID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// transaction represents a mutation set applied to a copy of the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// archive stores the superseded version of a versioned entity.
func (tx *transaction) archive(entity domain.EntityType, id string, before any, validFrom time.Time, action domain.Action) error {
	if !versioned[entity] {
		return nil
	}
	payload, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("archive %s %q: %w", entity, id, err)
	}
	key := revisionKey(entity, id)
	tx.state.revisions[key] = append(tx.state.revisions[key], Revision{
		Entity:       entity,
		EntityID:     id,
		ValidFrom:    validFrom,
		SupersededAt: tx.now,
		Action:       action,
		Payload:      payload,
	})
	return nil
}

type entityPtr[T any] interface {
	*T
	Meta() *domain.Base
}

func label(entity domain.EntityType) string {
	return strings.ReplaceAll(string(entity), "_", " ")
}

func createRecord[T any, PT entityPtr[T]](tx *transaction, bucket map[string]T, entity domain.EntityType, v T, clone func(T) T) (T, error) {
	meta := PT(&v).Meta()
	if meta.ID == "" {
		meta.ID = tx.store.newID()
	}
	if _, exists := bucket[meta.ID]; exists {
		var zero T
		return zero, fmt.Errorf("%s %q already exists", label(entity), meta.ID)
	}
	meta.CreatedAt = tx.now
	meta.UpdatedAt = tx.now
	bucket[meta.ID] = clone(v)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionCreate, After: clone(v)})
	return clone(v), nil
}

func updateRecord[T any, PT entityPtr[T]](tx *transaction, bucket map[string]T, entity domain.EntityType, id string, mutator func(*T) error, clone func(T) T, validate func(T) error) (T, error) {
	var zero T
	current, ok := bucket[id]
	if !ok {
		return zero, fmt.Errorf("%s %q not found", label(entity), id)
	}
	before := clone(current)
	if err := mutator(&current); err != nil {
		return zero, err
	}
	if validate != nil {
		if err := validate(current); err != nil {
			return zero, err
		}
	}
	prior := PT(&before).Meta()
	meta := PT(&current).Meta()
	meta.ID = id
	meta.CreatedAt = prior.CreatedAt
	meta.UpdatedAt = tx.now
	if err := tx.archive(entity, id, before, prior.UpdatedAt, domain.ActionUpdate); err != nil {
		return zero, err
	}
	bucket[id] = clone(current)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionUpdate, Before: before, After: clone(current)})
	return clone(current), nil
}

func deleteRecord[T any, PT entityPtr[T]](tx *transaction, bucket map[string]T, entity domain.EntityType, id string, clone func(T) T) error {
	current, ok := bucket[id]
	if !ok {
		return fmt.Errorf("%s %q not found", label(entity), id)
	}
	if err := tx.archive(entity, id, current, PT(&current).Meta().UpdatedAt, domain.ActionDelete); err != nil {
		return err
	}
	delete(bucket, id)
	tx.recordChange(Change{Entity: entity, Action: domain.ActionDelete, Before: clone(current)})
	return nil
}

func requireName(entity domain.EntityType, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s name is required", label(entity))
	}
	return nil
}

// CreateProgramme stores a new programme.
func (tx *transaction) CreateProgramme(p Programme) (Programme, error) {
	if err := requireName(domain.EntityProgramme, p.Name); err != nil {
		return Programme{}, err
	}
	return createRecord(tx, tx.state.programmes, domain.EntityProgramme, p, cloneProgramme)
}

// UpdateProgramme mutates an existing programme.
func (tx *transaction) UpdateProgramme(id string, mutator func(*Programme) error) (Programme, error) {
	return updateRecord(tx, tx.state.programmes, domain.EntityProgramme, id, mutator, cloneProgramme, func(p Programme) error {
		return requireName(domain.EntityProgramme, p.Name)
	})
}

// DeleteProgramme removes a programme that no field trial references.
func (tx *transaction) DeleteProgramme(id string) error {
	for _, t := range tx.state.trials {
		if t.ProgrammeID != nil && *t.ProgrammeID == id {
			return fmt.Errorf("programme %q still referenced by field trial %q", id, t.ID)
		}
	}
	return deleteRecord(tx, tx.state.programmes, domain.EntityProgramme, id, cloneProgramme)
}

// CreateFieldTrial stores a new field trial.
func (tx *transaction) CreateFieldTrial(t FieldTrial) (FieldTrial, error) {
	if err := requireName(domain.EntityFieldTrial, t.Name); err != nil {
		return FieldTrial{}, err
	}
	return createRecord(tx, tx.state.trials, domain.EntityFieldTrial, t, cloneFieldTrial)
}

// UpdateFieldTrial mutates an existing field trial.
func (tx *transaction) UpdateFieldTrial(id string, mutator func(*FieldTrial) error) (FieldTrial, error) {
	return updateRecord(tx, tx.state.trials, domain.EntityFieldTrial, id, mutator, cloneFieldTrial, func(t FieldTrial) error {
		return requireName(domain.EntityFieldTrial, t.Name)
	})
}

// DeleteFieldTrial removes a field trial without studies.
func (tx *transaction) DeleteFieldTrial(id string) error {
	for _, s := range tx.state.studies {
		if s.FieldTrialID == id {
			return fmt.Errorf("field trial %q still referenced by study %q", id, s.ID)
		}
	}
	return deleteRecord(tx, tx.state.trials, domain.EntityFieldTrial, id, cloneFieldTrial)
}

// CreateLocation stores a new location.
func (tx *transaction) CreateLocation(l Location) (Location, error) {
	if err := requireName(domain.EntityLocation, l.Name); err != nil {
		return Location{}, err
	}
	return createRecord(tx, tx.state.locations, domain.EntityLocation, l, cloneLocation)
}

// UpdateLocation mutates an existing location.
func (tx *transaction) UpdateLocation(id string, mutator func(*Location) error) (Location, error) {
	return updateRecord(tx, tx.state.locations, domain.EntityLocation, id, mutator, cloneLocation, func(l Location) error {
		return requireName(domain.EntityLocation, l.Name)
	})
}

// DeleteLocation removes a location no study is planted at.
func (tx *transaction) DeleteLocation(id string) error {
	for _, s := range tx.state.studies {
		if s.LocationID == id {
			return fmt.Errorf("location %q still referenced by study %q", id, s.ID)
		}
	}
	return deleteRecord(tx, tx.state.locations, domain.EntityLocation, id, cloneLocation)
}

func validateStudy(s Study) error {
	if err := requireName(domain.EntityStudy, s.Name); err != nil {
		return err
	}
	if s.FieldTrialID == "" {
		return fmt.Errorf("study %q requires a field trial", s.Name)
	}
	if s.LocationID == "" {
		return fmt.Errorf("study %q requires a location", s.Name)
	}
	return nil
}

// CreateStudy stores a new study.
func (tx *transaction) CreateStudy(s Study) (Study, error) {
	if err := validateStudy(s); err != nil {
		return Study{}, err
	}
	return createRecord(tx, tx.state.studies, domain.EntityStudy, s, cloneStudy)
}

// UpdateStudy mutates an existing study, archiving its previous version.
func (tx *transaction) UpdateStudy(id string, mutator func(*Study) error) (Study, error) {
	return updateRecord(tx, tx.state.studies, domain.EntityStudy, id, mutator, cloneStudy, validateStudy)
}

// DeleteStudy removes a study that has no plots.
func (tx *transaction) DeleteStudy(id string) error {
	for _, p := range tx.state.plots {
		if p.StudyID == id {
			return fmt.Errorf("study %q still referenced by plot %q", id, p.ID)
		}
	}
	return deleteRecord(tx, tx.state.studies, domain.EntityStudy, id, cloneStudy)
}

func validatePlot(p Plot) error {
	if p.StudyID == "" {
		return fmt.Errorf("plot requires a study")
	}
	if p.Row < 1 || p.Column < 1 {
		return fmt.Errorf("plot position %d/%d must be positive", p.Row, p.Column)
	}
	return nil
}

// CreatePlot stores a new plot.
func (tx *transaction) CreatePlot(p Plot) (Plot, error) {
	if err := validatePlot(p); err != nil {
		return Plot{}, err
	}
	return createRecord(tx, tx.state.plots, domain.EntityPlot, p, clonePlot)
}

// UpdatePlot mutates an existing plot.
func (tx *transaction) UpdatePlot(id string, mutator func(*Plot) error) (Plot, error) {
	return updateRecord(tx, tx.state.plots, domain.EntityPlot, id, mutator, clonePlot, validatePlot)
}

// DeletePlot removes a plot that has no rows.
func (tx *transaction) DeletePlot(id string) error {
	for _, r := range tx.state.plotRows {
		if r.PlotID == id {
			return fmt.Errorf("plot %q still referenced by plot row %q", id, r.ID)
		}
	}
	return deleteRecord(tx, tx.state.plots, domain.EntityPlot, id, clonePlot)
}

// CreatePlotRow stores a new plot row. The study is taken from the parent plot.
func (tx *transaction) CreatePlotRow(r PlotRow) (PlotRow, error) {
	plot, ok := tx.state.plots[r.PlotID]
	if !ok {
		return PlotRow{}, fmt.Errorf("plot %q not found", r.PlotID)
	}
	if r.Rack < 1 {
		return PlotRow{}, fmt.Errorf("plot row rack %d must be positive", r.Rack)
	}
	r.StudyID = plot.StudyID
	return createRecord(tx, tx.state.plotRows, domain.EntityPlotRow, r, clonePlotRow)
}

// DeletePlotRow removes a plot row without observations.
func (tx *transaction) DeletePlotRow(id string) error {
	for _, o := range tx.state.observations {
		if o.PlotRowID == id {
			return fmt.Errorf("plot row %q still referenced by observation %q", id, o.ID)
		}
	}
	return deleteRecord(tx, tx.state.plotRows, domain.EntityPlotRow, id, clonePlotRow)
}

// CreateVariable stores a new measured variable.
func (tx *transaction) CreateVariable(v MeasuredVariable) (MeasuredVariable, error) {
	if err := requireName(domain.EntityVariable, v.Name); err != nil {
		return MeasuredVariable{}, err
	}
	return createRecord(tx, tx.state.variables, domain.EntityVariable, v, cloneVariable)
}

// UpdateVariable mutates an existing measured variable.
func (tx *transaction) UpdateVariable(id string, mutator func(*MeasuredVariable) error) (MeasuredVariable, error) {
	return updateRecord(tx, tx.state.variables, domain.EntityVariable, id, mutator, cloneVariable, func(v MeasuredVariable) error {
		return requireName(domain.EntityVariable, v.Name)
	})
}

// DeleteVariable removes a measured variable with no observations.
func (tx *transaction) DeleteVariable(id string) error {
	for _, o := range tx.state.observations {
		if o.VariableID == id {
			return fmt.Errorf("measured variable %q still referenced by observation %q", id, o.ID)
		}
	}
	return deleteRecord(tx, tx.state.variables, domain.EntityVariable, id, cloneVariable)
}

// CreateObservation stores a new observation against a plot row.
func (tx *transaction) CreateObservation(o Observation) (Observation, error) {
	row, ok := tx.state.plotRows[o.PlotRowID]
	if !ok {
		return Observation{}, fmt.Errorf("plot row %q not found", o.PlotRowID)
	}
	if _, ok := tx.state.variables[o.VariableID]; !ok {
		return Observation{}, fmt.Errorf("measured variable %q not found", o.VariableID)
	}
	o.StudyID = row.StudyID
	return createRecord(tx, tx.state.observations, domain.EntityObservation, o, cloneObservation)
}

// DeleteObservation removes an observation.
func (tx *transaction) DeleteObservation(id string) error {
	return deleteRecord(tx, tx.state.observations, domain.EntityObservation, id, cloneObservation)
}

// CreatePerson stores a new person.
func (tx *transaction) CreatePerson(p Person) (Person, error) {
	if err := requireName(domain.EntityPerson, p.Name); err != nil {
		return Person{}, err
	}
	return createRecord(tx, tx.state.people, domain.EntityPerson, p, clonePerson)
}

// UpdatePerson mutates an existing person.
func (tx *transaction) UpdatePerson(id string, mutator func(*Person) error) (Person, error) {
	return updateRecord(tx, tx.state.people, domain.EntityPerson, id, mutator, clonePerson, func(p Person) error {
		return requireName(domain.EntityPerson, p.Name)
	})
}

// DeletePerson removes a person no programme or study refers to.
func (tx *transaction) DeletePerson(id string) error {
	for _, p := range tx.state.programmes {
		if p.LeaderID != nil && *p.LeaderID == id {
			return fmt.Errorf("person %q still leads programme %q", id, p.ID)
		}
	}
	for _, s := range tx.state.studies {
		if s.CuratorID != nil && *s.CuratorID == id {
			return fmt.Errorf("person %q still curates study %q", id, s.ID)
		}
		for _, c := range s.ContactIDs {
			if c == id {
				return fmt.Errorf("person %q still a contact of study %q", id, s.ID)
			}
		}
	}
	return deleteRecord(tx, tx.state.people, domain.EntityPerson, id, clonePerson)
}
