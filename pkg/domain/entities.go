// Package domain defines the persistent field-trial entities, value types, and
// rule evaluation primitives used by fieldtrials.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityProgramme identifies a breeding or research programme.
	EntityProgramme EntityType = "programme"
	// EntityFieldTrial identifies a field trial grouping studies.
	EntityFieldTrial EntityType = "field_trial"
	// EntityLocation identifies a trial site.
	EntityLocation EntityType = "location"
	// EntityStudy identifies a study (one trial at one location and season).
	EntityStudy EntityType = "study"
	// EntityPlot identifies a grid cell within a study.
	EntityPlot EntityType = "plot"
	// EntityPlotRow identifies a rack-level sample unit within a plot.
	EntityPlotRow     EntityType = "plot_row"
	EntityVariable    EntityType = "measured_variable"
	EntityObservation EntityType = "observation"
	EntityPerson      EntityType = "person"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Programme groups field trials run by one team towards a shared objective.
type Programme struct {
	Base
	Name         string  `json:"name"`
	Abbreviation string  `json:"abbreviation,omitempty"`
	Objective    *string `json:"objective,omitempty"`
	Crop         string  `json:"crop,omitempty"`
	LeaderID     *string `json:"leader_id"`
	URL          string  `json:"url,omitempty"`
}

// FieldTrial is a named collection of studies.
type FieldTrial struct {
	Base
	Name        string  `json:"name"`
	Team        string  `json:"team"`
	ProgrammeID *string `json:"programme_id"`
}

// Location captures a trial site.
type Location struct {
	Base
	Name      string   `json:"name"`
	Address   string   `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Study is one field trial planted at one location for one season.
type Study struct {
	Base
	Name          string     `json:"name"`
	FieldTrialID  string     `json:"field_trial_id"`
	LocationID    string     `json:"location_id"`
	Description   *string    `json:"description,omitempty"`
	Season        string     `json:"season,omitempty"`
	Design        string     `json:"design,omitempty"`
	SowingDate    *time.Time `json:"sowing_date,omitempty"`
	HarvestDate   *time.Time `json:"harvest_date,omitempty"`
	PlotWidth     *float64   `json:"plot_width,omitempty"`
	PlotLength    *float64   `json:"plot_length,omitempty"`
	ContactIDs    []string   `json:"contact_ids"`
	CuratorID     *string    `json:"curator_id"`
	PlotColumns   int        `json:"plot_columns,omitempty"`
	PlotRows      int        `json:"plot_rows,omitempty"`
	PlotsImported *time.Time `json:"plots_imported_at,omitempty"`
}

// Plot is a physical grid cell (row, column) within a study.
type Plot struct {
	Base
	StudyID     string     `json:"study_id"`
	Row         int        `json:"row"`
	Column      int        `json:"column"`
	Width       *float64   `json:"width,omitempty"`
	Length      *float64   `json:"length,omitempty"`
	SowingDate  *time.Time `json:"sowing_date,omitempty"`
	HarvestDate *time.Time `json:"harvest_date,omitempty"`
	Comment     *string    `json:"comment,omitempty"`
}

// PlotRow is one sample unit at a plot, distinguished by rack.
type PlotRow struct {
	Base
	PlotID    string  `json:"plot_id"`
	StudyID   string  `json:"study_id"`
	Rack      int     `json:"rack"`
	Index     string  `json:"index"`
	Accession string  `json:"accession,omitempty"`
	Replicate *int    `json:"replicate,omitempty"`
	Treatment string  `json:"treatment,omitempty"`
	Comment   *string `json:"comment,omitempty"`
}

// MeasuredVariable describes a phenotype that can be recorded against plot rows.
type MeasuredVariable struct {
	Base
	Name        string  `json:"name"`
	Trait       string  `json:"trait"`
	Method      string  `json:"method,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Observation is a single phenotype value recorded for a plot row.
type Observation struct {
	Base
	PlotRowID  string     `json:"plot_row_id"`
	StudyID    string     `json:"study_id"`
	VariableID string     `json:"variable_id"`
	Value      string     `json:"value"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

// Person is a contact attached to programmes and studies.
type Person struct {
	Base
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	Organisation string `json:"organisation,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
