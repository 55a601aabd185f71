package core

import (
	"context"
	"fmt"
	"strconv"

	"fieldtrials/pkg/domain"
)

// Persisted layout rules. They complement the per-upload duplicate cache by
// checking the committed state of every study a transaction touched.

// NewPlotGridRule blocks two plots at the same row and column of a study.
func NewPlotGridRule() domain.Rule { return plotGridRule{} }

// NewPlotRackRule blocks two plot rows with the same rack on one plot.
func NewPlotRackRule() domain.Rule { return plotRackRule{} }

// NewPlotIndexRule blocks two plot rows with the same external index in a study.
func NewPlotIndexRule() domain.Rule { return plotIndexRule{} }

type plotGridRule struct{}

func (plotGridRule) Name() string { return "plot_grid_unique" }

func (r plotGridRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for studyID := range touchedStudies(changes) {
		seen := make(map[[2]int]string)
		for _, p := range view.StudyPlots(studyID) {
			grid := [2]int{p.Row, p.Column}
			if first, dup := seen[grid]; dup {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("plots %s and %s share row %d, column %d in study %s", first, p.ID, p.Row, p.Column, studyID),
					Entity:   domain.EntityPlot,
					EntityID: p.ID,
				})
				continue
			}
			seen[grid] = p.ID
		}
	}
	return res, nil
}

type plotRackRule struct{}

func (plotRackRule) Name() string { return "plot_rack_unique" }

func (r plotRackRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for studyID := range touchedStudies(changes) {
		seen := make(map[string]string)
		for _, row := range view.StudyPlotRows(studyID) {
			key := row.PlotID + "#" + strconv.Itoa(row.Rack)
			if first, dup := seen[key]; dup {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("plot rows %s and %s share rack %d of plot %s", first, row.ID, row.Rack, row.PlotID),
					Entity:   domain.EntityPlotRow,
					EntityID: row.ID,
				})
				continue
			}
			seen[key] = row.ID
		}
	}
	return res, nil
}

type plotIndexRule struct{}

func (plotIndexRule) Name() string { return "plot_index_unique" }

func (r plotIndexRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for studyID := range touchedStudies(changes) {
		seen := make(map[string]string)
		for _, row := range view.StudyPlotRows(studyID) {
			if row.Index == "" {
				continue
			}
			if first, dup := seen[row.Index]; dup {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     r.Name(),
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("plot rows %s and %s share index %q in study %s", first, row.ID, row.Index, studyID),
					Entity:   domain.EntityPlotRow,
					EntityID: row.ID,
				})
				continue
			}
			seen[row.Index] = row.ID
		}
	}
	return res, nil
}
