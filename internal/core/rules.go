package core

import "fieldtrials/pkg/domain"

type (
	Rule        = domain.Rule
	RulesEngine = domain.RulesEngine
	Result      = domain.Result
	Change      = domain.Change
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewStudyReferencesRule())
	engine.Register(NewPlotGridRule())
	engine.Register(NewPlotRackRule())
	engine.Register(NewPlotIndexRule())
	engine.Register(NewVariableNameRule())
	return engine
}

// touchedStudies collects the studies whose plots, plot rows or observations
// changed in a transaction.
func touchedStudies(changes []Change) map[string]struct{} {
	out := make(map[string]struct{})
	add := func(v any) {
		switch e := v.(type) {
		case domain.Plot:
			out[e.StudyID] = struct{}{}
		case domain.PlotRow:
			out[e.StudyID] = struct{}{}
		case domain.Observation:
			out[e.StudyID] = struct{}{}
		}
	}
	for _, c := range changes {
		add(c.After)
		add(c.Before)
	}
	delete(out, "")
	return out
}
