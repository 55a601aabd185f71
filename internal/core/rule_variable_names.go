package core

import (
	"context"
	"fmt"
	"strings"

	"fieldtrials/pkg/domain"
)

// NewVariableNameRule blocks measured variables whose names differ only in case.
// Import columns are matched to variables by name, so names must be unique.
func NewVariableNameRule() domain.Rule {
	return variableNameRule{}
}

type variableNameRule struct{}

func (variableNameRule) Name() string { return "variable_name_unique" }

func (r variableNameRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	relevant := false
	for _, c := range changes {
		if c.Entity == domain.EntityVariable && c.Action != domain.ActionDelete {
			relevant = true
			break
		}
	}
	if !relevant {
		return res, nil
	}
	seen := make(map[string]string)
	for _, mv := range view.ListVariables() {
		key := strings.ToLower(strings.TrimSpace(mv.Name))
		if first, dup := seen[key]; dup {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("measured variable name %q is used by %s and %s", mv.Name, first, mv.ID),
				Entity:   domain.EntityVariable,
				EntityID: mv.ID,
			})
			continue
		}
		seen[key] = mv.ID
	}
	return res, nil
}
