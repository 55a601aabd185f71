package core

import (
	"context"
	"fmt"

	"fieldtrials/pkg/domain"
)

// NewStudyReferencesRule blocks studies, field trials and programmes whose
// references do not resolve.
func NewStudyReferencesRule() domain.Rule {
	return studyReferencesRule{}
}

type studyReferencesRule struct{}

func (studyReferencesRule) Name() string { return "study_references" }

func (r studyReferencesRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(entity domain.EntityType, id, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   entity,
			EntityID: id,
		})
	}
	personExists := func(id *string) bool {
		if id == nil || *id == "" {
			return true
		}
		_, ok := view.FindPerson(*id)
		return ok
	}

	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			continue
		}
		switch e := change.After.(type) {
		case domain.Study:
			if _, ok := view.FindFieldTrial(e.FieldTrialID); !ok {
				block(domain.EntityStudy, e.ID, "study %s references unknown field trial %s", e.Name, e.FieldTrialID)
			}
			if _, ok := view.FindLocation(e.LocationID); !ok {
				block(domain.EntityStudy, e.ID, "study %s references unknown location %s", e.Name, e.LocationID)
			}
			if !personExists(e.CuratorID) {
				block(domain.EntityStudy, e.ID, "study %s references unknown curator %s", e.Name, *e.CuratorID)
			}
			for _, contact := range e.ContactIDs {
				if !personExists(&contact) {
					block(domain.EntityStudy, e.ID, "study %s references unknown contact %s", e.Name, contact)
				}
			}
		case domain.FieldTrial:
			if e.ProgrammeID != nil && *e.ProgrammeID != "" {
				if _, ok := view.FindProgramme(*e.ProgrammeID); !ok {
					block(domain.EntityFieldTrial, e.ID, "field trial %s references unknown programme %s", e.Name, *e.ProgrammeID)
				}
			}
		case domain.Programme:
			if !personExists(e.LeaderID) {
				block(domain.EntityProgramme, e.ID, "programme %s references unknown leader %s", e.Name, *e.LeaderID)
			}
		case domain.Plot:
			if _, ok := view.FindStudy(e.StudyID); !ok {
				block(domain.EntityPlot, e.ID, "plot %d/%d references unknown study %s", e.Row, e.Column, e.StudyID)
			}
		}
	}
	return res, nil
}
