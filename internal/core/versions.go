package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldtrials/pkg/domain"
)

// Revisions lists the recorded prior versions of an entity, oldest first.
func (s *Service) Revisions(ctx context.Context, entity domain.EntityType, id string) ([]domain.Revision, error) {
	var out []domain.Revision
	err := s.observe(ctx, "revisions", func(context.Context) error {
		out = s.store.Revisions(entity, id)
		return nil
	})
	return out, err
}

// StudyAt returns the version of a study that was current at the given time.
func (s *Service) StudyAt(ctx context.Context, id string, at time.Time) (domain.Study, error) {
	var out domain.Study
	err := s.observe(ctx, "study_at", func(ctx context.Context) error {
		var err error
		out, err = versionAt(ctx, s.store, domain.EntityStudy, id, at, func(v domain.TransactionView) (domain.Study, bool) {
			return v.FindStudy(id)
		})
		return err
	})
	return out, err
}

// FieldTrialAt returns the version of a field trial that was current at the given time.
func (s *Service) FieldTrialAt(ctx context.Context, id string, at time.Time) (domain.FieldTrial, error) {
	var out domain.FieldTrial
	err := s.observe(ctx, "field_trial_at", func(ctx context.Context) error {
		var err error
		out, err = versionAt(ctx, s.store, domain.EntityFieldTrial, id, at, func(v domain.TransactionView) (domain.FieldTrial, bool) {
			return v.FindFieldTrial(id)
		})
		return err
	})
	return out, err
}

type versionedEntity interface {
	Meta() *domain.Base
}

// versionAt resolves an entity as of at: the live record when it was last
// written no later than at, otherwise the newest revision valid at that time.
func versionAt[T any, PT interface {
	*T
	versionedEntity
}](ctx context.Context, store domain.PersistentStore, entity domain.EntityType, id string, at time.Time, lookup func(domain.TransactionView) (T, bool)) (T, error) {
	var (
		live  T
		found bool
	)
	if err := store.View(ctx, func(v domain.TransactionView) error {
		live, found = lookup(v)
		return nil
	}); err != nil {
		return live, err
	}
	if found && !PT(&live).Meta().UpdatedAt.After(at) {
		return live, nil
	}
	var zero T
	revisions := store.Revisions(entity, id)
	for i := len(revisions) - 1; i >= 0; i-- {
		rev := revisions[i]
		if rev.ValidFrom.After(at) || !rev.SupersededAt.After(at) {
			continue
		}
		var out T
		if err := json.Unmarshal(rev.Payload, &out); err != nil {
			return zero, fmt.Errorf("decode %s revision: %w", entity, err)
		}
		return out, nil
	}
	return zero, ErrNotFound{Entity: entity, ID: id}
}
