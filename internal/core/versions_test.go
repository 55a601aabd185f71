package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fieldtrials/internal/core"
	"fieldtrials/internal/infra/persistence/memory"
	"fieldtrials/pkg/domain"
)

func TestStudyAtResolvesHistoricVersions(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	store := memory.NewStore(core.NewDefaultRulesEngine())
	store.SetNowFunc(func() time.Time { return now })
	svc := core.NewService(store, core.WithLogger(zerolog.Nop()))
	ctx := context.Background()

	s := seedStudy(t, svc)
	now = t0.Add(24 * time.Hour)
	if _, _, err := svc.UpdateStudy(ctx, s.study.ID, func(st *domain.Study) error {
		st.Name = "WW 2024 (revised)"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	now = t0.Add(48 * time.Hour)
	if _, err := svc.DeleteStudy(ctx, s.study.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	cases := []struct {
		at   time.Time
		want string
	}{
		{t0, "WW 2024"},
		{t0.Add(12 * time.Hour), "WW 2024"},
		{t0.Add(24 * time.Hour), "WW 2024 (revised)"},
		{t0.Add(36 * time.Hour), "WW 2024 (revised)"},
	}
	for _, tc := range cases {
		got, err := svc.StudyAt(ctx, s.study.ID, tc.at)
		if err != nil || got.Name != tc.want {
			t.Fatalf("at %s: got %q %v, want %q", tc.at, got.Name, err, tc.want)
		}
	}
	var nf core.ErrNotFound
	if _, err := svc.StudyAt(ctx, s.study.ID, t0.Add(-time.Hour)); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound before creation, got %v", err)
	}
	if _, err := svc.StudyAt(ctx, s.study.ID, t0.Add(72*time.Hour)); !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound after deletion, got %v", err)
	}
}

func TestFieldTrialAtReturnsLiveRecord(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	store := memory.NewStore(nil)
	store.SetNowFunc(func() time.Time { return now })
	svc := core.NewService(store, core.WithLogger(zerolog.Nop()))
	ctx := context.Background()

	trial, _, err := svc.CreateFieldTrial(ctx, domain.FieldTrial{Name: "Barley", Team: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now = t0.Add(time.Hour)
	if _, _, err := svc.UpdateFieldTrial(ctx, trial.ID, func(ft *domain.FieldTrial) error {
		ft.Team = "B"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	live, err := svc.FieldTrialAt(ctx, trial.ID, t0.Add(2*time.Hour))
	if err != nil || live.Team != "B" {
		t.Fatalf("expected live version, got %+v %v", live, err)
	}
	old, err := svc.FieldTrialAt(ctx, trial.ID, t0.Add(30*time.Minute))
	if err != nil || old.Team != "A" || old.ID != trial.ID {
		t.Fatalf("expected archived version, got %+v %v", old, err)
	}
}
