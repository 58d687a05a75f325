package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cadence/internal/materialize"
	"cadence/internal/recurrence"
	"cadence/internal/schedule"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

var now = time.Date(2024, time.January, 10, 14, 0, 0, 0, time.UTC) // Wednesday

func newManager(t *testing.T, eager bool) (*Manager, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	n := 0
	m := New(st, materialize.New(st, materialize.Config{}, logx.Nop()), logx.Nop(), Options{
		EagerFirst: eager,
		Now:        func() time.Time { return now },
		NewID: func() string {
			n++
			return fmt.Sprintf("s-%d", n)
		},
	})
	return m, st
}

func TestCreateComputesNextDue(t *testing.T) {
	t.Parallel()
	m, st := newManager(t, false)
	s, err := m.Create(context.Background(), CreateParams{
		Subject:  schedule.Subject{ID: "c-1", Name: "Acme"},
		OwnerRef: "u-1",
		Kind:     schedule.KindCall,
		Rule:     recurrence.Spec{Frequency: "WEEKLY", PreferredWeekdays: []int{1}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Wed + 1 week = Wed 17th, moved forward to Mon 22nd.
	want := time.Date(2024, time.January, 22, 9, 0, 0, 0, time.UTC)
	if s.NextDueAt == nil || !s.NextDueAt.Equal(want) {
		t.Fatalf("NextDueAt = %v, want %s", s.NextDueAt, want)
	}
	if s.State() != schedule.StateActive || s.ID != "s-1" {
		t.Fatalf("schedule = %+v", s)
	}
	if _, err := st.Get(context.Background(), "s-1"); err != nil {
		t.Fatalf("not saved: %v", err)
	}
}

func TestCreateRejectsInvalidRule(t *testing.T) {
	t.Parallel()
	m, st := newManager(t, false)
	_, err := m.Create(context.Background(), CreateParams{
		Subject: schedule.Subject{ID: "c-1"},
		Rule:    recurrence.Spec{Frequency: "CUSTOM"},
	})
	if !errors.Is(err, recurrence.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	all, _ := st.ListAll(context.Background(), true)
	if len(all) != 0 {
		t.Fatalf("saved %d schedules despite invalid rule", len(all))
	}

	if _, err := m.Create(context.Background(), CreateParams{Rule: recurrence.Spec{Frequency: "DAILY"}}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing subject err = %v", err)
	}
}

func TestCreateKeepsExplicitDueAndEagerMaterializes(t *testing.T) {
	t.Parallel()
	m, st := newManager(t, true)
	due := time.Date(2024, time.January, 11, 9, 0, 0, 0, time.UTC)
	s, err := m.Create(context.Background(), CreateParams{
		Subject:   schedule.Subject{ID: "c-1", Name: "Acme"},
		OwnerRef:  "u-1",
		Rule:      recurrence.Spec{Frequency: "MONTHLY"},
		NextDueAt: &due,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.NextDueAt.Equal(due) {
		t.Fatalf("NextDueAt = %s", s.NextDueAt)
	}
	tasks, _ := st.ListTasks(context.Background(), storage.TaskFilter{})
	if len(tasks) != 1 || !tasks[0].DueAt.Equal(due) {
		t.Fatalf("eager tasks = %+v", tasks)
	}
}

func TestCreateNoneWithoutDue(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, false)
	s, err := m.Create(context.Background(), CreateParams{Subject: schedule.Subject{ID: "c-1"}, Rule: recurrence.Spec{Frequency: "NONE"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.NextDueAt != nil {
		t.Fatalf("NONE NextDueAt = %v", s.NextDueAt)
	}
}

func TestUpdateRuleRecomputesFromNow(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, false)
	old := time.Date(2023, time.December, 1, 9, 0, 0, 0, time.UTC)
	s, _ := m.Create(context.Background(), CreateParams{
		Subject:   schedule.Subject{ID: "c-1"},
		Rule:      recurrence.Spec{Frequency: "MONTHLY"},
		NextDueAt: &old,
	})

	notes := "new notes"
	same, err := m.Update(context.Background(), s.ID, UpdateParams{Notes: &notes, Rule: &recurrence.Spec{Frequency: "MONTHLY"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !same.NextDueAt.Equal(old) || same.Notes != notes {
		t.Fatalf("unchanged rule must keep phase: %v", same.NextDueAt)
	}

	daily := recurrence.Spec{Frequency: "DAILY", PreferredTime: "08:00"}
	got, err := m.Update(context.Background(), s.ID, UpdateParams{Rule: &daily})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if want := time.Date(2024, time.January, 11, 8, 0, 0, 0, time.UTC); !got.NextDueAt.Equal(want) {
		t.Fatalf("NextDueAt = %s, want %s", got.NextDueAt, want)
	}

	bad := recurrence.Spec{Frequency: "CUSTOM", CustomIntervalDays: 0}
	if _, err := m.Update(context.Background(), s.ID, UpdateParams{Rule: &bad}); !errors.Is(err, recurrence.ErrConfiguration) {
		t.Fatalf("bad rule err = %v", err)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newManager(t, false)
	s, _ := m.Create(ctx, CreateParams{Subject: schedule.Subject{ID: "c-1"}, Rule: recurrence.Spec{Frequency: "WEEKLY"}})

	p, err := m.Pause(ctx, s.ID)
	if err != nil || p.State() != schedule.StateInactive {
		t.Fatalf("Pause = %v, %v", p.State(), err)
	}
	if active, _ := st.ListActive(ctx); len(active) != 0 {
		t.Fatalf("paused schedule listed active")
	}
	r, err := m.Resume(ctx, s.ID)
	if err != nil || r.State() != schedule.StateActive {
		t.Fatalf("Resume = %v, %v", r.State(), err)
	}

	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := m.Resume(ctx, s.ID); !errors.Is(err, schedule.ErrDeleted) {
		t.Fatalf("Resume deleted err = %v", err)
	}
	if _, err := m.Update(ctx, s.ID, UpdateParams{}); !errors.Is(err, schedule.ErrDeleted) {
		t.Fatalf("Update deleted err = %v", err)
	}
	if err := m.Delete(ctx, "missing"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Delete missing err = %v", err)
	}
}

func TestDefaultForSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newManager(t, false)
	subj := schedule.Subject{ID: "c-9", Name: "Globex"}

	if _, _, err := m.DefaultForSubject(ctx, subj, ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("ownerless err = %v", err)
	}
	s, created, err := m.DefaultForSubject(ctx, subj, "u-2")
	if err != nil || !created {
		t.Fatalf("first = %v, %v", created, err)
	}
	if s.Rule.Frequency() != recurrence.FrequencyMonthly || s.Kind != schedule.KindEmail || s.OwnerRef != "u-2" {
		t.Fatalf("default schedule = %+v", s)
	}
	again, created, err := m.DefaultForSubject(ctx, subj, "u-2")
	if err != nil || created || again.ID != s.ID {
		t.Fatalf("second = %v %v %v", again.ID, created, err)
	}
}
