package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/recurrence"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cadence.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func sampleSchedule(t *testing.T, id string) schedule.Schedule {
	t.Helper()
	r, err := recurrence.NewRule(recurrence.Spec{Frequency: "BIWEEKLY", PreferredWeekdays: []int{2}, PreferredTime: "10:30"})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	next := time.Date(2024, time.March, 5, 10, 30, 0, 0, time.UTC)
	return schedule.Schedule{
		ID:           id,
		Subject:      schedule.Subject{ID: "c-1", Name: "Acme"},
		OwnerRef:     "u-1",
		Kind:         schedule.KindMeeting,
		Rule:         r,
		NextDueAt:    &next,
		Active:       true,
		SkipWeekends: true,
		Notes:        "quarterly review",
		Metadata:     map[string]string{"source": "import"},
		CreatedAt:    time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		in := sampleSchedule(t, "s-1")
		if err := st.Save(ctx, in); err != nil {
			t.Fatalf("%s: Save: %v", name, err)
		}
		got, err := st.Get(ctx, "s-1")
		if err != nil {
			t.Fatalf("%s: Get: %v", name, err)
		}
		if got.Rule != in.Rule || got.Kind != in.Kind || got.Subject != in.Subject || !got.SkipWeekends {
			t.Fatalf("%s: got %+v", name, got)
		}
		if got.NextDueAt == nil || !got.NextDueAt.Equal(*in.NextDueAt) || got.LastMaterializedAt != nil {
			t.Fatalf("%s: due fields %v %v", name, got.NextDueAt, got.LastMaterializedAt)
		}
		if got.Metadata["source"] != "import" || got.Notes != "quarterly review" {
			t.Fatalf("%s: metadata %v", name, got.Metadata)
		}

		if _, err := st.Get(ctx, "missing"); !errors.Is(err, schedule.ErrNotFound) {
			t.Fatalf("%s: Get missing err = %v", name, err)
		}
	}
}

func TestListActiveAndSoftDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		a := sampleSchedule(t, "a")
		b := sampleSchedule(t, "b")
		b.Active = false
		c := sampleSchedule(t, "c")
		for _, s := range []schedule.Schedule{a, b, c} {
			if err := st.Save(ctx, s); err != nil {
				t.Fatalf("%s: Save: %v", name, err)
			}
		}
		if err := st.SoftDelete(ctx, "c"); err != nil {
			t.Fatalf("%s: SoftDelete: %v", name, err)
		}
		active, err := st.ListActive(ctx)
		if err != nil || len(active) != 1 || active[0].ID != "a" {
			t.Fatalf("%s: ListActive = %v, %v", name, active, err)
		}

		// A later save of a stale copy cannot revive a deleted schedule.
		if err := st.Save(ctx, c); err != nil {
			t.Fatalf("%s: Save stale: %v", name, err)
		}
		got, _ := st.Get(ctx, "c")
		if !got.Deleted {
			t.Fatalf("%s: deleted schedule revived", name)
		}

		all, _ := st.ListAll(ctx, false)
		withDeleted, _ := st.ListAll(ctx, true)
		if len(all) != 2 || len(withDeleted) != 3 {
			t.Fatalf("%s: ListAll = %d/%d", name, len(all), len(withDeleted))
		}
		bySubject, _ := st.ListBySubject(ctx, "c-1")
		if len(bySubject) != 3 {
			t.Fatalf("%s: ListBySubject = %d", name, len(bySubject))
		}
		if err := st.SoftDelete(ctx, "nope"); !errors.Is(err, schedule.ErrNotFound) {
			t.Fatalf("%s: SoftDelete missing err = %v", name, err)
		}
	}
}

func TestTaskUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d1 := time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 7)
	for name, st := range openStores(t) {
		req := schedule.TaskRequest{ScheduleID: "s-1", CategoryMarker: "M", SubjectRef: "c-1", OwnerRef: "u-1", DueAt: d1, Title: "Call: Acme", Priority: schedule.PriorityMedium}
		first, err := st.Create(ctx, req)
		if err != nil {
			t.Fatalf("%s: Create: %v", name, err)
		}
		again, err := st.Create(ctx, req)
		if !errors.Is(err, schedule.ErrTaskExists) || again.ID != first.ID {
			t.Fatalf("%s: duplicate Create = %v, %v; want %s with ErrTaskExists", name, again, err, first.ID)
		}
		other := req
		other.ScheduleID, other.Title = "s-2", "Email: Acme"
		if ref, err := st.Create(ctx, other); !errors.Is(err, schedule.ErrTaskExists) || ref.ID != first.ID {
			t.Fatalf("%s: same key from another schedule = %v, %v", name, ref, err)
		}

		refs, err := st.FindExisting(ctx, "c-1", "u-1", "M", []time.Time{d1, d2})
		if err != nil || len(refs) != 1 || !refs[0].DueAt.Equal(d1) {
			t.Fatalf("%s: FindExisting = %v, %v", name, refs, err)
		}
		refs, _ = st.FindExisting(ctx, "c-1", "u-1", "OTHER", []time.Time{d1})
		if len(refs) != 0 {
			t.Fatalf("%s: marker ignored: %v", name, refs)
		}

		tasks, err := st.ListTasks(ctx, TaskFilter{OwnerRef: "u-1"})
		if err != nil || len(tasks) != 1 || tasks[0].Title != "Call: Acme" {
			t.Fatalf("%s: ListTasks = %v, %v", name, tasks, err)
		}
	}
}

func TestUsersAndDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openStores(t) {
		if _, err := st.Resolve(ctx, "u-1"); !errors.Is(err, schedule.ErrOwnerNotFound) {
			t.Fatalf("%s: Resolve unknown err = %v", name, err)
		}
		if err := st.PutUser(ctx, schedule.User{Ref: "u-1", Name: "Dana", TelegramChatID: 42}); err != nil {
			t.Fatalf("%s: PutUser: %v", name, err)
		}
		u, err := st.Resolve(ctx, "u-1")
		if err != nil || u.TelegramChatID != 42 {
			t.Fatalf("%s: Resolve = %+v, %v", name, u, err)
		}

		until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		if err := st.PutDedup(ctx, "k", until); err != nil {
			t.Fatalf("%s: PutDedup: %v", name, err)
		}
		got, ok, err := st.GetDedup(ctx, "k")
		if err != nil || !ok || !got.Equal(until) {
			t.Fatalf("%s: GetDedup = %v %v %v", name, got, ok, err)
		}
		if _, ok, _ := st.GetDedup(ctx, "absent"); ok {
			t.Fatalf("%s: absent key found", name)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestAdvanceIsConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2024, time.March, 1, 6, 0, 0, 0, time.UTC)
	next := time.Date(2024, time.March, 19, 10, 30, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		in := sampleSchedule(t, "s-1")
		if err := st.Save(ctx, in); err != nil {
			t.Fatalf("%s: Save: %v", name, err)
		}
		ok, err := st.Advance(ctx, in.ID, in.Rule, &next, at)
		if err != nil || !ok {
			t.Fatalf("%s: Advance live = %v, %v", name, ok, err)
		}
		got, _ := st.Get(ctx, in.ID)
		if got.NextDueAt == nil || !got.NextDueAt.Equal(next) || got.LastMaterializedAt == nil || !got.LastMaterializedAt.Equal(at) {
			t.Fatalf("%s: after Advance = %v / %v", name, got.NextDueAt, got.LastMaterializedAt)
		}

		// Paused between read and write: the pause stands.
		got.Active = false
		if err := st.Save(ctx, got); err != nil {
			t.Fatalf("%s: Save paused: %v", name, err)
		}
		later := next.AddDate(0, 0, 14)
		if ok, err := st.Advance(ctx, in.ID, in.Rule, &later, at); err != nil || ok {
			t.Fatalf("%s: Advance paused = %v, %v", name, ok, err)
		}
		got, _ = st.Get(ctx, in.ID)
		if got.Active || !got.NextDueAt.Equal(next) {
			t.Fatalf("%s: paused schedule changed: active=%v next=%v", name, got.Active, got.NextDueAt)
		}

		// Rule changed: progress computed for the old rule is dropped.
		got.Active = true
		got.Rule = recurrence.Once()
		if err := st.Save(ctx, got); err != nil {
			t.Fatalf("%s: Save new rule: %v", name, err)
		}
		if ok, err := st.Advance(ctx, in.ID, in.Rule, &later, at); err != nil || ok {
			t.Fatalf("%s: Advance stale rule = %v, %v", name, ok, err)
		}
	}
}
