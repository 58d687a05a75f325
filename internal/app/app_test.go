package app

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"cadence/internal/config"
	"cadence/internal/lifecycle"
	"cadence/internal/recurrence"
	"cadence/internal/schedule"
	"cadence/internal/storage"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Timezone = "UTC"
	cfg.Storage = &config.StorageConfig{Driver: "memory"}
	return cfg
}

func TestRunOnceMaterializesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	a, err := New(memoryConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Store().PutUser(ctx, schedule.User{Ref: "u-1", Name: "Dana"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	_, err = a.Lifecycle().Create(ctx, lifecycle.CreateParams{
		Subject:  schedule.Subject{ID: "c-1", Name: "Acme"},
		OwnerRef: "u-1",
		Kind:     schedule.KindCall,
		Rule:     recurrence.Spec{Frequency: "WEEKLY", PreferredTime: "09:00"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rep, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Created == 0 || rep.Owners != 1 {
		t.Fatalf("first run: %+v", rep)
	}
	tasks, err := a.Store().ListTasks(ctx, storage.TaskFilter{OwnerRef: "u-1"})
	if err != nil || len(tasks) != rep.Created {
		t.Fatalf("tasks = %d (%v), want %d", len(tasks), err, rep.Created)
	}

	again, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if again.Created != 0 {
		t.Fatalf("second run created %d tasks", again.Created)
	}
}

func TestNewRejectsDisabledStorage(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig()
	cfg.Storage.Driver = "none"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error without storage")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		enabled bool
		wantErr bool
	}{
		{name: "default sqlite", in: nil, driver: "sqlite", enabled: true},
		{name: "memory", in: &config.StorageConfig{Driver: "mem"}, driver: "memory", enabled: true},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "sqlite without path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "oracle", Path: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if enabled != tc.enabled || sc.Driver != tc.driver {
				t.Fatalf("got %+v enabled=%v", sc, enabled)
			}
		})
	}
}

func TestMapNotifierDefaults(t *testing.T) {
	t.Parallel()
	n, err := mapNotifierConfig(&config.Config{}, time.UTC)
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if !n.Enabled || n.DedupWindow != 20*time.Hour || !n.PersistDedup {
		t.Fatalf("defaults = %+v", n)
	}
}

func TestFirstOccurrenceUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	cfg := memoryConfig()
	cfg.Timezone = "Asia/Tokyo"
	if time.Local.String() == cfg.Timezone {
		cfg.Timezone = "America/New_York"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Store().PutUser(ctx, schedule.User{Ref: "u-1", Name: "Dana"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	s, err := a.Lifecycle().Create(ctx, lifecycle.CreateParams{
		Subject:  schedule.Subject{ID: "c-1", Name: "Acme"},
		OwnerRef: "u-1",
		Kind:     schedule.KindCall,
		Rule:     recurrence.Spec{Frequency: "WEEKLY", PreferredTime: "09:00"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.NextDueAt == nil {
		t.Fatal("NextDueAt not set")
	}
	if got := s.NextDueAt.In(loc); got.Hour() != 9 || got.Minute() != 0 {
		t.Fatalf("first due = %s, want 09:00 in %s", got, loc)
	}

	if _, err := a.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	tasks, err := a.Store().ListTasks(ctx, storage.TaskFilter{OwnerRef: "u-1"})
	if err != nil || len(tasks) == 0 {
		t.Fatalf("tasks = %d (%v)", len(tasks), err)
	}
	for _, tk := range tasks {
		if got := tk.DueAt.In(loc); got.Hour() != 9 || got.Minute() != 0 {
			t.Fatalf("task due %s, want 09:00 in %s", got, loc)
		}
	}
}
