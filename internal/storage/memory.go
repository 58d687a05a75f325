package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/internal/recurrence"
	"cadence/internal/schedule"
)

type taskKey struct {
	category, subject, owner string
	due                      int64
}

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	schedules map[string]schedule.Schedule
	order     []string
	tasks     map[taskKey]Task
	users     map[string]schedule.User
	dedup     map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		schedules: map[string]schedule.Schedule{},
		tasks:     map[taskKey]Task{},
		users:     map[string]schedule.User{},
		dedup:     map[string]time.Time{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) list(keep func(schedule.Schedule) bool) []schedule.Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schedule.Schedule
	for _, id := range m.order {
		if s := m.schedules[id]; keep(s) {
			out = append(out, cloneSchedule(s))
		}
	}
	return out
}

func (m *Memory) ListActive(context.Context) ([]schedule.Schedule, error) {
	return m.list(schedule.Schedule.Live), nil
}

func (m *Memory) ListAll(_ context.Context, includeDeleted bool) ([]schedule.Schedule, error) {
	return m.list(func(s schedule.Schedule) bool { return includeDeleted || !s.Deleted }), nil
}

func (m *Memory) ListBySubject(_ context.Context, subjectID string) ([]schedule.Schedule, error) {
	return m.list(func(s schedule.Schedule) bool { return s.Subject.ID == subjectID }), nil
}

func (m *Memory) Get(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return cloneSchedule(s), nil
}

func (m *Memory) Save(_ context.Context, s schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.schedules[s.ID]
	if !ok {
		m.order = append(m.order, s.ID)
	}
	// Deletion is terminal.
	if ok && prev.Deleted {
		s.Deleted = true
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *Memory) Advance(_ context.Context, id string, rule recurrence.Rule, next *time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || !s.Live() || s.Rule != rule {
		return false, nil
	}
	if next != nil {
		n := *next
		next = &n
	}
	s.NextDueAt, s.LastMaterializedAt, s.UpdatedAt = next, &at, at
	m.schedules[id] = s
	return true, nil
}

func (m *Memory) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	s.Deleted = true
	s.UpdatedAt = time.Now()
	m.schedules[id] = s
	return nil
}

func (m *Memory) FindExisting(_ context.Context, subjectRef, ownerRef, categoryMarker string, dueAts []time.Time) ([]schedule.MaterializedTaskRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schedule.MaterializedTaskRef
	for _, d := range dueAts {
		k := taskKey{categoryMarker, subjectRef, ownerRef, d.UnixMilli()}
		if t, ok := m.tasks[k]; ok {
			out = append(out, schedule.MaterializedTaskRef{ID: t.ID, CategoryMarker: categoryMarker, SubjectRef: subjectRef, OwnerRef: ownerRef, DueAt: t.DueAt})
		}
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, req schedule.TaskRequest) (schedule.TaskRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := taskKey{req.CategoryMarker, req.SubjectRef, req.OwnerRef, req.DueAt.UnixMilli()}
	if t, ok := m.tasks[k]; ok {
		return schedule.TaskRef{ID: t.ID}, schedule.ErrTaskExists
	}
	t := Task{
		ID:             uuid.NewString(),
		ScheduleID:     req.ScheduleID,
		CategoryMarker: req.CategoryMarker,
		SubjectRef:     req.SubjectRef,
		OwnerRef:       req.OwnerRef,
		DueAt:          req.DueAt.UTC(),
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		CreatedAt:      time.Now().UTC(),
	}
	m.tasks[k] = t
	return schedule.TaskRef{ID: t.ID}, nil
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]Task, error) {
	m.mu.RLock()
	var out []Task
	for _, t := range m.tasks {
		switch {
		case f.OwnerRef != "" && t.OwnerRef != f.OwnerRef,
			f.SubjectRef != "" && t.SubjectRef != f.SubjectRef,
			!f.From.IsZero() && t.DueAt.Before(f.From),
			!f.To.IsZero() && !t.DueAt.Before(f.To):
			continue
		}
		out = append(out, t)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Task) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Resolve(_ context.Context, ownerRef string) (schedule.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[ownerRef]
	if !ok {
		return schedule.User{}, fmt.Errorf("%w: %s", schedule.ErrOwnerNotFound, ownerRef)
	}
	return u, nil
}

func (m *Memory) PutUser(_ context.Context, u schedule.User) error {
	if strings.TrimSpace(u.Ref) == "" {
		return fmt.Errorf("user ref is required")
	}
	m.mu.Lock()
	m.users[u.Ref] = u
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func cloneSchedule(s schedule.Schedule) schedule.Schedule {
	s.Metadata = maps.Clone(s.Metadata)
	if s.NextDueAt != nil {
		t := *s.NextDueAt
		s.NextDueAt = &t
	}
	if s.LastMaterializedAt != nil {
		t := *s.LastMaterializedAt
		s.LastMaterializedAt = &t
	}
	return s
}
