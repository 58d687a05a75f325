package storage

import (
	"context"
	"errors"
	"time"

	"cadence/internal/schedule"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Task is a task created by the engine.
type Task struct {
	ID             string
	ScheduleID     string
	CategoryMarker string
	SubjectRef     string
	OwnerRef       string
	DueAt          time.Time
	Title          string
	Description    string
	Priority       schedule.Priority
	CreatedAt      time.Time
}

// TaskFilter narrows ListTasks. Zero fields match everything; To is exclusive.
type TaskFilter struct {
	OwnerRef   string
	SubjectRef string
	From       time.Time
	To         time.Time
	Limit      int
}

// Store is the persistence API used by the engine and the CLI.
type Store interface {
	schedule.Store
	schedule.TaskSink
	schedule.OwnerDirectory

	ListAll(ctx context.Context, includeDeleted bool) ([]schedule.Schedule, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	PutUser(ctx context.Context, u schedule.User) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
