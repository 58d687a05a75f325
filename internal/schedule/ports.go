package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadence/internal/recurrence"
)

var (
	// ErrNotFound is returned when a schedule id is unknown.
	ErrNotFound = errors.New("schedule: not found")
	// ErrOwnerNotFound is returned by OwnerDirectory.Resolve.
	ErrOwnerNotFound = errors.New("schedule: owner not found")
	// ErrDeleted is returned for mutations of a soft-deleted schedule.
	ErrDeleted = errors.New("schedule: deleted")
	// ErrTaskExists is returned by TaskSink.Create when a task with the same
	// occurrence key is already present. The returned TaskRef names it.
	ErrTaskExists = errors.New("schedule: task exists")
)

// TransientError marks store or task collaborator I/O failures.
// They are not retried within a run; the next trigger picks the work up again.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err (nil stays nil).
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Priority of a materialized task.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// TaskRequest asks the task collaborator to create one task.
type TaskRequest struct {
	ScheduleID     string
	CategoryMarker string
	SubjectRef     string
	OwnerRef       string
	DueAt          time.Time
	Title          string
	Description    string
	Priority       Priority
}

// TaskRef identifies a created task.
type TaskRef struct {
	ID string
}

// MaterializedTaskRef is a task previously created for an occurrence,
// keyed by (CategoryMarker, SubjectRef, OwnerRef, DueAt).
type MaterializedTaskRef struct {
	ID             string
	CategoryMarker string
	SubjectRef     string
	OwnerRef       string
	DueAt          time.Time
}

// User is a resolved schedule owner.
type User struct {
	Ref            string
	Name           string
	Email          string
	TelegramChatID int64
}

// Store persists schedules.
type Store interface {
	ListActive(ctx context.Context) ([]Schedule, error)
	Get(ctx context.Context, id string) (Schedule, error)
	ListBySubject(ctx context.Context, subjectID string) ([]Schedule, error)
	Save(ctx context.Context, s Schedule) error
	SoftDelete(ctx context.Context, id string) error
	// Advance sets NextDueAt and LastMaterializedAt only while the schedule is
	// live and still carries rule, so a concurrent pause or rule change wins.
	// It reports whether the schedule was updated.
	Advance(ctx context.Context, id string, rule recurrence.Rule, next *time.Time, at time.Time) (bool, error)
}

// TaskSink is the downstream task collaborator.
type TaskSink interface {
	// FindExisting returns the tasks matching the key for any of dueAts, in one query.
	FindExisting(ctx context.Context, subjectRef, ownerRef, categoryMarker string, dueAts []time.Time) ([]MaterializedTaskRef, error)
	Create(ctx context.Context, req TaskRequest) (TaskRef, error)
}

// OwnerDirectory resolves owner references. Unknown owners yield ErrOwnerNotFound.
type OwnerDirectory interface {
	Resolve(ctx context.Context, ownerRef string) (User, error)
}

// MaterializedTask is one entry of a MaterializedEvent.
type MaterializedTask struct {
	TaskID      string    `json:"task_id"`
	ScheduleID  string    `json:"schedule_id"`
	Title       string    `json:"title"`
	DueAt       time.Time `json:"due_at"`
	SubjectName string    `json:"subject_name"`
	Kind        Kind      `json:"kind"`
}

// MaterializedEvent aggregates the tasks created for one owner in one run.
type MaterializedEvent struct {
	OwnerRef string             `json:"owner_ref"`
	Owner    User               `json:"-"`
	Tasks    []MaterializedTask `json:"tasks"`
	Count    int                `json:"count"`
	At       time.Time          `json:"at"`
}

// Dispatcher hands owner aggregates to the notification side.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev MaterializedEvent) error
}
