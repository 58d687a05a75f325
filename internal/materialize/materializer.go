// Package materialize turns due instants into downstream tasks, at most one
// per (schedule, due instant).
package materialize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

// DefaultCategoryMarker tags engine-created tasks.
const DefaultCategoryMarker = "COMMUNICATION_SCHEDULE"

// ErrNoOwner is returned for schedules without an owner reference.
var ErrNoOwner = errors.New("materialize: schedule has no owner")

type Config struct {
	CategoryMarker string
	// DateLayout formats the due date in titles and descriptions.
	DateLayout string
}

// CreatedTask is one task created during a Materialize call.
type CreatedTask struct {
	OwnerRef string
	Task     schedule.MaterializedTask
}

// Result summarizes one Materialize call.
type Result struct {
	Created  []CreatedTask
	Existing int
	Failed   int
	// Errors holds per-item creation failures. They never abort the call.
	Errors []error
}

// Err joins the per-item failures.
func (r Result) Err() error { return errors.Join(r.Errors...) }

type Materializer struct {
	tasks schedule.TaskSink
	log   logx.Logger
	cfg   Config
}

func New(tasks schedule.TaskSink, cfg Config, log logx.Logger) *Materializer {
	if strings.TrimSpace(cfg.CategoryMarker) == "" {
		cfg.CategoryMarker = DefaultCategoryMarker
	}
	if cfg.DateLayout == "" {
		cfg.DateLayout = "Mon 02 Jan 2006 15:04"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Materializer{tasks: tasks, cfg: cfg, log: log.With(logx.String("comp", "materializer"))}
}

// CategoryMarker returns the marker set on created tasks.
func (m *Materializer) CategoryMarker() string { return m.cfg.CategoryMarker }

// Materialize creates the tasks for due that do not exist yet.
//
// Existing tasks are looked up with a single FindExisting call. A lookup failure
// is returned as a transient error and nothing is created. Creation failures
// are logged and recorded in the result; the remaining instants still proceed.
func (m *Materializer) Materialize(ctx context.Context, s schedule.Schedule, due []time.Time) (Result, error) {
	var res Result
	if len(due) == 0 {
		return res, nil
	}
	if strings.TrimSpace(s.OwnerRef) == "" {
		return res, ErrNoOwner
	}

	sorted := slices.Clone(due)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })
	sorted = slices.CompactFunc(sorted, time.Time.Equal)

	existing, err := m.tasks.FindExisting(ctx, s.Subject.ID, s.OwnerRef, m.cfg.CategoryMarker, sorted)
	if err != nil {
		return res, schedule.Transient("tasks.find_existing", err)
	}
	seen := make(map[int64]struct{}, len(existing))
	for _, e := range existing {
		seen[e.DueAt.UnixMilli()] = struct{}{}
	}

	log := m.log.With(logx.String("schedule_id", s.ID), logx.String("owner", s.OwnerRef))
	for _, at := range sorted {
		if _, ok := seen[at.UnixMilli()]; ok {
			res.Existing++
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			break
		}

		req := m.request(s, at)
		ref, err := m.tasks.Create(ctx, req)
		if errors.Is(err, schedule.ErrTaskExists) {
			// Created by a concurrent run or another schedule with the same key.
			log.Trace("task already exists", logx.String("task_id", ref.ID), logx.Time("due_at", at))
			seen[at.UnixMilli()] = struct{}{}
			res.Existing++
			continue
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("create task at %s: %w", at.Format(time.RFC3339), err))
			log.Warn("task creation failed", logx.Time("due_at", at), logx.Err(err))
			continue
		}
		log.Trace("task created", logx.String("task_id", ref.ID), logx.Time("due_at", at))
		seen[at.UnixMilli()] = struct{}{}
		res.Created = append(res.Created, CreatedTask{
			OwnerRef: s.OwnerRef,
			Task: schedule.MaterializedTask{
				TaskID:      ref.ID,
				ScheduleID:  s.ID,
				Title:       req.Title,
				DueAt:       at,
				SubjectName: s.Subject.Name,
				Kind:        s.Kind,
			},
		})
	}

	if len(res.Created) > 0 || res.Failed > 0 {
		log.Debug("materialized",
			logx.Int("created", len(res.Created)),
			logx.Int("existing", res.Existing),
			logx.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (m *Materializer) request(s schedule.Schedule, at time.Time) schedule.TaskRequest {
	subject := strings.TrimSpace(s.Subject.Name)
	if subject == "" {
		subject = s.Subject.ID
	}
	when := at.Format(m.cfg.DateLayout)

	var desc strings.Builder
	fmt.Fprintf(&desc, "Scheduled %s with %s on %s.", strings.ToLower(s.Kind.Label()), subject, when)
	fmt.Fprintf(&desc, "\nCadence: %s.", s.Rule)
	if n := strings.TrimSpace(s.Notes); n != "" {
		desc.WriteString("\n\n")
		desc.WriteString(n)
	}

	return schedule.TaskRequest{
		ScheduleID:     s.ID,
		CategoryMarker: m.cfg.CategoryMarker,
		SubjectRef:     s.Subject.ID,
		OwnerRef:       s.OwnerRef,
		DueAt:          at,
		Title:          fmt.Sprintf("%s: %s", s.Kind.Label(), subject),
		Description:    desc.String(),
		Priority:       schedule.PriorityMedium,
	}
}
