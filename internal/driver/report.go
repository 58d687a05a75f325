package driver

import (
	"time"

	"cadence/internal/recurrence"
	"cadence/internal/schedule"
)

// Stages a per-schedule failure can happen in.
const (
	StageOwner       = "owner"
	StageGenerate    = "generate"
	StageMaterialize = "materialize"
	StageSave        = "save"
)

type Failure struct {
	ScheduleID string `json:"schedule_id"`
	Stage      string `json:"stage"`
	Err        string `json:"err"`
}

// Report summarizes one run.
type Report struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Window     recurrence.Window `json:"window"`

	Schedules int `json:"schedules"`
	Processed int `json:"processed"`
	// Skipped counts schedules without a resolvable owner.
	Skipped int `json:"skipped"`
	// Pending counts schedules not reached before the deadline.
	Pending int `json:"pending"`

	Due         int      `json:"due"`
	Created     int      `json:"created"`
	Existing    int      `json:"existing"`
	FailedItems int      `json:"failed_items"`
	Capped      []string `json:"capped,omitempty"`

	Owners         int `json:"owners"`
	Dispatched     int `json:"dispatched"`
	DispatchErrors int `json:"dispatch_errors"`

	Failures    []Failure `json:"failures,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Aborted     string    `json:"aborted,omitempty"`
}

func (r Report) Took() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) fail(id, stage string, err error) {
	r.Failures = append(r.Failures, Failure{ScheduleID: id, Stage: stage, Err: err.Error()})
}

// fold merges one outcome. Only the aggregating goroutine calls it.
func (r *Report) fold(o outcome, aggs map[string]*schedule.MaterializedEvent) {
	if o.pending {
		r.Pending++
		return
	}
	r.Processed++
	r.Due += o.due
	r.Existing += o.result.Existing
	r.FailedItems += o.result.Failed
	if o.capped {
		r.Capped = append(r.Capped, o.scheduleID)
	}
	if o.failure != nil {
		r.Failures = append(r.Failures, *o.failure)
	}
	for _, c := range o.result.Created {
		r.Created++
		ev, ok := aggs[c.OwnerRef]
		if !ok {
			ev = &schedule.MaterializedEvent{OwnerRef: c.OwnerRef, Owner: o.owner}
			aggs[c.OwnerRef] = ev
		}
		ev.Tasks = append(ev.Tasks, c.Task)
	}
}
