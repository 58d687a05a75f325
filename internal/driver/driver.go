// Package driver runs the periodic materialization pass.
//
// One pass lists the live schedules, resolves their owners, generates the due
// instants of each schedule over [today, today+horizon) and materializes them.
// Schedules are processed by a pool of workers; their outcomes are folded by a
// single aggregating goroutine, so no state is shared between workers. The
// per-owner aggregates are published on the event bus and handed to the
// dispatcher.
//
// At most one pass runs at a time. A trigger that arrives while a pass is in
// flight, or sooner than MinInterval after the previous start, is dropped.
package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/materialize"
	"cadence/internal/recurrence"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

var (
	ErrRunInProgress = errors.New("driver: run already in progress")
	ErrTooSoon       = errors.New("driver: minimum interval between runs not elapsed")
)

// RunState is the driver's reentrancy state.
type RunState int32

const (
	Idle RunState = iota
	Running
)

func (s RunState) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

type Config struct {
	HorizonMonths int
	MinInterval   time.Duration
	// RunTimeout bounds one pass. 0 disables the deadline.
	RunTimeout time.Duration
	Workers    int
	SafetyCap  int
	Location   *time.Location
}

func (c Config) withDefaults() Config {
	if c.HorizonMonths <= 0 {
		c.HorizonMonths = 3
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SafetyCap <= 0 {
		c.SafetyCap = recurrence.SafetyCap
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Deps struct {
	Store        schedule.Store
	Owners       schedule.OwnerDirectory
	Materializer *materialize.Materializer
	// Dispatcher is optional; without it aggregates are only published on Bus.
	Dispatcher schedule.Dispatcher
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

type Driver struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	last Report

	state     atomic.Int32
	lastStart atomic.Int64 // unix nano
}

func New(cfg Config, deps Deps) *Driver {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Driver{deps: deps, cfg: cfg.withDefaults(), log: deps.Log.With(logx.String("comp", "driver"))}
}

// Apply replaces the configuration for subsequent runs.
func (d *Driver) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Driver) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Driver) State() RunState { return RunState(d.state.Load()) }

// LastReport returns the report of the most recent completed run.
func (d *Driver) LastReport() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Window returns the generation window for a run started at now.
func (d *Driver) Window(now time.Time) recurrence.Window {
	cfg := d.config()
	local := now.In(cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cfg.Location)
	return recurrence.Window{Start: start, End: start.AddDate(0, cfg.HorizonMonths, 0)}
}

// Run executes one pass. Skipped triggers return ErrRunInProgress or ErrTooSoon.
// Failing to list schedules aborts the pass; per-schedule failures are recorded
// in the report and never abort it.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	if !d.state.CompareAndSwap(int32(Idle), int32(Running)) {
		d.skipped(ErrRunInProgress)
		return Report{}, ErrRunInProgress
	}
	defer d.state.Store(int32(Idle))

	cfg := d.config()
	now := d.deps.Now()
	if prev := d.lastStart.Load(); prev != 0 && cfg.MinInterval > 0 && now.Sub(time.Unix(0, prev)) < cfg.MinInterval {
		d.skipped(ErrTooSoon)
		return Report{}, ErrTooSoon
	}
	d.lastStart.Store(now.UnixNano())

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	rep := Report{StartedAt: now, Window: d.Window(now)}
	log := d.log.With(logx.Time("window_start", rep.Window.Start), logx.Time("window_end", rep.Window.End))

	list, err := d.deps.Store.ListActive(ctx)
	if err != nil {
		err = fmt.Errorf("list active schedules: %w", schedule.Transient("store.list_active", err))
		log.Error("run aborted", logx.Err(err))
		rep.FinishedAt = d.deps.Now()
		rep.Aborted = err.Error()
		d.finish(rep)
		return rep, err
	}
	rep.Schedules = len(list)

	jobs := d.resolveOwners(ctx, list, &rep)
	aggs := d.process(ctx, cfg, rep.Window, jobs, &rep)
	d.dispatch(ctx, aggs, &rep)

	rep.FinishedAt = d.deps.Now()
	if ctx.Err() != nil {
		rep.Interrupted = true
	}
	d.finish(rep)

	fields := []logx.Field{
		logx.Int("schedules", rep.Schedules),
		logx.Int("processed", rep.Processed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("pending", rep.Pending),
		logx.Int("created", rep.Created),
		logx.Int("existing", rep.Existing),
		logx.Int("failures", len(rep.Failures)),
		logx.Int("owners", rep.Owners),
		logx.Duration("took", rep.Took()),
	}
	switch {
	case rep.Interrupted:
		log.Warn("run interrupted before completion", fields...)
	case len(rep.Failures) > 0:
		log.Warn("run finished with failures", fields...)
	default:
		log.Info("run finished", fields...)
	}
	return rep, nil
}

func (d *Driver) skipped(reason error) {
	d.log.Info("run trigger skipped", logx.String("reason", reason.Error()))
	eventbus.Emit(d.deps.Bus, eventbus.RunSkipped, reason.Error())
}

func (d *Driver) finish(rep Report) {
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()
	eventbus.Emit(d.deps.Bus, eventbus.RunFinished, rep)
}

type job struct {
	s     schedule.Schedule
	owner schedule.User
}

// resolveOwners drops schedules that cannot produce an assigned task.
// Each distinct owner is resolved once per run.
func (d *Driver) resolveOwners(ctx context.Context, list []schedule.Schedule, rep *Report) []job {
	type resolved struct {
		u   schedule.User
		err error
	}
	cache := map[string]resolved{}
	jobs := make([]job, 0, len(list))
	for _, s := range list {
		ref := strings.TrimSpace(s.OwnerRef)
		if ref == "" {
			rep.Skipped++
			d.log.Warn("schedule has no owner; skipped", logx.String("schedule_id", s.ID))
			continue
		}
		r, ok := cache[ref]
		if !ok {
			u, err := d.deps.Owners.Resolve(ctx, ref)
			r = resolved{u: u, err: err}
			cache[ref] = r
		}
		if r.err != nil {
			rep.Skipped++
			if errors.Is(r.err, schedule.ErrOwnerNotFound) {
				d.log.Warn("schedule owner not found; skipped", logx.String("schedule_id", s.ID), logx.String("owner", ref))
			} else {
				rep.fail(s.ID, StageOwner, schedule.Transient("owners.resolve", r.err))
				d.log.Warn("schedule owner lookup failed; skipped", logx.String("schedule_id", s.ID), logx.Err(r.err))
			}
			continue
		}
		jobs = append(jobs, job{s: s, owner: r.u})
	}
	return jobs
}

type outcome struct {
	scheduleID string
	owner      schedule.User
	pending    bool
	capped     bool
	due        int
	result     materialize.Result
	failure    *Failure
}

// process fans jobs out to the workers and folds their outcomes.
func (d *Driver) process(ctx context.Context, cfg Config, w recurrence.Window, jobs []job, rep *Report) map[string]*schedule.MaterializedEvent {
	in := make(chan job)
	out := make(chan outcome, cfg.Workers)

	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(d.log))
	defer sup.Cancel()
	for i := 0; i < min(cfg.Workers, max(len(jobs), 1)); i++ {
		sup.Go0(fmt.Sprintf("driver.worker.%d", i), func(context.Context) {
			for j := range in {
				out <- d.processOne(ctx, cfg, w, j)
			}
		})
	}

	aggs := map[string]*schedule.MaterializedEvent{}
	folded := make(chan struct{})
	go func() {
		defer close(folded)
		for o := range out {
			rep.fold(o, aggs)
		}
	}()

	for _, j := range jobs {
		in <- j
	}
	close(in)
	_ = sup.Wait(context.Background())
	close(out)
	<-folded
	return aggs
}

func (d *Driver) processOne(ctx context.Context, cfg Config, w recurrence.Window, j job) (o outcome) {
	o = outcome{scheduleID: j.s.ID, owner: j.owner}
	if ctx.Err() != nil {
		o.pending = true
		return o
	}
	defer func() {
		if r := recover(); r != nil {
			o.failure = &Failure{ScheduleID: j.s.ID, Stage: StageGenerate, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()
	log := d.log.With(logx.String("schedule_id", j.s.ID))

	b, err := schedule.Generate(j.s, w.Start, w.End, recurrence.WithLimit(cfg.SafetyCap))
	if err != nil {
		o.failure = &Failure{ScheduleID: j.s.ID, Stage: StageGenerate, Err: err.Error()}
		log.Warn("generate failed", logx.Err(err))
		return o
	}
	o.due = len(b.Due)
	if b.Capped {
		o.capped = true
		log.Warn("safety cap reached; rule likely misconfigured",
			logx.Int("cap", cfg.SafetyCap),
			logx.String("rule", j.s.Rule.String()),
		)
	}

	res, err := d.deps.Materializer.Materialize(ctx, j.s, b.Due)
	o.result = res
	if err != nil {
		o.failure = &Failure{ScheduleID: j.s.ID, Stage: StageMaterialize, Err: err.Error()}
		log.Warn("materialize failed", logx.Err(err))
		return o
	}
	if res.Failed > 0 {
		o.failure = &Failure{ScheduleID: j.s.ID, Stage: StageMaterialize, Err: res.Err().Error()}
	}

	if err := d.advance(ctx, j.s, b); err != nil {
		if o.failure == nil {
			o.failure = &Failure{ScheduleID: j.s.ID, Stage: StageSave, Err: err.Error()}
		}
		log.Warn("saving schedule progress failed", logx.Err(err))
	}
	return o
}

// advance persists NextDueAt and LastMaterializedAt. NextDueAt becomes the
// first due instant of the window, so occurrences whose task creation failed
// are still ahead of it and get retried by the next run. The store applies it
// only if the schedule is still live with the same rule; a pause or rule change
// made during the run is kept.
func (d *Driver) advance(ctx context.Context, s schedule.Schedule, b recurrence.Batch) error {
	next := s.NextDueAt
	switch {
	case len(b.Due) > 0:
		t := b.Due[0]
		next = &t
	case b.Next.Equal(recurrence.Never):
		next = nil
	case !b.Next.IsZero():
		t := b.Next
		next = &t
	}
	ok, err := d.deps.Store.Advance(ctx, s.ID, s.Rule, next, d.deps.Now())
	if err != nil {
		return schedule.Transient("store.advance", err)
	}
	if !ok {
		d.log.Debug("schedule changed during run; progress not saved", logx.String("schedule_id", s.ID))
	}
	return nil
}

func (d *Driver) dispatch(ctx context.Context, aggs map[string]*schedule.MaterializedEvent, rep *Report) {
	rep.Owners = len(aggs)
	if len(aggs) == 0 {
		return
	}
	// Aggregates are handed over even when the run deadline already passed.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	refs := make([]string, 0, len(aggs))
	for ref := range aggs {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	for _, ref := range refs {
		ev := aggs[ref]
		slices.SortFunc(ev.Tasks, func(a, b schedule.MaterializedTask) int { return a.DueAt.Compare(b.DueAt) })
		ev.Count = len(ev.Tasks)
		ev.At = d.deps.Now()

		eventbus.Emit(d.deps.Bus, eventbus.ScheduleMaterialized, *ev)
		if d.deps.Dispatcher == nil {
			continue
		}
		if err := d.deps.Dispatcher.Dispatch(dctx, *ev); err != nil {
			rep.DispatchErrors++
			d.log.Warn("dispatch failed", logx.String("owner", ref), logx.Int("count", ev.Count), logx.Err(err))
			continue
		}
		rep.Dispatched++
	}
}
