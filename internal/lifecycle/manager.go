// Package lifecycle owns schedule create/update/pause/resume/delete semantics.
//
// A rule-affecting change always recomputes NextDueAt from the current time,
// dropping the phase of the previous cadence. Deletion is soft and terminal.
// Tasks already materialized are never touched here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/materialize"
	"cadence/internal/recurrence"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

// ErrInvalid reports a malformed request outside the rule itself.
var ErrInvalid = errors.New("lifecycle: invalid request")

// DefaultSpec is used by DefaultForSubject.
var DefaultSpec = recurrence.Spec{Frequency: recurrence.FrequencyMonthly.String()}

type Options struct {
	// EagerFirst materializes the first occurrence on create and on rule changes.
	EagerFirst bool
	Now        func() time.Time
	NewID      func() string
}

type Manager struct {
	store schedule.Store
	mat   *materialize.Materializer
	log   logx.Logger
	opt   Options
}

// New returns a manager. mat may be nil when eager materialization is not wanted.
func New(store schedule.Store, mat *materialize.Materializer, log logx.Logger, opt Options) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	return &Manager{store: store, mat: mat, log: log.With(logx.String("comp", "lifecycle")), opt: opt}
}

type CreateParams struct {
	Subject      schedule.Subject
	OwnerRef     string
	Kind         schedule.Kind
	Rule         recurrence.Spec
	NextDueAt    *time.Time
	SkipWeekends bool
	Inactive     bool
	Notes        string
	Metadata     map[string]string
}

// Create validates the rule and saves a new schedule. Configuration errors are
// returned before anything is written.
func (m *Manager) Create(ctx context.Context, p CreateParams) (schedule.Schedule, error) {
	if strings.TrimSpace(p.Subject.ID) == "" {
		return schedule.Schedule{}, fmt.Errorf("%w: subject id is required", ErrInvalid)
	}
	rule, err := recurrence.NewRule(p.Rule)
	if err != nil {
		return schedule.Schedule{}, err
	}
	kind := p.Kind
	if kind == "" {
		kind = schedule.KindEmail
	}
	if _, err := schedule.ParseKind(string(kind)); err != nil {
		return schedule.Schedule{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	now := m.opt.Now()
	s := schedule.Schedule{
		ID:           m.opt.NewID(),
		Subject:      p.Subject,
		OwnerRef:     strings.TrimSpace(p.OwnerRef),
		Kind:         kind,
		Rule:         rule,
		NextDueAt:    p.NextDueAt,
		Active:       !p.Inactive,
		SkipWeekends: p.SkipWeekends,
		Notes:        p.Notes,
		Metadata:     maps.Clone(p.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.NextDueAt == nil {
		s.NextDueAt = nextFrom(now, rule)
	}

	if err := m.store.Save(ctx, s); err != nil {
		return schedule.Schedule{}, schedule.Transient("store.save", err)
	}
	m.log.Info("schedule created",
		logx.String("schedule_id", s.ID),
		logx.String("subject", s.Subject.ID),
		logx.String("rule", s.Rule.String()),
	)
	m.eager(ctx, &s)
	return s, nil
}

type UpdateParams struct {
	Rule         *recurrence.Spec
	Kind         *schedule.Kind
	OwnerRef     *string
	SkipWeekends *bool
	Notes        *string
	Metadata     map[string]string
	// NextDueAt pins the next due instant explicitly. It wins over recomputation.
	NextDueAt *time.Time
}

// Update applies p to the schedule. Rule changes recompute NextDueAt from now.
func (m *Manager) Update(ctx context.Context, id string, p UpdateParams) (schedule.Schedule, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}

	ruleChanged := false
	if p.Rule != nil {
		rule, err := recurrence.NewRule(*p.Rule)
		if err != nil {
			return schedule.Schedule{}, err
		}
		ruleChanged = rule != s.Rule
		s.Rule = rule
	}
	if p.Kind != nil {
		k, err := schedule.ParseKind(string(*p.Kind))
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		s.Kind = k
	}
	if p.OwnerRef != nil {
		s.OwnerRef = strings.TrimSpace(*p.OwnerRef)
	}
	if p.SkipWeekends != nil {
		s.SkipWeekends = *p.SkipWeekends
	}
	if p.Notes != nil {
		s.Notes = *p.Notes
	}
	if p.Metadata != nil {
		s.Metadata = maps.Clone(p.Metadata)
	}

	now := m.opt.Now()
	switch {
	case p.NextDueAt != nil:
		s.NextDueAt = p.NextDueAt
	case ruleChanged:
		s.NextDueAt = nextFrom(now, s.Rule)
	}
	s.UpdatedAt = now

	if err := m.store.Save(ctx, s); err != nil {
		return schedule.Schedule{}, schedule.Transient("store.save", err)
	}
	m.log.Info("schedule updated",
		logx.String("schedule_id", s.ID),
		logx.Bool("rule_changed", ruleChanged),
	)
	if ruleChanged || p.NextDueAt != nil {
		m.eager(ctx, &s)
	}
	return s, nil
}

// Pause moves an ACTIVE schedule to INACTIVE. Pausing twice is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) (schedule.Schedule, error) {
	return m.setActive(ctx, id, false)
}

// Resume moves an INACTIVE schedule back to ACTIVE. A NextDueAt left in the
// past is caught up by the next run without losing the cadence phase.
func (m *Manager) Resume(ctx context.Context, id string) (schedule.Schedule, error) {
	return m.setActive(ctx, id, true)
}

func (m *Manager) setActive(ctx context.Context, id string, active bool) (schedule.Schedule, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if s.Active == active {
		return s, nil
	}
	s.Active = active
	s.UpdatedAt = m.opt.Now()
	if err := m.store.Save(ctx, s); err != nil {
		return schedule.Schedule{}, schedule.Transient("store.save", err)
	}
	m.log.Info("schedule state changed", logx.String("schedule_id", s.ID), logx.String("state", string(s.State())))
	return s, nil
}

// Delete soft-deletes the schedule. Deleting an already deleted schedule succeeds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Deleted {
		return nil
	}
	if err := m.store.SoftDelete(ctx, id); err != nil {
		return schedule.Transient("store.soft_delete", err)
	}
	m.log.Info("schedule deleted", logx.String("schedule_id", id))
	return nil
}

// DefaultForSubject creates the default schedule for a subject owned by ownerRef
// unless the subject already has a live one. The boolean reports creation.
func (m *Manager) DefaultForSubject(ctx context.Context, subject schedule.Subject, ownerRef string) (schedule.Schedule, bool, error) {
	if strings.TrimSpace(ownerRef) == "" {
		return schedule.Schedule{}, false, fmt.Errorf("%w: subject %s has no assigned owner", ErrInvalid, subject.ID)
	}
	existing, err := m.store.ListBySubject(ctx, subject.ID)
	if err != nil {
		return schedule.Schedule{}, false, schedule.Transient("store.list_by_subject", err)
	}
	for _, s := range existing {
		if s.Live() {
			return s, false, nil
		}
	}
	s, err := m.Create(ctx, CreateParams{
		Subject:  subject,
		OwnerRef: ownerRef,
		Kind:     schedule.KindEmail,
		Rule:     DefaultSpec,
	})
	if err != nil {
		return schedule.Schedule{}, false, err
	}
	return s, true, nil
}

func (m *Manager) load(ctx context.Context, id string) (schedule.Schedule, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if s.Deleted {
		return schedule.Schedule{}, schedule.ErrDeleted
	}
	return s, nil
}

// eager materializes the first occurrence. Failures are logged; the next run retries.
func (m *Manager) eager(ctx context.Context, s *schedule.Schedule) {
	if !m.opt.EagerFirst || m.mat == nil || !s.Live() || s.NextDueAt == nil || s.OwnerRef == "" {
		return
	}
	res, err := m.mat.Materialize(ctx, *s, []time.Time{*s.NextDueAt})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		m.log.Warn("eager materialization failed", logx.String("schedule_id", s.ID), logx.Err(err))
	}
}

// nextFrom returns the first due instant strictly after now, or nil for NONE.
func nextFrom(now time.Time, rule recurrence.Rule) *time.Time {
	if rule.Terminal() {
		return nil
	}
	next, err := recurrence.NextOccurrence(now, rule)
	if err != nil {
		return nil
	}
	return &next
}
