package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Rule describes how a schedule repeats.
//
// The zero value is not a valid rule. Rules are built with Every, CustomDays,
// Once or NewRule, so a CUSTOM rule always carries an interval and no other
// variant does. Rule values are comparable with ==.
type Rule struct {
	freq     Frequency
	interval int // days, CUSTOM only
	weekdays WeekdaySet
	at       TimeOfDay
	hasAt    bool
}

// Option configures the calendar and CUSTOM variants.
type Option func(*Rule) error

// At sets the preferred time of day.
func At(t TimeOfDay) Option {
	return func(r *Rule) error {
		if !t.valid() {
			return configErr("preferred_time", "out of range: %s", t)
		}
		r.at = t
		r.hasAt = true
		return nil
	}
}

// OnWeekdays sets the preferred weekdays. An empty set means "any day".
func OnWeekdays(set WeekdaySet) Option {
	return func(r *Rule) error {
		r.weekdays = set
		return nil
	}
}

// Every builds a calendar rule (DAILY through ANNUALLY).
func Every(freq Frequency, opts ...Option) (Rule, error) {
	if !freq.calendar() {
		return Rule{}, configErr("frequency", "%s is not a calendar frequency", freq)
	}
	return build(Rule{freq: freq}, opts)
}

// CustomDays builds a CUSTOM rule stepping by days (>= 1).
func CustomDays(days int, opts ...Option) (Rule, error) {
	if days < 1 {
		return Rule{}, configErr("custom_interval_days", "must be >= 1 for CUSTOM, got %d", days)
	}
	return build(Rule{freq: FrequencyCustom, interval: days}, opts)
}

// Once builds a NONE rule: the schedule has no further occurrences.
func Once() Rule { return Rule{freq: FrequencyNone} }

func build(r Rule, opts []Option) (Rule, error) {
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(&r); err != nil {
			return Rule{}, err
		}
	}
	return r, nil
}

// Spec is the flat, persisted form of a rule.
type Spec struct {
	Frequency          string `json:"frequency"`
	CustomIntervalDays int    `json:"custom_interval_days,omitempty"`
	PreferredTime      string `json:"preferred_time,omitempty"`
	PreferredWeekdays  []int  `json:"preferred_weekdays,omitempty"`
}

// NewRule validates a Spec and builds the matching variant.
func NewRule(spec Spec) (Rule, error) {
	freq, err := ParseFrequency(spec.Frequency)
	if err != nil {
		return Rule{}, err
	}

	var opts []Option
	if strings.TrimSpace(spec.PreferredTime) != "" {
		t, err := ParseTimeOfDay(spec.PreferredTime)
		if err != nil {
			return Rule{}, err
		}
		opts = append(opts, At(t))
	}
	if len(spec.PreferredWeekdays) > 0 {
		days := make([]time.Weekday, len(spec.PreferredWeekdays))
		for i, d := range spec.PreferredWeekdays {
			days[i] = time.Weekday(d)
		}
		set, err := NewWeekdaySet(days...)
		if err != nil {
			return Rule{}, err
		}
		opts = append(opts, OnWeekdays(set))
	}

	switch {
	case freq == FrequencyNone:
		if spec.CustomIntervalDays != 0 || len(opts) > 0 {
			return Rule{}, configErr("frequency", "NONE takes no interval, weekdays or time")
		}
		return Once(), nil
	case freq == FrequencyCustom:
		return CustomDays(spec.CustomIntervalDays, opts...)
	default:
		if spec.CustomIntervalDays != 0 {
			return Rule{}, configErr("custom_interval_days", "only valid for CUSTOM, frequency is %s", freq)
		}
		return Every(freq, opts...)
	}
}

// Spec converts the rule back to its persisted form.
func (r Rule) Spec() Spec {
	s := Spec{Frequency: r.freq.String(), CustomIntervalDays: r.interval}
	if r.hasAt {
		s.PreferredTime = r.at.String()
	}
	if !r.weekdays.Empty() {
		s.PreferredWeekdays = r.weekdays.Ints()
	}
	return s
}

func (r Rule) Frequency() Frequency   { return r.freq }
func (r Rule) IntervalDays() int      { return r.interval }
func (r Rule) Weekdays() WeekdaySet   { return r.weekdays }
func (r Rule) IsZero() bool           { return r == Rule{} }
func (r Rule) Terminal() bool         { return r.freq == FrequencyNone }
func (r Rule) HasPreferredTime() bool { return r.hasAt }

// TimeOfDay returns the preferred time, or DefaultTimeOfDay.
func (r Rule) TimeOfDay() TimeOfDay {
	if r.hasAt {
		return r.at
	}
	return DefaultTimeOfDay
}

func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(r.freq.String())
	if r.freq == FrequencyCustom {
		fmt.Fprintf(&b, " every %dd", r.interval)
	}
	if r.freq == FrequencyNone {
		return b.String()
	}
	if !r.weekdays.Empty() {
		b.WriteString(" on ")
		b.WriteString(r.weekdays.String())
	}
	b.WriteString(" at ")
	b.WriteString(r.TimeOfDay().String())
	return b.String()
}

// validate guards against zero-value or hand-assembled rules.
func (r Rule) validate() error {
	switch {
	case r.freq == FrequencyNone:
		return nil
	case r.freq == FrequencyCustom:
		if r.interval < 1 {
			return configErr("custom_interval_days", "must be >= 1 for CUSTOM")
		}
		return nil
	case r.freq.calendar():
		return nil
	default:
		return configErr("frequency", "unspecified")
	}
}
