package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Frequency represents supported recurrence intervals.
type Frequency int

const (
	// FrequencyUnspecified indicates the rule frequency is not set.
	FrequencyUnspecified Frequency = iota
	FrequencyDaily
	FrequencyWeekly
	FrequencyBiweekly
	FrequencyMonthly
	FrequencyQuarterly
	FrequencySemiAnnually
	FrequencyAnnually
	// FrequencyCustom steps by a fixed number of days.
	FrequencyCustom
	// FrequencyNone never produces a further occurrence.
	FrequencyNone
)

var frequencyNames = map[Frequency]string{
	FrequencyDaily:        "DAILY",
	FrequencyWeekly:       "WEEKLY",
	FrequencyBiweekly:     "BIWEEKLY",
	FrequencyMonthly:      "MONTHLY",
	FrequencyQuarterly:    "QUARTERLY",
	FrequencySemiAnnually: "SEMIANNUALLY",
	FrequencyAnnually:     "ANNUALLY",
	FrequencyCustom:       "CUSTOM",
	FrequencyNone:         "NONE",
}

func (f Frequency) String() string {
	if s, ok := frequencyNames[f]; ok {
		return s
	}
	return "UNSPECIFIED"
}

// calendar reports whether f steps by a fixed calendar unit.
func (f Frequency) calendar() bool {
	return f >= FrequencyDaily && f <= FrequencyAnnually
}

// ParseFrequency accepts the canonical names case-insensitively.
// "SEMI_ANNUALLY", "BI-WEEKLY" and similar separators are tolerated.
func ParseFrequency(raw string) (Frequency, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
	for f, name := range frequencyNames {
		if name == s {
			return f, nil
		}
	}
	return FrequencyUnspecified, configErr("frequency", "unknown frequency %q", raw)
}

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// DefaultTimeOfDay is applied when a rule has no preferred time.
var DefaultTimeOfDay = TimeOfDay{Hour: 9}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reHHMM.FindStringSubmatch(raw)
	if m == nil {
		return TimeOfDay{}, configErr("preferred_time", "expected HH:MM, got %q", raw)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	t := TimeOfDay{Hour: h, Minute: mi}
	if !t.valid() {
		return TimeOfDay{}, configErr("preferred_time", "out of range: %q", raw)
	}
	return t, nil
}

// WeekdaySet is a set of weekdays (Sunday=0 … Saturday=6).
type WeekdaySet uint8

// NewWeekdaySet builds a set, rejecting values outside 0–6.
func NewWeekdaySet(days ...time.Weekday) (WeekdaySet, error) {
	var s WeekdaySet
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return 0, configErr("preferred_weekdays", "weekday %d out of range 0-6", int(d))
		}
		s |= 1 << uint(d)
	}
	return s, nil
}

// MustWeekdays is NewWeekdaySet for literal, known-good input.
func MustWeekdays(days ...time.Weekday) WeekdaySet {
	s, err := NewWeekdaySet(days...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) Empty() bool             { return s == 0 }

// Days returns the members in Sunday-first order.
func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Ints returns the members as 0–6 integers, the persisted form.
func (s WeekdaySet) Ints() []int {
	days := s.Days()
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out
}

func (s WeekdaySet) String() string {
	days := s.Days()
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = d.String()[:3]
	}
	return strings.Join(parts, ",")
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses a comma separated list of names ("mon,wed") or numbers ("1,3").
func ParseWeekdays(raw string) (WeekdaySet, error) {
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		if d, ok := weekdayNames[p]; ok {
			days = append(days, d)
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, configErr("preferred_weekdays", "unknown weekday %q", part)
		}
		days = append(days, time.Weekday(n))
	}
	return NewWeekdaySet(days...)
}
