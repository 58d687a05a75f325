package recurrence

import "time"

// Never is returned for NONE rules so walks terminate deterministically.
var Never = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// weekdayLookahead bounds the forward search for a preferred weekday.
const weekdayLookahead = 14

// NextOccurrence returns the next candidate instant strictly after from.
//
//  1. from is stepped by the rule's calendar unit (or CUSTOM days).
//  2. With preferred weekdays, the date moves forward day by day, at most
//     weekdayLookahead days, until it lands on one. If none matches the
//     stepped date is kept as is.
//  3. The preferred time of day (default 09:00) replaces the clock time.
//
// All calendar math happens in from's location.
func NextOccurrence(from time.Time, rule Rule) (time.Time, error) {
	if err := rule.validate(); err != nil {
		return time.Time{}, err
	}
	if rule.freq == FrequencyNone {
		return Never, nil
	}

	next := step(from, rule)
	if !rule.weekdays.Empty() {
		next = adjustWeekday(next, rule.weekdays.Has)
	}
	return withTimeOfDay(next, rule.TimeOfDay()), nil
}

// Align returns the first candidate at or after t: t's date at the preferred
// time (the following day if that already passed), moved forward to a
// preferred weekday. NONE rules align to Never.
func Align(t time.Time, rule Rule) (time.Time, error) {
	if err := rule.validate(); err != nil {
		return time.Time{}, err
	}
	if rule.freq == FrequencyNone {
		return Never, nil
	}

	c := withTimeOfDay(t, rule.TimeOfDay())
	if c.Before(t) {
		c = withTimeOfDay(t.AddDate(0, 0, 1), rule.TimeOfDay())
	}
	if !rule.weekdays.Empty() {
		c = adjustWeekday(c, rule.weekdays.Has)
	}
	return c, nil
}

func step(from time.Time, rule Rule) time.Time {
	switch rule.freq {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14)
	case FrequencyMonthly:
		return addMonths(from, 1)
	case FrequencyQuarterly:
		return addMonths(from, 3)
	case FrequencySemiAnnually:
		return addMonths(from, 6)
	case FrequencyAnnually:
		return addMonths(from, 12)
	case FrequencyCustom:
		return from.AddDate(0, 0, rule.interval)
	default:
		return Never
	}
}

// addMonths clamps the day to the end of the target month (Jan 31 + 1 month = Feb 28/29).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

// adjustWeekday never moves backward. When no day within the lookahead
// matches, t is returned unchanged.
func adjustWeekday(t time.Time, match func(time.Weekday) bool) time.Time {
	for i := 0; i < weekdayLookahead; i++ {
		c := t.AddDate(0, 0, i)
		if match(c.Weekday()) {
			return c
		}
	}
	return t
}

func withTimeOfDay(t time.Time, tod TimeOfDay) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, t.Location())
}
