package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cadence/internal/recurrence"
)

// Kind is the form a schedule string was given in.
type Kind int

const (
	Daily Kind = iota
	Cron
	Interval
)

func (k Kind) String() string {
	switch k {
	case Daily:
		return "daily"
	case Cron:
		return "cron"
	case Interval:
		return "interval"
	}
	return "unknown"
}

// When is a parsed trigger schedule.
type When struct {
	Kind  Kind
	Time  recurrence.TimeOfDay // Daily
	Cron  string               // Cron
	Every time.Duration        // Interval
}

// Expr renders w for the robfig/cron parser.
func (w When) Expr() string {
	switch w.Kind {
	case Daily:
		return fmt.Sprintf("%d %d * * *", w.Time.Minute, w.Time.Hour)
	case Interval:
		return "@every " + w.Every.String()
	}
	return w.Cron
}

func (w When) String() string {
	switch w.Kind {
	case Daily:
		return "daily at " + w.Time.String()
	case Interval:
		return "every " + w.Every.String()
	}
	return "cron " + w.Cron
}

var errEmptySchedule = errors.New("trigger: schedule required")

// ParseSchedule reads the driver's `at` setting:
//
//	06:00            daily at a local time of day
//	0 6 * * 1-5      cron (5 or 6 fields), also @daily, @every 6h
//	6h               interval
//	cron:<expr>      forced cron
//	every:<d|HH:MM>  forced interval; HH:MM is a length here, not a time
func ParseSchedule(raw string) (When, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return When{}, errEmptySchedule
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return When{}, fmt.Errorf("trigger: empty cron expression in %q", raw)
		}
		return When{Kind: Cron, Cron: rest}, nil
	}
	for _, p := range []string{"every:", "interval:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			d, err := parseEvery(rest)
			if err != nil {
				return When{}, err
			}
			return When{Kind: Interval, Every: d}, nil
		}
	}

	switch {
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return When{Kind: Cron, Cron: s}, nil
	case strings.Contains(s, ":"):
		tod, err := recurrence.ParseTimeOfDay(s)
		if err != nil {
			return When{}, fmt.Errorf("trigger: invalid time of day %q", raw)
		}
		return When{Kind: Daily, Time: tod}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return When{}, fmt.Errorf("trigger: invalid schedule %q (want 06:00, a cron expression or a duration like 6h)", raw)
	}
	if d <= 0 {
		return When{}, fmt.Errorf("trigger: interval must be > 0, got %s", d)
	}
	return When{Kind: Interval, Every: d}, nil
}

var reLength = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// parseEvery accepts a Go duration or HH:MM as a length of time.
func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := reLength.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		d = time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("trigger: invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("trigger: interval must be > 0, got %q", v)
	}
	return d, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
