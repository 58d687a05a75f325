package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"cadence/internal/recurrence"
)

// ruleFlags collects a recurrence rule from the command line.
type ruleFlags struct {
	frequency string
	interval  int
	at        string
	weekdays  string
}

func (f *ruleFlags) bind(fs *pflag.FlagSet, defFrequency string) {
	fs.StringVar(&f.frequency, "frequency", defFrequency, "DAILY|WEEKLY|BIWEEKLY|MONTHLY|QUARTERLY|ANNUALLY|CUSTOM|NONE")
	fs.IntVar(&f.interval, "every-days", 0, "interval in days for CUSTOM")
	fs.StringVar(&f.at, "at", "", "preferred time of day (HH:MM)")
	fs.StringVar(&f.weekdays, "weekdays", "", "preferred weekdays, e.g. mon,wed,fri")
}

func (f *ruleFlags) spec() (recurrence.Spec, error) {
	spec := recurrence.Spec{
		Frequency:          strings.ToUpper(strings.TrimSpace(f.frequency)),
		CustomIntervalDays: f.interval,
		PreferredTime:      strings.TrimSpace(f.at),
	}
	if strings.TrimSpace(f.weekdays) != "" {
		set, err := recurrence.ParseWeekdays(f.weekdays)
		if err != nil {
			return recurrence.Spec{}, err
		}
		spec.PreferredWeekdays = set.Ints()
	}
	// Validate early so the user sees the rule error, not a storage error.
	if _, err := recurrence.NewRule(spec); err != nil {
		return recurrence.Spec{}, err
	}
	return spec, nil
}

// parseDay accepts YYYY-MM-DD or RFC 3339 in loc.
func parseDay(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", raw, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD, 'YYYY-MM-DD HH:MM' or RFC 3339)", raw)
	}
	return t.In(loc), nil
}
