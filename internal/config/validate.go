package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "cadence/pkg/logx"
)

// FieldError reports one invalid setting.
type FieldError struct {
	Path string
	Msg  string
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Msg }

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &FieldError{Path: "timezone", Msg: fmt.Sprintf("unknown zone %q", tz)}
	}
	return loc, nil
}

// Validate checks values that would otherwise fail late, at wiring time.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	d := c.Driver
	if d.HorizonMonths < 0 {
		errs = append(errs, &FieldError{Path: "driver.horizon_months", Msg: "must be >= 0"})
	}
	if d.Workers < 0 {
		errs = append(errs, &FieldError{Path: "driver.workers", Msg: "must be >= 0"})
	}
	if d.SafetyCap < 0 {
		errs = append(errs, &FieldError{Path: "driver.safety_cap", Msg: "must be >= 0"})
	}
	for path, raw := range map[string]string{
		"driver.min_interval":   d.MinInterval,
		"driver.run_timeout":    d.RunTimeout,
		"telegram.poll_timeout": c.Telegram.PollTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3", "memory", "mem", "none":
		default:
			errs = append(errs, &FieldError{Path: "storage.driver", Msg: fmt.Sprintf("unknown driver %q", s.Driver)})
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if n := c.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if n.RetryMax < 0 {
			errs = append(errs, &FieldError{Path: "notifier.retry_max", Msg: "must be >= 0"})
		}
	}

	for path, raw := range map[string]string{
		"logging.level":           c.Logging.Level,
		"logging.alert.min_level": c.Logging.Alert.MinLevel,
	} {
		if strings.TrimSpace(raw) != "" && logx.ParseLevel(raw, logx.LevelDisabled) == logx.LevelDisabled {
			errs = append(errs, &FieldError{Path: path, Msg: fmt.Sprintf("unknown level %q", raw)})
		}
	}
	if c.Logging.Alert.Enabled && c.Logging.Alert.ChatID == 0 {
		errs = append(errs, &FieldError{Path: "logging.alert.chat_id", Msg: "required when alerts are enabled"})
	}
	return errors.Join(errs...)
}
