package app

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/driver"
	"cadence/internal/lifecycle"
	"cadence/internal/materialize"
	"cadence/internal/notifier"
	"cadence/internal/storage"
	"cadence/internal/transport/telegram"
	"cadence/internal/trigger"
	logx "cadence/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false for "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		sc = config.Default().Storage
	}
	driverName := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driverName == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driverName {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDriverConfig(cfg *config.Config, loc *time.Location) (driver.Config, error) {
	d := cfg.Driver
	minInterval, err := config.ParseDurationField("driver.min_interval", d.MinInterval)
	if err != nil {
		return driver.Config{}, err
	}
	runTimeout, err := config.ParseDurationField("driver.run_timeout", d.RunTimeout)
	if err != nil {
		return driver.Config{}, err
	}
	return driver.Config{
		HorizonMonths: d.HorizonMonths,
		MinInterval:   minInterval,
		RunTimeout:    runTimeout,
		Workers:       d.Workers,
		SafetyCap:     d.SafetyCap,
		Location:      loc,
	}, nil
}

func mapTriggerConfig(cfg *config.Config, loc *time.Location, runTimeout time.Duration) trigger.Config {
	at := strings.TrimSpace(cfg.Driver.At)
	if at == "" {
		at = "06:00"
	}
	return trigger.Config{Enabled: cfg.Driver.Enabled, At: at, Location: loc, Timeout: runTimeout}
}

func mapMaterializerConfig(cfg *config.Config) materialize.Config {
	return materialize.Config{
		CategoryMarker: strings.TrimSpace(cfg.Materializer.CategoryMarker),
		DateLayout:     cfg.Materializer.DateLayout,
	}
}

// mapLifecycleOptions anchors first occurrences in the configured zone; loc
// is read on every call so a timezone reload applies to new schedules.
func mapLifecycleOptions(cfg *config.Config, loc func() *time.Location) lifecycle.Options {
	return lifecycle.Options{
		EagerFirst: cfg.Materializer.EagerFirst,
		Now:        func() time.Time { return time.Now().In(loc()) },
	}
}

func mapNotifierConfig(cfg *config.Config, loc *time.Location) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Location:        loc,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		ParseMode:   cfg.Telegram.ParseMode,
	}, nil
}
