package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "24h").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	// Timezone is an IANA name used for the run window, the trigger and
	// digest rendering. Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`

	Storage      *StorageConfig     `json:"storage,omitempty"`
	Driver       DriverConfig       `json:"driver"`
	Materializer MaterializerConfig `json:"materializer"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ lines to an operator chat through the telegram sender.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cadence.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DriverConfig controls the periodic materialization run.
//
// Defaults (when fields are omitted/zero):
//   - at: "06:00"
//   - horizon_months: 3
//   - min_interval: "0s" (disabled)
//   - run_timeout: "0s" (disabled)
//   - workers: 4
//   - safety_cap: 365
type DriverConfig struct {
	Enabled       bool   `json:"enabled"`
	At            string `json:"at,omitempty"`
	RunOnStart    bool   `json:"run_on_start,omitempty"`
	HorizonMonths int    `json:"horizon_months,omitempty"`
	MinInterval   string `json:"min_interval,omitempty"`
	RunTimeout    string `json:"run_timeout,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	SafetyCap     int    `json:"safety_cap,omitempty"`
}

type MaterializerConfig struct {
	CategoryMarker string `json:"category_marker,omitempty"`
	EagerFirst     bool   `json:"eager_first,omitempty"`
	// DateLayout is a Go time layout used in task descriptions.
	DateLayout string `json:"date_layout,omitempty"`
}

// NotifierConfig controls the async digest pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	ParseMode   string `json:"parse_mode,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "20h",
		DedupMaxEntries: 2000,
		PersistDedup:    true,
	}
}

// Default is the configuration used when no file is given.
func Default() *Config {
	n := DefaultNotifier()
	return &Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		Storage:  &StorageConfig{Driver: "sqlite", Path: "./cadence.db"},
		Driver:   DriverConfig{Enabled: true, At: "06:00", HorizonMonths: 3},
		Notifier: &n,
	}
}
