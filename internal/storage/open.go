package storage

import (
	"fmt"
	"strings"

	logx "cadence/pkg/logx"
)

// Open returns the store selected by cfg.Driver. "none" yields ErrDisabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch name {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		log.Warn("using in-memory storage; schedules and tasks are lost on exit")
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	}
	return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
}
