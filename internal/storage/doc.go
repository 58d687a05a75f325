// Package storage persists schedules, engine-created tasks, owners and the
// notifier dedup state.
//
// Two drivers exist:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "memory": process-local maps, for previews, dry runs and tests
//
// Both enforce at most one task per (category, subject, owner, due instant).
package storage
