// Package notifier delivers per-owner digests of newly materialized tasks.
//
// The driver hands each owner's aggregate to Service.Dispatch, which renders
// the digest and enqueues it. Worker goroutines send queued messages through
// a Sender under a shared token-bucket rate limit, retrying failed sends with
// jittered exponential backoff.
//
// # Dedup
//
// A digest announcing the same (schedule, due) pairs to the same owner is
// suppressed for DedupWindow, however it renders.
// With PersistDedup the suppress-until instants are written to storage so a
// restart followed by a re-run does not notify twice.
package notifier
