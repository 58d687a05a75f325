package notifier

import (
	"context"
	"sync"
	"time"

	logx "cadence/pkg/logx"
)

const (
	dedupLookupTimeout  = 25 * time.Millisecond
	dedupPersistTimeout = 250 * time.Millisecond
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache remembers recently sent keys until their suppress-until instant.
// With a store attached, entries outlive the process: lookups fall through to
// the store and new entries are written asynchronously by flush.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
	max   int

	store  DedupStore
	writes chan dedupWrite
}

func newDedupCache(maxEntries int, store DedupStore) *dedupCache {
	c := &dedupCache{until: map[string]time.Time{}, max: maxEntries}
	if store != nil {
		c.store = store
		c.writes = make(chan dedupWrite, 1024)
	}
	return c
}

// claim reports whether key may be sent now and, if so, suppresses it for
// window. persist consults and feeds the store.
func (c *dedupCache) claim(ctx context.Context, key string, window time.Duration, now time.Time, persist bool) bool {
	c.mu.Lock()
	if u, ok := c.until[key]; ok && now.Before(u) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	persist = persist && c.store != nil
	if persist {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		u, ok, err := c.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(u) {
			c.mu.Lock()
			c.until[key] = u
			c.mu.Unlock()
			return false
		}
	}

	u := now.Add(window)
	c.mu.Lock()
	c.until[key] = u
	c.pruneLocked(now)
	c.mu.Unlock()

	if persist {
		select {
		case c.writes <- dedupWrite{key: key, until: u}:
		default:
		}
	}
	return true
}

// release forgets a claim whose notification was never queued, so the next
// attempt is not suppressed.
func (c *dedupCache) release(key string, now time.Time, persist bool) {
	c.mu.Lock()
	delete(c.until, key)
	c.mu.Unlock()

	// Overwrite a persisted claim that may already be on its way to the store.
	if persist && c.store != nil {
		select {
		case c.writes <- dedupWrite{key: key, until: now}:
		default:
		}
	}
}

// pruneLocked drops expired keys, then the soonest-expiring ones above max.
func (c *dedupCache) pruneLocked(now time.Time) {
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for c.max > 0 && len(c.until) > c.max {
		var (
			oldest string
			at     time.Time
		)
		for k, u := range c.until {
			if oldest == "" || u.Before(at) {
				oldest, at = k, u
			}
		}
		delete(c.until, oldest)
	}
}

func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.until)
}

// flush writes claimed keys to the store until ctx ends or done is closed.
func (c *dedupCache) flush(ctx context.Context, done <-chan struct{}, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-c.writes:
			wctx, cancel := context.WithTimeout(ctx, dedupPersistTimeout)
			if err := c.store.PutDedup(wctx, w.key, w.until); err != nil {
				log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		case <-done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case w := <-c.writes:
					wctx, cancel := context.WithTimeout(context.Background(), dedupPersistTimeout)
					_ = c.store.PutDedup(wctx, w.key, w.until)
					cancel()
				default:
					return
				}
			}
		}
	}
}
