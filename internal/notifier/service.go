package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const digestChannel = "digest"

type job struct {
	n   Notification
	key string
}

// run is one Start..Stop cycle.
type run struct {
	queue   chan job
	sup     *rtsup.Supervisor
	flushed chan struct{} // closed to make the dedup flusher drain and exit
	done    chan struct{} // non-nil once stopping
}

// Service delivers owner digests asynchronously: Dispatch renders and
// enqueues, supervised workers send with a shared rate limit and retries,
// and a dedup window suppresses repeats. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	cur     *run
	// accepting gates Notify; inflight lets Stop wait for enqueues to finish.
	accepting bool
	inflight  sync.WaitGroup

	log   logx.Logger
	bus   eventbus.Bus
	dedup *dedupCache
}

// New returns a stopped service. store may be nil.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		limiter: newLimiter(cfg),
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		dedup:   newDedupCache(cfg.DedupMaxEntries, store),
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// newLimiter allows a burst of one second's worth of sends.
func newLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Workers and QueueSize take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg)
	s.mu.Unlock()
}

// SetSender swaps the delivery transport, e.g. after a token change.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Start launches the workers. It is idempotent and a no-op when disabled.
// A Start racing a Stop waits for the Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.cur != nil && s.cur.done != nil {
		done := s.cur.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	r := &run{
		queue:   make(chan job, s.cfg.QueueSize),
		flushed: make(chan struct{}),
		// Delivery is best-effort; a failing worker never takes the process down.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur, s.accepting = r, true
	workers, persist := s.cfg.Workers, s.cfg.PersistDedup && s.dedup.store != nil
	s.mu.Unlock()

	if persist {
		r.sup.Go0("dedup.flush", func(c context.Context) { s.dedup.flush(c, r.flushed, s.log) })
	}
	for i := range workers {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case j, ok := <-r.queue:
					if !ok {
						return nil
					}
					s.delivery().run(c, j.n, j.key)
				}
			}
		}, rtsup.WithStopOnCleanExit(true), rtsup.WithPublishFirstError(true))
	}
}

// Stop closes intake and drains the queue until ctx is done; then pending
// sends are abandoned.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	if r.done != nil {
		s.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
		}
		return
	}
	r.done = make(chan struct{})
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		s.inflight.Wait()
		close(r.queue)
		close(r.flushed)
		_ = r.sup.Wait(context.Background())
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
	}()

	select {
	case <-r.done:
	case <-ctx.Done():
		r.sup.Cancel()
	}
}

func (s *Service) delivery() delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return delivery{cfg: s.cfg, limiter: s.limiter, sender: s.sender, bus: s.bus, log: s.log}
}

// Dispatch renders the owner's digest and enqueues it. Empty aggregates are ignored.
func (s *Service) Dispatch(ctx context.Context, ev schedule.MaterializedEvent) error {
	if ev.Count == 0 && len(ev.Tasks) == 0 {
		return nil
	}
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	return s.Notify(ctx, Notification{
		Channel:  digestChannel,
		Target:   Target{OwnerRef: ev.OwnerRef, ChatID: ev.Owner.TelegramChatID},
		Text:     FormatDigest(ev, loc),
		DedupKey: digestKey(ev),
	})
}

// Notify enqueues n. A duplicate inside the dedup window returns nil without
// sending. A notification dropped with ErrQueueFull is not remembered, so a
// retry goes through.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.accepting || s.cur == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, persist := s.cur.queue, s.cfg.DedupWindow, s.cfg.PersistDedup
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := n.DedupKey
	if key == "" {
		key = textKey(n)
	}
	ev := NotificationEvent{Channel: n.Channel, OwnerRef: n.Target.OwnerRef, Key: key, At: time.Now()}
	claimed := window > 0 && key != ""
	if claimed && !s.dedup.claim(ctx, key, window, ev.At, persist) {
		eventbus.Emit(s.bus, eventbus.NotifierDeduped, ev)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		eventbus.Emit(s.bus, eventbus.NotifierQueued, ev)
		return nil
	default:
		if claimed {
			s.dedup.release(key, ev.At, persist)
		}
		ev.Error = ErrQueueFull.Error()
		eventbus.Emit(s.bus, eventbus.NotifierDropped, ev)
		return ErrQueueFull
	}
}

// textKey is the default dedup key. Notifications without a channel are never deduplicated.
func textKey(n Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|", n.Channel, n.Target.OwnerRef, n.Target.ChatID)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}
