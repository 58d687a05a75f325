// Package trigger fires the driver on a wall-clock schedule.
package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "cadence/pkg/logx"
)

type Config struct {
	Enabled bool
	// At is a schedule string accepted by ParseSchedule.
	At       string
	Location *time.Location
	// Timeout bounds one fire. Zero means no extra bound.
	Timeout time.Duration
}

// Job is one run; a non-nil error is logged.
type Job func(ctx context.Context) error

// Service owns a cron instance with one entry.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	job    Job
	parser cron.Parser

	c       *cron.Cron
	entry   cron.EntryID
	baseCtx context.Context

	running atomic.Bool
	skipped atomic.Uint64
	fired   atomic.Uint64
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		job: job,
		log: log.With(logx.String("comp", "trigger")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks that raw parses into a schedule cron accepts.
func (s *Service) Validate(raw string) error {
	p, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	_, err = s.parser.Parse(p.Expr())
	return err
}

// Apply swaps the configuration, replacing the cron instance when the
// schedule or location changed. It does not wait for a fire in progress;
// that fire finishes on its own and the overlap guard covers the new entry.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := s.Validate(cfg.At); err != nil {
			return err
		}
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil || (old.Enabled == cfg.Enabled && strings.TrimSpace(old.At) == strings.TrimSpace(cfg.At) && locName(old.Location) == locName(cfg.Location)) {
		s.mu.Unlock()
		return nil
	}
	prev := s.c
	s.c, s.entry = nil, 0
	err := s.startLocked()
	s.mu.Unlock()

	prev.Stop()
	return err
}

// Start registers the entry and starts cron. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cfg := s.cfg
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if !cfg.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	p, err := ParseSchedule(cfg.At)
	if err != nil {
		s.c = nil
		return err
	}
	id, err := s.c.AddFunc(p.Expr(), s.fire)
	if err != nil {
		s.c = nil
		return err
	}
	s.entry = id
	s.c.Start()
	s.log.Info("trigger started",
		logx.String("when", p.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", s.c.Entry(id).Next),
	)
	return nil
}

// Stop stops triggering and waits for a running fire until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.entry = nil, 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	// A fire started by a cron instance replaced in Apply is not tracked by c.
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.running.Load() && ctx.Err() == nil {
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	s.log.Info("trigger stopped", logx.Uint64("fired", s.fired.Load()), logx.Uint64("skipped", s.skipped.Load()))
}

// Next reports the next fire time, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.entry == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// fire runs the job unless the previous fire is still running.
func (s *Service) fire() {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("trigger skipped: previous run still in progress")
		return
	}
	defer s.running.Store(false)
	s.fired.Add(1)

	s.mu.Lock()
	ctx, timeout, job := s.baseCtx, s.cfg.Timeout, s.job
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil || job == nil {
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("triggered run failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("triggered run done", logx.Duration("took", time.Since(start)))
}

func locName(l *time.Location) string {
	if l == nil {
		return ""
	}
	return l.String()
}
