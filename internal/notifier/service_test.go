package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/schedule"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	err   error
	sent  []string
	calls int
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, _ Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		if f.err != nil {
			return f.err
		}
		return errors.New("temporary")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		RatePerSec:  1000,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Hour,
		Location:    time.UTC,
	}
}

func sampleEvent() schedule.MaterializedEvent {
	return schedule.MaterializedEvent{
		OwnerRef: "u-1",
		Owner:    schedule.User{Ref: "u-1", Name: "Dana", TelegramChatID: 7},
		Tasks: []schedule.MaterializedTask{
			{Title: "Call: Acme", SubjectName: "Acme", Kind: schedule.KindCall, DueAt: time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC)},
			{Title: "Email: Globex", SubjectName: "Globex", Kind: schedule.KindEmail, DueAt: time.Date(2024, time.January, 9, 10, 30, 0, 0, time.UTC)},
		},
		Count: 2,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchSendsDigestOnce(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 1}
	svc := New(testConfig(), snd, logx.Nop(), eventbus.New(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	ctx := context.Background()
	if err := svc.Dispatch(ctx, sampleEvent()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// Identical digest inside the window is suppressed.
	if err := svc.Dispatch(ctx, sampleEvent()); err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 1 })

	calls, sent := snd.snapshot()
	if calls != 2 {
		t.Fatalf("calls = %d, want one failure plus one retry", calls)
	}
	if !strings.Contains(sent[0], "Dana, 2 new follow-up tasks") || !strings.Contains(sent[0], "Mon 08 Jan 09:00  Call with Acme") {
		t.Fatalf("digest = %q", sent[0])
	}
}

func TestNoRecipientIsNotRetried(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 10, err: ErrNoRecipient}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc := New(testConfig(), snd, logx.Nop(), bus, nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Dispatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.NotifierFailed {
				continue
			}
			if calls, _ := snd.snapshot(); calls != 1 {
				t.Fatalf("calls = %d, want 1", calls)
			}
			return
		case <-timeout:
			t.Fatal("no failure event")
		}
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	cfg := testConfig()
	cfg.PersistDedup = true

	first := &fakeSender{}
	svc := New(cfg, first, logx.Nop(), nil, store)
	svc.Start(context.Background())
	if err := svc.Dispatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, func() bool { _, sent := first.snapshot(); return len(sent) == 1 })
	svc.Stop(context.Background())

	second := &fakeSender{}
	restarted := New(cfg, second, logx.Nop(), nil, store)
	restarted.Start(context.Background())
	defer restarted.Stop(context.Background())
	if err := restarted.Dispatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Dispatch after restart: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls, _ := second.snapshot(); calls != 0 {
		t.Fatalf("duplicate digest sent after restart (%d calls)", calls)
	}
}

// gatedSender blocks every Send until release is closed.
type gatedSender struct {
	entered chan struct{}
	release chan struct{}
	fakeSender
}

func (g *gatedSender) Send(ctx context.Context, to Target, text string) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.fakeSender.Send(ctx, to, text)
}

func TestQueueFullDoesNotSuppressRetry(t *testing.T) {
	t.Parallel()
	snd := &gatedSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	svc := New(cfg, snd, logx.Nop(), nil, nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())
	ctx := context.Background()

	// The only worker holds "a"; "b" fills the queue; "c" has no room.
	if err := svc.Notify(ctx, Notification{Channel: "x", Text: "a"}); err != nil {
		t.Fatalf("a: %v", err)
	}
	select {
	case <-snd.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first notification")
	}
	if err := svc.Notify(ctx, Notification{Channel: "x", Text: "b"}); err != nil {
		t.Fatalf("b: %v", err)
	}
	if err := svc.Notify(ctx, Notification{Channel: "x", Text: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("c: err = %v, want ErrQueueFull", err)
	}

	close(snd.release)
	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 2 })
	if err := svc.Notify(ctx, Notification{Channel: "x", Text: "c"}); err != nil {
		t.Fatalf("c retry: %v", err)
	}
	waitFor(t, func() bool { _, sent := snd.snapshot(); return len(sent) == 3 })
	if _, sent := snd.snapshot(); sent[2] != "c" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := disabled.Notify(context.Background(), Notification{Channel: "x", Text: "hi"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	stopped := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	if err := stopped.Notify(context.Background(), Notification{Channel: "x", Text: "hi"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	if err := stopped.Dispatch(context.Background(), schedule.MaterializedEvent{OwnerRef: "u-1"}); err != nil {
		t.Fatalf("empty aggregate err = %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %s", d)
	}
}

func TestFormatDigestTruncates(t *testing.T) {
	t.Parallel()
	ev := schedule.MaterializedEvent{OwnerRef: "u-9"}
	for i := 0; i < maxDigestLines+5; i++ {
		ev.Tasks = append(ev.Tasks, schedule.MaterializedTask{SubjectName: "X", Kind: schedule.KindVisit, DueAt: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)})
	}
	out := FormatDigest(ev, time.UTC)
	if !strings.HasPrefix(out, "u-9, 35 new follow-up tasks") || !strings.HasSuffix(out, "… and 5 more") {
		t.Fatalf("digest = %q", out)
	}
}

func TestDigestKeyIgnoresOrderAndRendering(t *testing.T) {
	t.Parallel()
	a := sampleEvent()
	b := sampleEvent()
	b.Tasks[0], b.Tasks[1] = b.Tasks[1], b.Tasks[0]
	b.Owner.Name = "Dana R."
	if digestKey(a) != digestKey(b) {
		t.Fatal("reordered digest got a different key")
	}

	c := sampleEvent()
	c.Tasks[0].DueAt = c.Tasks[0].DueAt.AddDate(0, 1, 0)
	if digestKey(a) == digestKey(c) {
		t.Fatal("different due date got the same key")
	}
	c = sampleEvent()
	c.OwnerRef = "u-2"
	if digestKey(a) == digestKey(c) {
		t.Fatal("different owner got the same key")
	}
}

func TestDedupCacheExpiryAndCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC)
	c := newDedupCache(2, nil)

	if !c.claim(ctx, "a", time.Hour, now, false) {
		t.Fatal("first claim refused")
	}
	if c.claim(ctx, "a", time.Hour, now.Add(59*time.Minute), false) {
		t.Fatal("claim inside the window allowed")
	}
	if !c.claim(ctx, "a", time.Hour, now.Add(time.Hour), false) {
		t.Fatal("claim after expiry refused")
	}

	c.claim(ctx, "b", 2*time.Hour, now.Add(time.Hour), false)
	c.claim(ctx, "c", 3*time.Hour, now.Add(time.Hour), false)
	if n := c.size(); n != 2 {
		t.Fatalf("size = %d, want 2", n)
	}
	// "a" expired first and was evicted.
	if !c.claim(ctx, "a", time.Hour, now.Add(time.Hour+time.Minute), false) {
		t.Fatal("evicted key still suppressed")
	}
}
