package notifier

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

const sendTimeout = 10 * time.Second

// delivery is one send attempt chain with the settings captured at dequeue.
type delivery struct {
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
}

// run sends n, retrying transient failures with backoff. ErrNoRecipient is final.
func (d delivery) run(ctx context.Context, n Notification, key string) {
	if d.sender == nil || n.Text == "" {
		return
	}
	ev := NotificationEvent{Channel: n.Channel, OwnerRef: n.Target.OwnerRef, Key: key}
	attempts := 1 + d.cfg.RetryMax

	var err error
	for attempt := 1; ; attempt++ {
		if werr := d.limiter.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = d.sender.Send(sctx, n.Target, n.Text)
		cancel()
		if err == nil {
			ev.At = time.Now()
			eventbus.Emit(d.bus, eventbus.NotifierSent, ev)
			return
		}
		d.log.Debug("send attempt failed",
			logx.String("sender", d.sender.Name()),
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
			logx.Err(err),
		)
		if errors.Is(err, ErrNoRecipient) || attempt >= attempts {
			break
		}
		if !sleep(ctx, retryDelay(d.cfg, attempt)) {
			return
		}
	}

	d.log.Warn("digest not delivered",
		logx.String("owner", n.Target.OwnerRef),
		logx.String("sender", d.sender.Name()),
		logx.Err(err),
	)
	ev.At, ev.Error = time.Now(), err.Error()
	eventbus.Emit(d.bus, eventbus.NotifierFailed, ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is the wait before attempt+1: RetryBase doubled per attempt,
// capped at RetryMaxDelay, with ±30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
