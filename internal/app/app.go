// Package app wires storage, the driver, the notifier, the trigger and
// config hot reload into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/config"
	"cadence/internal/driver"
	"cadence/internal/eventbus"
	"cadence/internal/lifecycle"
	"cadence/internal/materialize"
	"cadence/internal/notifier"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	"cadence/internal/transport/telegram"
	"cadence/internal/trigger"
	logx "cadence/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	store storage.Store
	mat   *materialize.Materializer
	life  *lifecycle.Manager
	drv   *driver.Driver
	notif *notifier.Service
	trig  *trigger.Service

	tgMu sync.Mutex
	tg   *telegram.Sender

	loc atomic.Pointer[time.Location]
}

// New builds the app from cfg. cfgm may be nil when hot reload is not wanted.
func New(cfg *config.Config, cfgm *config.ConfigManager) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("storage: %w (cadence needs a store)", storage.ErrDisabled)
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{cfgm: cfgm, cfg: cfg, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: bus, store: store}
	if err := a.build(cfg, loc); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, loc *time.Location) error {
	a.loc.Store(loc)
	ncfg, err := mapNotifierConfig(cfg, loc)
	if err != nil {
		return err
	}
	dcfg, err := mapDriverConfig(cfg, loc)
	if err != nil {
		return err
	}
	sender, err := a.newSender(cfg)
	if err != nil {
		return err
	}

	a.mat = materialize.New(a.store, mapMaterializerConfig(cfg), a.log)
	a.life = lifecycle.New(a.store, a.mat, a.log, mapLifecycleOptions(cfg, a.loc.Load))
	a.notif = notifier.New(ncfg, sender, a.log, a.bus, a.store)
	a.drv = driver.New(dcfg, driver.Deps{
		Store:        a.store,
		Owners:       a.store,
		Materializer: a.mat,
		Dispatcher:   a.notif,
		Bus:          a.bus,
		Log:          a.log,
	})
	a.trig = trigger.New(mapTriggerConfig(cfg, loc, dcfg.RunTimeout), a.runTriggered, a.log)
	return a.trig.Validate(mapTriggerConfig(cfg, loc, 0).At)
}

// newSender returns the telegram sender, or a log sender without a token.
func (a *App) newSender(cfg *config.Config) (notifier.Sender, error) {
	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tcfg.Token == "" {
		a.log.Info("telegram token not set; digests go to the log")
		a.setTelegram(nil)
		return telegram.LogSender{Log: a.log.With(logx.String("comp", "digest"))}, nil
	}
	tg, err := telegram.New(tcfg, a.log)
	if err != nil {
		return nil, err
	}
	a.setTelegram(tg)
	return tg, nil
}

func (a *App) setTelegram(tg *telegram.Sender) {
	a.tgMu.Lock()
	a.tg = tg
	a.tgMu.Unlock()
	a.installAlertHook()
}

func (a *App) telegram() *telegram.Sender {
	a.tgMu.Lock()
	defer a.tgMu.Unlock()
	return a.tg
}

// installAlertHook forwards alert log lines to the operator chat.
func (a *App) installAlertHook() {
	if a.logs == nil {
		return
	}
	chatID := a.cfg.Logging.Alert.ChatID
	tg := a.tg
	if tg == nil || chatID == 0 {
		a.logs.SetAlertHook(nil)
		return
	}
	a.logs.SetAlertHook(func(ctx context.Context, _ logx.Level, text string) {
		_ = tg.Send(ctx, notifier.Target{OwnerRef: "operator", ChatID: chatID}, text)
	})
}

func (a *App) Log() logx.Logger              { return a.log }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Lifecycle() *lifecycle.Manager { return a.life }
func (a *App) Driver() *driver.Driver        { return a.drv }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// RunOnce performs one driver pass and waits for the digests to drain.
func (a *App) RunOnce(ctx context.Context) (driver.Report, error) {
	if a.notif.Enabled() {
		a.notif.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			a.notif.Stop(stopCtx)
		}()
	}
	return a.drv.Run(ctx)
}

func (a *App) runTriggered(ctx context.Context) error {
	_, err := a.drv.Run(ctx)
	if errors.Is(err, driver.ErrRunInProgress) || errors.Is(err, driver.ErrTooSoon) {
		return nil
	}
	return err
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived services: notifier, telegram polling, trigger,
// event logging and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	if tg := a.telegram(); tg != nil {
		tg.Start(c)
	}
	if err := a.trig.Start(c); err != nil {
		return err
	}
	if a.cfg.Driver.Enabled && a.cfg.Driver.RunOnStart {
		a.sup.Go0("driver.run_on_start", func(c context.Context) {
			if err := a.runTriggered(c); err != nil {
				a.log.Warn("startup run failed", logx.Err(err))
			}
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return a.validate(cfg)
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts; only the newest config matters.
				drain:
					for {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							break drain
						}
					}
					a.applyConfig(c, newCfg)
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Time("next_run", a.trig.Next()))
	return nil
}

// validate rejects a reload that could not be applied.
func (a *App) validate(cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDriverConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if cfg.Driver.Enabled {
		return a.trig.Validate(mapTriggerConfig(cfg, loc, 0).At)
	}
	return nil
}

// applyConfig swaps live settings. Storage changes need a restart.
func (a *App) applyConfig(c context.Context, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(a.cfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	loc, err := newCfg.Location()
	if err != nil {
		a.log.Warn("invalid timezone; keeping previous config", logx.Err(err))
		return
	}
	old := a.cfg
	a.cfg = newCfg
	a.loc.Store(loc)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
			a.installAlertHook()
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "materializer":
			a.log.Warn("materializer config changed; restart required for changes to take effect")
		case "telegram":
			a.swapSender(c, old, newCfg)
		}
	}

	if dcfg, err := mapDriverConfig(newCfg, loc); err != nil {
		a.log.Warn("invalid driver config; keeping previous", logx.Err(err))
	} else {
		a.drv.Apply(dcfg)
		if err := a.trig.Apply(mapTriggerConfig(newCfg, loc, dcfg.RunTimeout)); err != nil {
			a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg, loc); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !prev && ncfg.Enabled:
			a.notif.Start(c)
			a.log.Info("notifier enabled via config")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
}

func (a *App) swapSender(c context.Context, old, newCfg *config.Config) {
	prev := a.telegram()
	sender, err := a.newSender(newCfg)
	if err != nil {
		a.log.Warn("telegram config rejected; keeping previous sender", logx.Err(err))
		a.cfg.Telegram = old.Telegram
		a.setTelegram(prev)
		return
	}
	a.notif.SetSender(sender)
	if prev != nil {
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		prev.Stop(stopCtx)
		cancel()
	}
	if tg := a.telegram(); tg != nil {
		tg.Start(c)
	}
}

// Stop shuts services down in dependency order, bounding each step.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if tg := a.telegram(); tg != nil {
			tg.Stop(c)
		}
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases resources for short-lived commands that never called Start.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}
