package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"cadence/internal/notifier"
	rtsup "cadence/internal/runtime/supervisor"
	logx "cadence/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	ParseMode   string
}

// Sender implements notifier.Sender on telebot.
type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

var _ notifier.Sender = (*Sender)(nil)

// New builds a sender without contacting Telegram. Polling only starts in Start.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	s.registerHandlers()
	return s, nil
}

func (s *Sender) Name() string { return "telegram" }

func (s *Sender) registerHandlers() {
	reply := func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		return c.Send(fmt.Sprintf("Your chat id is %d. Register it on your user to receive follow-up digests.", chat.ID))
	}
	s.bot.Handle("/start", reply)
	s.bot.Handle("/chatid", reply)
}

// Send delivers text to the target chat, splitting long digests.
func (s *Sender) Send(ctx context.Context, to notifier.Target, text string) error {
	if to.ChatID == 0 {
		return notifier.ErrNoRecipient
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit, s.cfg.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: s.cfg.ParseMode, DisableWebPagePreview: true}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send to %d: %w", to.ChatID, err)
		}
	}
	return nil
}

// Start runs the long-poll loop under a restarting supervisor.
func (s *Sender) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
	// Start blocks until Stop; it can also return on its own, so restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop ends polling. Shutdown never waits longer than two seconds on a long poll.
func (s *Sender) Stop(ctx context.Context) {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("telegram stop", logx.Err(err))
	}
}

// LogSender writes digests to the log. It is used when no token is configured.
type LogSender struct {
	Log logx.Logger
}

func (LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, to notifier.Target, text string) error {
	l.Log.Info("digest",
		logx.String("owner", to.OwnerRef),
		logx.Int64("chat_id", to.ChatID),
		logx.String("text", text),
	)
	return nil
}
