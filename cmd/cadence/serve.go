package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	logx "cadence/pkg/logx"
)

func serveCmd() *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daily trigger, the notifier and config hot reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Console only, until the configured sinks exist.
			boot := logx.NewConsole(viper.GetString("log-level")).With(logx.String("comp", "serve"))
			cfg, cfgm, err := loadConfig()
			if err != nil {
				boot.Error("config rejected", logx.String("path", viper.GetString("config")), logx.Err(err))
				return err
			}
			a, err := app.New(cfg, cfgm)
			if err != nil {
				boot.Error("startup failed", logx.Err(err))
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			// Not running under systemd is fine; SdNotify reports false, nil.
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				a.Log().Warn("systemd ready notification failed", logx.Err(err))
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)

			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	cmd.Flags().String("telegram-token", "", "telegram bot token (overrides telegram.token)")
	_ = viper.BindPFlag("telegram-token", cmd.Flags().Lookup("telegram-token"))
	return cmd
}
