package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Client-communication cadence engine",
	Long: `cadence turns recurring client-communication schedules into concrete
follow-up tasks for their owners, a rolling window ahead, without ever
creating the same task twice.

- Schedule: who (owner) keeps in touch with which client (subject), how (kind)
  and how often (rule: DAILY, WEEKLY, BIWEEKLY, MONTHLY, QUARTERLY, ANNUALLY,
  CUSTOM every N days, or NONE for a one-off).
- Run: one pass over all active schedules that materializes every occurrence
  inside the horizon and sends each owner a digest.
- Serve: runs the pass every day at driver.at and hot-reloads the config file.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CADENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (json or yaml); built-in defaults when empty")
	pf.String("db", "", "sqlite database path (overrides storage.path)")
	pf.String("timezone", "", "IANA timezone (overrides timezone)")
	pf.String("log-level", "", "log level (overrides logging.level)")
	pf.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "db", "timezone", "log-level", "json"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(userCmd())
}

// loadConfig reads the config file, when given, and applies flag and env overrides.
func loadConfig() (*config.Config, *config.ConfigManager, error) {
	var (
		cfg  *config.Config
		cfgm *config.ConfigManager
	)
	if path := strings.TrimSpace(viper.GetString("config")); path != "" {
		cfgm = config.NewConfigManager(path)
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if db := strings.TrimSpace(viper.GetString("db")); db != "" {
		cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: db}
	}
	if tz := strings.TrimSpace(viper.GetString("timezone")); tz != "" {
		cfg.Timezone = tz
	}
	if lvl := strings.TrimSpace(viper.GetString("log-level")); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if tok := strings.TrimSpace(viper.GetString("telegram-token")); tok != "" {
		cfg.Telegram.Token = tok
	}
	return cfg, cfgm, cfg.Validate()
}

// withApp builds a short-lived app for one command.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot commands stay quiet unless asked otherwise.
	if !viper.IsSet("log-level") && strings.TrimSpace(viper.GetString("config")) == "" {
		cfg.Logging.Level = "warn"
	}
	a, err := app.New(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
