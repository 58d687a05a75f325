package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/app"
	"cadence/internal/schedule"
)

func userCmd() *cobra.Command {
	uc := &cobra.Command{Use: "user", Short: "Manage schedule owners"}
	uc.AddCommand(userAddCmd())
	return uc
}

func userAddCmd() *cobra.Command {
	var u schedule.User
	cmd := &cobra.Command{
		Use:   "add <ref>",
		Short: "Register or update an owner; the telegram chat id comes from /chatid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Ref = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store().PutUser(ctx, u); err != nil {
					return err
				}
				fmt.Printf("user %s saved\n", u.Ref)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "email address")
	cmd.Flags().Int64Var(&u.TelegramChatID, "chat-id", 0, "telegram chat id for digests")
	return cmd
}

// timeLocation resolves the configured zone for date flags.
func timeLocation() *time.Location {
	cfg, _, err := loadConfig()
	if err != nil {
		return time.Local
	}
	loc, err := cfg.Location()
	if err != nil {
		return time.Local
	}
	return loc
}
