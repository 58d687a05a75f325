package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/storage"
)

func tasksCmd() *cobra.Command {
	tc := &cobra.Command{Use: "tasks", Short: "Inspect materialized tasks"}
	tc.AddCommand(tasksListCmd())
	return tc
}

func tasksListCmd() *cobra.Command {
	var (
		f        storage.TaskFilter
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List materialized tasks by due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var err error
				if from != "" {
					if f.From, err = parseDay(from, timeLocation()); err != nil {
						return err
					}
				}
				if to != "" {
					if f.To, err = parseDay(to, timeLocation()); err != nil {
						return err
					}
				}
				tasks, err := a.Store().ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Due", "Owner", "Subject", "Title", "Priority", "Schedule"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.DueAt.Local().Format("2006-01-02 15:04"), t.OwnerRef, t.SubjectRef, t.Title, t.Priority, t.ScheduleID})
				}
				tw.AppendFooter(table.Row{"", "", "", len(tasks), "", ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerRef, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.SubjectRef, "subject", "", "subject filter")
	cmd.Flags().StringVar(&from, "from", "", "due on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "due before (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.Limit, "limit", 200, "maximum rows")
	return cmd
}
