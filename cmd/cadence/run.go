package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/driver"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one materialization pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReport(rep)
				return nil
			})
		},
	}
}

func printReport(rep driver.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Window %s .. %s", rep.Window.Start.Format("2006-01-02"), rep.Window.End.Format("2006-01-02")))
	tw.AppendHeader(table.Row{"Schedules", "Processed", "Skipped", "Pending", "Due", "Created", "Existing", "Failed", "Owners", "Took"})
	tw.AppendRow(table.Row{
		rep.Schedules, rep.Processed, rep.Skipped, rep.Pending, rep.Due,
		rep.Created, rep.Existing, rep.FailedItems, rep.Owners, rep.Took().Round(time.Millisecond),
	})
	tw.Render()

	if len(rep.Failures) > 0 {
		ft := table.NewWriter()
		ft.SetOutputMirror(os.Stdout)
		ft.AppendHeader(table.Row{"Schedule", "Stage", "Error"})
		for _, f := range rep.Failures {
			ft.AppendRow(table.Row{f.ScheduleID, f.Stage, f.Err})
		}
		ft.Render()
	}
	if len(rep.Capped) > 0 {
		fmt.Printf("capped schedules (walk stopped early): %v\n", rep.Capped)
	}
	if rep.Interrupted {
		fmt.Println("run interrupted before completion; pending schedules are picked up next run")
	}
}
