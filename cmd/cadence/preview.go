package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/recurrence"
	"cadence/internal/schedule"
)

func previewCmd() *cobra.Command {
	var (
		rf           ruleFlags
		from         string
		months       int
		limit        int
		kind         string
		skipWeekends bool
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the occurrences a rule would produce",
		Example: `  cadence preview --frequency WEEKLY --weekdays mon --at 09:00
  cadence preview --frequency CUSTOM --every-days 10 --from 2024-01-01 --months 3
  cadence preview --frequency DAILY --kind CALL --skip-weekends`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			spec, err := rf.spec()
			if err != nil {
				return err
			}
			rule, err := recurrence.NewRule(spec)
			if err != nil {
				return err
			}
			k, err := schedule.ParseKind(kind)
			if err != nil {
				return err
			}

			now := time.Now().In(loc)
			start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
			if strings.TrimSpace(from) != "" {
				if start, err = parseDay(from, loc); err != nil {
					return err
				}
			}
			end := start.AddDate(0, months, 0)

			// Recurring rules align on the window start; a one-off needs an anchor.
			var next *time.Time
			if rule.Terminal() {
				next = &start
			}
			s := schedule.Schedule{Kind: k, Rule: rule, Active: true, SkipWeekends: skipWeekends, NextDueAt: next}
			batch, err := schedule.Generate(s, start, end, recurrence.WithLimit(limit))
			if err != nil {
				return err
			}

			if viper.GetBool("json") {
				return printJSON(batch)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle(fmt.Sprintf("%s  %s .. %s (%s)", rule, start.Format("2006-01-02"), end.Format("2006-01-02"), loc))
			tw.AppendHeader(table.Row{"#", "Date", "Day", "Time"})
			for i, t := range batch.Due {
				tw.AppendRow(table.Row{i + 1, t.Format("2006-01-02"), t.Weekday().String()[:3], t.Format("15:04")})
			}
			tw.AppendFooter(table.Row{"", fmt.Sprintf("%d due", len(batch.Due)), fmt.Sprintf("%d examined", batch.Examined), capLabel(batch.Capped)})
			tw.Render()
			return nil
		},
	}
	rf.bind(cmd.Flags(), "WEEKLY")
	cmd.Flags().StringVar(&from, "from", "", "window start (default: today)")
	cmd.Flags().IntVar(&months, "months", 3, "window length in months")
	cmd.Flags().IntVar(&limit, "limit", recurrence.SafetyCap, "maximum candidates examined")
	cmd.Flags().StringVar(&kind, "kind", "EMAIL", "EMAIL|CALL|MEETING|MESSAGE|VISIT")
	cmd.Flags().BoolVar(&skipWeekends, "skip-weekends", false, "drop weekend dates for synchronous kinds")
	return cmd
}

func capLabel(capped bool) string {
	if capped {
		return "capped"
	}
	return ""
}
