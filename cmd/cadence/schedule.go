package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/lifecycle"
	"cadence/internal/schedule"
)

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Aliases: []string{"schedules"}, Short: "Manage communication schedules"}
	sc.AddCommand(scheduleAddCmd())
	sc.AddCommand(scheduleListCmd())
	sc.AddCommand(scheduleUpdateCmd())
	sc.AddCommand(scheduleDefaultCmd())
	sc.AddCommand(scheduleStateCmd("pause", "Pause a schedule (tasks already created stay)", (*lifecycle.Manager).Pause))
	sc.AddCommand(scheduleStateCmd("resume", "Resume a paused schedule", (*lifecycle.Manager).Resume))
	sc.AddCommand(scheduleDeleteCmd())
	return sc
}

func scheduleAddCmd() *cobra.Command {
	var (
		rf                         ruleFlags
		subjectID, subjectName     string
		owner, kind, notes, nextAt string
		skipWeekends, inactive     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a schedule",
		Example: `  cadence schedule add --subject c-1 --subject-name Acme --owner u-1 \
    --kind CALL --frequency WEEKLY --weekdays mon --at 09:00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := rf.spec()
			if err != nil {
				return err
			}
			k, err := schedule.ParseKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := lifecycle.CreateParams{
					Subject:      schedule.Subject{ID: subjectID, Name: subjectName},
					OwnerRef:     owner,
					Kind:         k,
					Rule:         spec,
					SkipWeekends: skipWeekends,
					Inactive:     inactive,
					Notes:        notes,
				}
				if nextAt != "" {
					t, err := parseDay(nextAt, timeLocation())
					if err != nil {
						return err
					}
					p.NextDueAt = &t
				}
				s, err := a.Lifecycle().Create(ctx, p)
				if err != nil {
					return err
				}
				return printSchedules([]schedule.Schedule{s})
			})
		},
	}
	rf.bind(cmd.Flags(), "MONTHLY")
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject (client) id")
	cmd.Flags().StringVar(&subjectName, "subject-name", "", "subject display name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user ref")
	cmd.Flags().StringVar(&kind, "kind", "EMAIL", "EMAIL|CALL|MEETING|MESSAGE|VISIT")
	cmd.Flags().StringVar(&notes, "notes", "", "notes copied into every task")
	cmd.Flags().StringVar(&nextAt, "next", "", "first due date (default: computed from now)")
	cmd.Flags().BoolVar(&skipWeekends, "skip-weekends", false, "drop weekend dates for synchronous kinds")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create paused")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func scheduleUpdateCmd() *cobra.Command {
	var (
		rf                         ruleFlags
		owner, kind, notes, nextAt string
		skipWeekends               bool
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a schedule; a new rule recomputes the next due date from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p lifecycle.UpdateParams
			fl := cmd.Flags()
			if fl.Changed("frequency") || fl.Changed("every-days") || fl.Changed("at") || fl.Changed("weekdays") {
				spec, err := rf.spec()
				if err != nil {
					return err
				}
				p.Rule = &spec
			}
			if fl.Changed("kind") {
				k, err := schedule.ParseKind(kind)
				if err != nil {
					return err
				}
				p.Kind = &k
			}
			if fl.Changed("owner") {
				p.OwnerRef = &owner
			}
			if fl.Changed("notes") {
				p.Notes = &notes
			}
			if fl.Changed("skip-weekends") {
				p.SkipWeekends = &skipWeekends
			}
			if fl.Changed("next") {
				t, err := parseDay(nextAt, timeLocation())
				if err != nil {
					return err
				}
				p.NextDueAt = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Lifecycle().Update(ctx, args[0], p)
				if err != nil {
					return err
				}
				return printSchedules([]schedule.Schedule{s})
			})
		},
	}
	rf.bind(cmd.Flags(), "MONTHLY")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user ref")
	cmd.Flags().StringVar(&kind, "kind", "", "EMAIL|CALL|MEETING|MESSAGE|VISIT")
	cmd.Flags().StringVar(&notes, "notes", "", "notes copied into every task")
	cmd.Flags().StringVar(&nextAt, "next", "", "pin the next due date")
	cmd.Flags().BoolVar(&skipWeekends, "skip-weekends", false, "drop weekend dates for synchronous kinds")
	return cmd
}

func scheduleDefaultCmd() *cobra.Command {
	var subjectID, subjectName, owner string
	cmd := &cobra.Command{
		Use:   "default",
		Short: "Ensure a subject has a schedule, creating a monthly email one for its owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, created, err := a.Lifecycle().DefaultForSubject(ctx, schedule.Subject{ID: subjectID, Name: subjectName}, owner)
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Println("subject already has a live schedule")
				}
				return printSchedules([]schedule.Schedule{s})
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject (client) id")
	cmd.Flags().StringVar(&subjectName, "subject-name", "", "subject display name")
	cmd.Flags().StringVar(&owner, "owner", "", "the subject's assigned owner")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var all bool
	var subject string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					list []schedule.Schedule
					err  error
				)
				if subject != "" {
					list, err = a.Store().ListBySubject(ctx, subject)
				} else {
					list, err = a.Store().ListAll(ctx, all)
				}
				if err != nil {
					return err
				}
				return printSchedules(list)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deleted schedules")
	cmd.Flags().StringVar(&subject, "subject", "", "only schedules of this subject")
	return cmd
}

type stateFn func(*lifecycle.Manager, context.Context, string) (schedule.Schedule, error)

func scheduleStateCmd(use, short string, fn stateFn) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := fn(a.Lifecycle(), ctx, args[0])
				if err != nil {
					return err
				}
				return printSchedules([]schedule.Schedule{s})
			})
		},
	}
}

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a schedule; materialized tasks are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Lifecycle().Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

type scheduleView struct {
	ID                 string            `json:"id"`
	SubjectID          string            `json:"subject_id"`
	SubjectName        string            `json:"subject_name,omitempty"`
	OwnerRef           string            `json:"owner_ref"`
	Kind               schedule.Kind     `json:"kind"`
	Rule               string            `json:"rule"`
	State              schedule.State    `json:"state"`
	SkipWeekends       bool              `json:"skip_weekends"`
	NextDueAt          *time.Time        `json:"next_due_at,omitempty"`
	LastMaterializedAt *time.Time        `json:"last_materialized_at,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func printSchedules(list []schedule.Schedule) error {
	if viper.GetBool("json") {
		out := make([]scheduleView, 0, len(list))
		for _, s := range list {
			out = append(out, scheduleView{
				ID: s.ID, SubjectID: s.Subject.ID, SubjectName: s.Subject.Name, OwnerRef: s.OwnerRef,
				Kind: s.Kind, Rule: s.Rule.String(), State: s.State(), SkipWeekends: s.SkipWeekends,
				NextDueAt: s.NextDueAt, LastMaterializedAt: s.LastMaterializedAt, Notes: s.Notes, Metadata: s.Metadata,
			})
		}
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Subject", "Owner", "Kind", "Rule", "State", "Next due"})
	for _, s := range list {
		subject := s.Subject.ID
		if s.Subject.Name != "" {
			subject = s.Subject.Name + " (" + s.Subject.ID + ")"
		}
		next := "-"
		if s.NextDueAt != nil {
			next = s.NextDueAt.Local().Format("2006-01-02 15:04")
		}
		rule := s.Rule.String()
		if s.SkipWeekends {
			rule += ", weekdays only"
		}
		tw.AppendRow(table.Row{s.ID, subject, s.OwnerRef, strings.ToLower(string(s.Kind)), rule, s.State(), next})
	}
	tw.Render()
	return nil
}
