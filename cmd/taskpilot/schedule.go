package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/scheduler"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

func newScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled runs (executed by serve)",
	}
	cmd.AddCommand(newScheduleAddCommand(rootOpts))
	cmd.AddCommand(newScheduleListCommand(rootOpts))
	cmd.AddCommand(newScheduleRemoveCommand(rootOpts))
	return cmd
}

func newScheduleAddCommand(rootOpts *RootOptions) *cobra.Command {
	var req scheduler.NewSchedule
	var mode string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a saved workflow over a record file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := rootOpts.formatter(cmd)
			req.Mode = schema.RunMode(mode)
			return rootOpts.withApp(cmd, func(a *app) error {
				sc, err := a.scheduler(connector.NewFileTabular()).Create(cmd.Context(), req)
				if err != nil {
					return f.Fail(ExitCommandError, "schedule add", err)
				}
				return f.Success(sc, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Schedule %s created; next run %s\n", sc.ID, sc.NextRunAt.Format("2006-01-02 15:04 MST"))
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.WorkflowID, "workflow-id", "", "saved workflow id (required)")
	cmd.Flags().IntVar(&req.WorkflowVersion, "version", 1, "saved workflow version")
	cmd.Flags().StringVar(&req.Source, "records", "", "record file read at each run (required)")
	cmd.Flags().StringVar(&req.Target, "target", "", "target system name used for idempotency")
	cmd.Flags().StringVar(&mode, "mode", string(schema.ModeDryRun), "run mode (dry-run|live)")
	cmd.Flags().StringVar(&req.CronExpression, "cron", "", "cron expression, e.g. \"0 9 * * 1-5\" (required)")
	_ = cmd.MarkFlagRequired("workflow-id")
	_ = cmd.MarkFlagRequired("records")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newScheduleListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				scheds, err := a.store.ListSchedules(cmd.Context(), store.ScheduleFilter{})
				if err != nil {
					return f.Fail(ExitCommandError, "schedule list", err)
				}
				return f.Success(scheds, func(w io.Writer) { printSchedules(w, scheds) })
			})
		},
	}
}

func newScheduleRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				if err := a.store.DeleteSchedule(cmd.Context(), args[0]); err != nil {
					return f.Fail(ExitCommandError, "schedule remove", err)
				}
				return f.Success(map[string]any{"id": args[0], "deleted": true}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Schedule %s removed\n", args[0])
				})
			})
		},
	}
}

func printSchedules(w io.Writer, scheds []*store.Schedule) {
	if len(scheds) == 0 {
		fmt.Fprintln(w, "No schedules")
		return
	}
	for _, s := range scheds {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s %s v%d %q [%s, %s]\n", s.ID, s.WorkflowID, s.WorkflowVersion, s.CronExpression, s.Mode, state)
		if s.NextRunAt != nil {
			fmt.Fprintf(w, "    Next: %s\n", s.NextRunAt.Format("2006-01-02 15:04 MST"))
		}
		if s.LastRunID != "" {
			fmt.Fprintf(w, "    Last: %s (%s)\n", s.LastRunID, s.LastRunStatus)
		}
	}
}
