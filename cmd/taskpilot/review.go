package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

func newReviewCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List and act on records awaiting an operator",
	}
	cmd.AddCommand(newReviewListCommand(rootOpts))
	cmd.AddCommand(newReviewActionCommand(rootOpts, review.ActionRetry, "Re-attempt a record from its failed step"))
	cmd.AddCommand(newReviewActionCommand(rootOpts, review.ActionSkip, "Close a record as skipped"))
	cmd.AddCommand(newReviewActionCommand(rootOpts, review.ActionResolve, "Set the final status of a record"))
	return cmd
}

func newReviewListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter review.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				entries, err := a.review.List(cmd.Context(), filter)
				if err != nil {
					return f.Fail(ExitCommandError, "review list", err)
				}
				return f.Success(entries, func(w io.Writer) { printEntries(w, entries) })
			})
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run-id", "", "restrict to one run")
	cmd.Flags().StringVar(&filter.Status, "status", store.ReviewOpen, "entry status (open|closed|all)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of entries")
	return cmd
}

func newReviewActionCommand(rootOpts *RootOptions, kind, short string) *cobra.Command {
	var operator, note, status string

	cmd := &cobra.Command{
		Use:   kind + " <run-id> <record-key>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				out, err := a.review.Act(cmd.Context(), review.Action{
					Kind:     kind,
					RunID:    args[0],
					Key:      args[1],
					Status:   schema.RecordStatus(status),
					Operator: operator,
					Note:     note,
				})
				if err != nil {
					return f.Fail(ExitCommandError, "review "+kind, err)
				}
				return f.Success(out, func(w io.Writer) { printOutcome(w, out) })
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", defaultOperator(), "operator taking the action")
	cmd.Flags().StringVar(&note, "note", "", "reason recorded in the audit log")
	if kind == review.ActionResolve {
		cmd.Flags().StringVar(&status, "status", "", "final status (success|failed|skipped)")
		_ = cmd.MarkFlagRequired("status")
	}
	return cmd
}

func printEntries(w io.Writer, entries []*store.ReviewEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No review entries")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s %s [%s] step %s: %s %s\n", e.RunID, e.RecordKey, e.Status, e.StepID, e.ErrorCode, e.Message)
		if e.EvidenceRef != "" {
			fmt.Fprintf(w, "    Evidence: %s\n", e.EvidenceRef)
		}
		if e.Disposition != "" {
			fmt.Fprintf(w, "    Closed: %s by %s %s\n", e.Disposition, e.Operator, e.Note)
		}
	}
}

func printOutcome(w io.Writer, out *engine.RecordOutcome) {
	status := string(out.Status)
	if status == "" {
		status = "pending"
	}
	fmt.Fprintf(w, "✓ %s: %s", out.Key, status)
	if out.ErrorCode != "" {
		fmt.Fprintf(w, " (%s)", out.ErrorCode)
	}
	fmt.Fprintln(w)
}
