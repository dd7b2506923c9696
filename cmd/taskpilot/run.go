package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/pkg/schema"
)

type runOptions struct {
	records    string
	workflowID string
	version    int
	target     string
	mode       string
	runID      string
	outputFile string
}

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Run a workflow over a record batch",
		Long: `Run a workflow over the records of a JSON or YAML file. The workflow is
read from the given file, or loaded from the store with --workflow-id.

Runs are dry-run unless --mode live is given. The process exits 1 when the
run safe-stops.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, rootOpts, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.records, "records", "", "record file (required)")
	cmd.Flags().StringVar(&opts.workflowID, "workflow-id", "", "saved workflow id (when no file is given)")
	cmd.Flags().IntVar(&opts.version, "version", 1, "saved workflow version")
	cmd.Flags().StringVar(&opts.target, "target", "", "target system name used for idempotency")
	cmd.Flags().StringVar(&opts.mode, "mode", string(schema.ModeDryRun), "run mode (dry-run|live)")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run id (default: generated)")
	cmd.Flags().StringVar(&opts.outputFile, "output-file", "", "write per-record results to this file")
	_ = cmd.MarkFlagRequired("records")

	return cmd
}

func runRun(cmd *cobra.Command, rootOpts *RootOptions, opts *runOptions, args []string) error {
	f := rootOpts.formatter(cmd)
	ctx := cmd.Context()

	if len(args) == 0 && opts.workflowID == "" {
		return NewExitError(ExitCommandError, "a workflow file or --workflow-id is required")
	}

	var def *schema.WorkflowDefinition
	if len(args) == 1 {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		if def, err = schema.DecodeWorkflow(data); err != nil {
			return f.Fail(ExitCommandError, "decode workflow", err)
		}
	}

	tabular := connector.NewFileTabular()
	records, err := tabular.ReadRecords(ctx, opts.records)
	if err != nil {
		return f.Fail(ExitCommandError, "read records", err)
	}

	return rootOpts.withApp(cmd, func(a *app) error {
		if def == nil {
			if def, err = a.store.GetWorkflow(ctx, opts.workflowID, opts.version); err != nil {
				return f.Fail(ExitCommandError, "load workflow", err)
			}
		}
		report, err := a.engine.StartRun(ctx, engine.StartRequest{
			Definition: def,
			Records:    records,
			Target:     opts.target,
			Mode:       schema.RunMode(opts.mode),
			RunID:      opts.runID,
		})
		if err != nil {
			return f.Fail(ExitFailure, "run", err)
		}
		return finishRun(cmd, f, report, opts.outputFile)
	})
}

func newResumeCommand(rootOpts *RootOptions) *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a safe-stopped, aborted or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				report, err := a.engine.Resume(cmd.Context(), args[0])
				if err != nil {
					return f.Fail(ExitFailure, "resume", err)
				}
				return finishRun(cmd, f, report, outputFile)
			})
		},
	}
	cmd.Flags().StringVar(&outputFile, "output-file", "", "write per-record results to this file")
	return cmd
}

// finishRun writes results, prints the report and maps the run status to
// the exit code.
func finishRun(cmd *cobra.Command, f *OutputFormatter, report *engine.Report, outputFile string) error {
	if outputFile != "" {
		if err := connector.NewFileTabular().WriteResults(cmd.Context(), outputFile, report.Results()); err != nil {
			return f.Fail(ExitCommandError, "write results", err)
		}
		f.Logf("results written to %s", outputFile)
	}
	if err := f.Success(report, func(w io.Writer) { printReport(w, report, false) }); err != nil {
		return err
	}
	switch report.Status {
	case schema.RunStatusSafeStopped:
		return NewExitError(ExitFailure, fmt.Sprintf("run %s safe-stopped; resume with: taskpilot resume %s", report.RunID, report.RunID))
	case schema.RunStatusAborted:
		return NewExitError(ExitFailure, fmt.Sprintf("run %s aborted", report.RunID))
	}
	return nil
}

func newStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var records bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the summary of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				report, err := a.engine.Report(cmd.Context(), args[0])
				if err != nil {
					return f.Fail(ExitCommandError, "status", err)
				}
				return f.Success(report, func(w io.Writer) { printReport(w, report, records) })
			})
		},
	}
	cmd.Flags().BoolVar(&records, "records", false, "list every record outcome")
	return cmd
}

func newKillCommand(rootOpts *RootOptions) *cobra.Command {
	var reason, operator string

	cmd := &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Stop a run; records pause at their last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, func(a *app) error {
				if err := a.engine.Kill(cmd.Context(), args[0], reason, operator); err != nil {
					return f.Fail(ExitCommandError, "kill", err)
				}
				return f.Success(map[string]any{"run_id": args[0], "killed": true}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Kill requested for run %s\n", args[0])
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the run is stopped")
	cmd.Flags().StringVar(&operator, "operator", defaultOperator(), "operator requesting the kill")
	return cmd
}

func printReport(w io.Writer, r *engine.Report, records bool) {
	fmt.Fprintf(w, "Run %s (%s v%d, %s): %s\n", r.RunID, r.WorkflowID, r.WorkflowVersion, r.Mode, r.Status)
	fmt.Fprintf(w, "  records: %d total, %d processed, %d unprocessed, %d duplicate\n",
		r.TotalRecords, r.ProcessedRecords, r.UnprocessedRecords, r.DuplicateSkipped)

	statuses := []schema.RecordStatus{
		schema.RecordStatusSuccess, schema.RecordStatusFailed,
		schema.RecordStatusNeedsReview, schema.RecordStatusSkipped,
	}
	for _, s := range statuses {
		if n := r.ByStatus[s]; n > 0 {
			fmt.Fprintf(w, "  %-13s %d\n", s+":", n)
		}
	}
	codes := make([]string, 0, len(r.ByErrorCode))
	for c := range r.ByErrorCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		fmt.Fprintf(w, "  error %s: %d\n", c, r.ByErrorCode[c])
	}
	if r.AverageStepMs > 0 {
		fmt.Fprintf(w, "  average step: %.0fms\n", r.AverageStepMs)
	}
	if r.SafeStopped {
		fmt.Fprintln(w, "  safe-stop triggered")
	}

	if !records {
		return
	}
	fmt.Fprintln(w, "\nRecords:")
	for _, rec := range r.Records {
		status := string(rec.Status)
		if status == "" {
			status = "pending"
		}
		fmt.Fprintf(w, "  [%d] %s %s\n", rec.Position, rec.Key, status)
		if rec.ErrorCode != "" {
			fmt.Fprintf(w, "       Error: %s %s\n", rec.ErrorCode, rec.Message)
		}
		if rec.EvidenceRef != "" {
			fmt.Fprintf(w, "       Evidence: %s\n", rec.EvidenceRef)
		}
	}
}
