package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/validation"
	"github.com/rendis/taskpilot/pkg/schema"
)

// ValidateResult is the data of the validate command.
type ValidateResult struct {
	Valid      bool                     `json:"valid"`
	WorkflowID string                   `json:"workflow_id,omitempty"`
	Errors     []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings   []schema.ValidationIssue `json:"warnings,omitempty"`
}

type validateOptions struct {
	recordFields []string
	records      string
}

func newValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Validate a workflow definition",
		Long: `Validate a JSON or YAML workflow definition and report every violation
at once: unknown actions, unbound required inputs, mutating steps without a
post-check, unbounded retries and invalid expressions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().StringSliceVar(&opts.recordFields, "record-fields", nil, "columns the record batch provides")
	cmd.Flags().StringVar(&opts.records, "records", "", "record file whose columns are used as record fields")

	return cmd
}

func newValidator() (*validation.WorkflowValidator, error) {
	return validation.NewWorkflowValidator(actions.NewDefaultRegistry())
}

func runValidate(cmd *cobra.Command, rootOpts *RootOptions, opts *validateOptions, path string) error {
	f := rootOpts.formatter(cmd)

	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}

	fields := opts.recordFields
	if opts.records != "" {
		rows, err := connector.NewFileTabular().ReadRecords(cmd.Context(), opts.records)
		if err != nil {
			return f.Fail(ExitCommandError, "read records", err)
		}
		fields = append(fields, columns(rows)...)
	}

	v, err := newValidator()
	if err != nil {
		return f.Fail(ExitCommandError, "create validator", err)
	}
	def, result := v.ValidateDocument(data, validation.WithRecordFields(fields...))

	out := ValidateResult{Valid: result.Valid(), Errors: result.Errors, Warnings: result.Warnings}
	if def != nil {
		out.WorkflowID = def.WorkflowID
	}
	if err := f.Success(out, func(w io.Writer) { printValidation(w, out) }); err != nil {
		return err
	}
	if !out.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(out.Errors)))
	}
	return nil
}

func printValidation(w io.Writer, r ValidateResult) {
	if r.Valid {
		fmt.Fprintln(w, "✓ Workflow valid")
	} else {
		fmt.Fprintln(w, "✗ Validation failed")
		fmt.Fprintln(w)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s: %s (%s)\n", e.Code, e.Message, e.Path)
	}
	for _, e := range r.Warnings {
		fmt.Fprintf(w, "  warning %s: %s (%s)\n", e.Code, e.Message, e.Path)
	}
}

// columns returns the union of keys over rows, sorted.
func columns(rows []map[string]string) []string {
	seen := make(map[string]bool)
	for _, r := range rows {
		for k := range r {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
