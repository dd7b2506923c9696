package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/taskpilot/internal/compiler"
	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/pkg/schema"
)

type compileOptions struct {
	workflowID  string
	name        string
	version     int
	businessKey string
	samples     string
	bind        []string
	confirmAll  bool
	output      string
	save        bool
}

func newCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &compileOptions{}

	cmd := &cobra.Command{
		Use:   "compile <event-log>",
		Short: "Compile a recorded event log into a draft workflow",
		Long: `Compile a JSON or YAML event log into a workflow definition.

Ambiguous steps and binding proposals are reported; use --bind and
--confirm-all to accept them. The definition is written as YAML unless
--output ends in .json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.workflowID, "workflow-id", "", "workflow id (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "workflow name (default: the log name)")
	cmd.Flags().IntVar(&opts.version, "version", 1, "workflow version")
	cmd.Flags().StringVar(&opts.businessKey, "business-key", "", "record field used as the business key")
	cmd.Flags().StringVar(&opts.samples, "samples", "", "sample record file used to propose bindings")
	cmd.Flags().StringSliceVar(&opts.bind, "bind", nil, "record fields whose binding proposals are accepted")
	cmd.Flags().BoolVar(&opts.confirmAll, "confirm-all", false, "mark every ambiguous step as reviewed")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().BoolVar(&opts.save, "save", false, "validate and save the definition to the store")
	_ = cmd.MarkFlagRequired("workflow-id")

	return cmd
}

func runCompile(cmd *cobra.Command, rootOpts *RootOptions, opts *compileOptions, path string) error {
	f := rootOpts.formatter(cmd)

	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	log, err := schema.DecodeEventLog(data)
	if err != nil {
		return f.Fail(ExitCommandError, "decode event log", err)
	}

	var samples []map[string]string
	if opts.samples != "" {
		if samples, err = connector.NewFileTabular().ReadRecords(cmd.Context(), opts.samples); err != nil {
			return f.Fail(ExitCommandError, "read samples", err)
		}
	}

	c := compiler.New(nil)
	draft, err := c.Compile(log, compiler.Options{
		WorkflowID:    opts.workflowID,
		Name:          opts.name,
		Version:       opts.version,
		BusinessKey:   opts.businessKey,
		SampleRecords: samples,
	})
	if err != nil {
		return f.Fail(ExitFailure, "compile", err)
	}
	for _, field := range opts.bind {
		if err := draft.ConfirmBinding(field); err != nil {
			return f.Fail(ExitCommandError, "bind "+field, err)
		}
	}
	if opts.confirmAll {
		for _, id := range draft.Ambiguous() {
			_ = draft.ConfirmStep(id)
		}
	}

	if opts.output != "" {
		format := "yaml"
		if strings.EqualFold(filepath.Ext(opts.output), ".json") {
			format = "json"
		}
		doc, err := schema.EncodeWorkflow(draft.Definition, format)
		if err != nil {
			return f.Fail(ExitCommandError, "encode workflow", err)
		}
		if err := os.WriteFile(opts.output, doc, 0o644); err != nil {
			return f.Fail(ExitCommandError, "write "+opts.output, err)
		}
	}

	if opts.save {
		err := rootOpts.withApp(cmd, func(a *app) error {
			v, err := newValidator()
			if err != nil {
				return err
			}
			if err := v.ValidateDefinition(draft.Definition); err != nil {
				return err
			}
			return a.store.SaveWorkflow(cmd.Context(), draft.Definition)
		})
		if err != nil {
			return f.Fail(ExitFailure, "save workflow", err)
		}
	}

	return f.Success(draft, func(w io.Writer) {
		if opts.output == "" {
			doc, err := schema.EncodeWorkflow(draft.Definition, "yaml")
			if err == nil {
				_, _ = w.Write(doc)
			}
		} else {
			fmt.Fprintf(w, "✓ Wrote %s (%d steps)\n", opts.output, len(draft.Definition.Steps))
		}
		for _, d := range draft.Diagnostics {
			f.Logf("%s: %s", d.Severity, d.Message)
		}
		for _, p := range draft.Proposals {
			f.Logf("proposal: %s.%s -> %s (--bind %s)", p.StepID, p.Param, p.Placeholder, p.Field)
		}
		if ids := draft.Ambiguous(); len(ids) > 0 {
			f.Logf("ambiguous steps need confirmation: %s", strings.Join(ids, ", "))
		}
		if opts.save {
			fmt.Fprintf(w, "✓ Saved %s v%d\n", draft.Definition.WorkflowID, draft.Definition.Version)
		}
	})
}
