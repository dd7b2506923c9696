package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the resolved configuration.
type RootOptions struct {
	Format string // "json" | "text"
	Config Config

	flags globalFlags
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "taskpilot",
		Short: "taskpilot - replay recorded back-office workflows",
		Long: `taskpilot compiles a recorded session into a workflow definition and
replays it over a batch of records with pre/post-checks, evidence for every
step, idempotency across runs and a safe-stop on high failure rates.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.flags.apply(cmd.Flags(), &cfg)
			if err := cfg.normalize(); err != nil {
				return err
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	opts.flags.register(cmd.PersistentFlags())

	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newKillCommand(opts))
	cmd.AddCommand(newReviewCommand(opts))
	cmd.AddCommand(newScheduleCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
	}
}

// withApp opens the store and engine for the duration of fn.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), o.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer a.Close()
	return fn(a)
}

// readInput reads a file argument; "-" is stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read "+path, err)
	}
	return data, nil
}

// defaultOperator names the local user when --operator is not given.
func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
