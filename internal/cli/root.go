// Package cli is the command line of an ATS binary. The root command runs
// the ATS; subcommands inspect it.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/atsh/internal/harness"
	"github.com/roach88/atsh/internal/mode"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Info    bool

	Mode       mode.Input
	ConfigFile string
	DebugLogs  bool
	Groups     []string
	StopOnFail bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// harnessConfig returns the run configuration selected by the flags.
func (o *RootOptions) harnessConfig() harness.Config {
	return harness.Config{
		Mode:      o.Mode,
		File:      o.ConfigFile,
		DebugLogs: o.DebugLogs,
		Verbose:   o.Verbose,
		Groups:    o.Groups,

		StopOnTestcaseFailure: o.StopOnFail,
	}
}

// NewRootCommand creates the root command for the ATS described by def.
func NewRootCommand(def harness.Definition, rio harness.IO) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "atsh",
		Short: "Run an automated test script",
		Long: `Run an automated test script against a system under test.

Standalone runs are started by an operator and log to a file or stdout.
With --server-controlled the ATS is driven by the orchestration server:
events go to the IL log server and remote probes are bound through TACS.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Info {
				return runInfo(opts, def, cmd)
			}
			return runHarness(cmd.Context(), opts, def, rio)
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose diagnostics on stderr")
	flags.StringVar(&opts.Format, "format", "text", "output format for --info, validate and trace (json|text)")

	flags.BoolVar(&opts.Mode.ServerControlled, "server-controlled", false, "run under the orchestration server")
	flags.StringVar(&opts.Mode.JobID, "job-id", "", "job identifier assigned by the server")
	flags.StringVar(&opts.Mode.RemoteLogFilename, "remote-log-filename", "", "log filename on the IL log server")
	flags.StringVar(&opts.Mode.LocalLogFilename, "log-filename", "", `local log file ("-" or empty for stdout, *.db for a SQLite journal)`)
	flags.StringVar(&opts.Mode.InputSession, "input-session-filename", "", "session file to start from")
	flags.StringVar(&opts.Mode.OutputSession, "output-session-filename", "", "session file written at teardown")
	flags.StringVar(&opts.Mode.TACSHost, "tacs-ip", "", "TACS address; enables remote probes")
	flags.IntVar(&opts.Mode.TACSPort, "tacs-port", 0, "TACS port (default from manifest)")
	flags.StringVar(&opts.Mode.ILHost, "il-ip", "", "IL log server address")
	flags.IntVar(&opts.Mode.ILPort, "il-port", 0, "IL log server port (default from manifest)")
	flags.StringSliceVar(&opts.Groups, "groups", nil, "testcase groups to run (default all)")
	flags.BoolVar(&opts.StopOnFail, "stop-on-testcase-failure", false, "end the run after the first testcase that does not pass")
	flags.StringVar(&opts.ConfigFile, "config", "", "TOML file overriding manifest constants")
	flags.BoolVar(&opts.DebugLogs, "debug-logs", false, "log every event class, internal included")

	cmd.Flags().BoolVar(&opts.Info, "info", false, "describe the ATS and its parameters, then exit")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts, def, rio))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// runHarness runs def and turns a non-zero outcome into an ExitError.
// The run reports its own failures, so the error carries no message.
func runHarness(ctx context.Context, opts *RootOptions, def harness.Definition, rio harness.IO) error {
	if code := harness.Run(ctx, def, opts.harnessConfig(), rio); code != ExitSuccess {
		return NewExitError(code, "")
	}
	return nil
}

// Execute runs the command line args against def and returns the exit code.
func Execute(ctx context.Context, def harness.Definition, args []string, rio harness.IO) int {
	if rio.Stdout == nil {
		rio.Stdout = os.Stdout
	}
	if rio.Stderr == nil {
		rio.Stderr = os.Stderr
	}

	cmd := NewRootCommand(def, rio)
	cmd.SetArgs(args)
	cmd.SetOut(rio.Stdout)
	cmd.SetErr(rio.Stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintf(rio.Stderr, "Error: %s\n", msg)
	}
	return GetExitCode(err)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
