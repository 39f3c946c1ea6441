package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/atsh/internal/harness"
)

// NewScenarioCommand creates the scenario command: it runs a YAML scenario
// in place of the built-in script, with the same manifest and flags.
func NewScenarioCommand(rootOpts *RootOptions, def harness.Definition, rio harness.IO) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario <file.yaml>",
		Short: "Run a YAML scenario",
		Long: `Run a declarative YAML scenario instead of the built-in script.

The scenario uses the harness manifest and every run flag of the root
command. See "atsh validate" to check a scenario without running it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := harness.LoadScenario(args[0])
			if err != nil {
				return WrapExitError(ExitConfigError, "load scenario", err)
			}
			def.Script = sc.Script()
			return runHarness(cmd.Context(), rootOpts, def, rio)
		},
	}

	return cmd
}
