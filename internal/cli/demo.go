package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/verity/internal/harness"
	"github.com/roach88/verity/wire"
)

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo <scenario.yaml>",
		Short: "Run a scripted scenario against the demo aggregate",
		Long: `Execute a scenario file against the built-in demo aggregate
(Order with a collection of Lines) and print the resulting trace.

A scenario is a named sequence of steps:

  name: my_scenario
  steps:
    - op: set
      property: Reference
      value: ORD-1
    - op: add-line
      value: SKU-1
    - op: save

The trace records the aggregate's meta-state, validation messages and
portal activity after every step, in canonical JSON.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDemo(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "reading scenario", err)
	}
	var scenario harness.Scenario
	if err := yaml.Unmarshal(raw, &scenario); err != nil {
		_ = formatter.Error(ErrCodeParseFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "parsing scenario", err)
	}
	if scenario.Name == "" {
		_ = formatter.Error(ErrCodeParseFailed, "scenario declares no name", nil)
		return NewExitError(ExitCommandError, "scenario declares no name")
	}

	formatter.VerboseLog("Running scenario %s (%d steps)", scenario.Name, len(scenario.Steps))
	result, err := harness.Run(&scenario)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "running scenario", err)
	}

	data, err := wire.MarshalCanonical(harness.CanonicalTrace(scenario.Name, result))
	if err != nil {
		return WrapExitError(ExitCommandError, "serializing trace", err)
	}
	fmt.Fprintln(formatter.Writer, string(data))
	return nil
}
