package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/verity/engine"
	"github.com/roach88/verity/wire"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Check bool
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <fixture.yaml>",
		Short: "Print the canonical wire snapshot of a fixture",
		Long: `Build the aggregate declared in the fixture and print its wire snapshot
in canonical JSON. The snapshot carries property values, save state,
validation messages and the rule set fingerprint.

With --check, a full re-validation runs first so the snapshot carries the
fixture's validation messages.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false, "run a full re-validation before encoding")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	node, err := buildFromFixture(path, formatter)
	if err != nil {
		return err
	}

	if opts.Check {
		if err := node.CheckAll(cmd.Context()); err != nil {
			_ = formatter.Error(string(engine.CodeOf(err)), err.Error(), nil)
			return NewExitError(ExitCommandError, "re-validation failed")
		}
	}

	snap, err := wire.Encode(node)
	if err != nil {
		_ = formatter.Error(string(engine.CodeOf(err)), err.Error(), nil)
		return WrapExitError(ExitCommandError, "encoding snapshot", err)
	}
	data, err := snap.Canonical()
	if err != nil {
		return WrapExitError(ExitCommandError, "serializing snapshot", err)
	}

	if opts.Format == "text" {
		fmt.Fprintf(formatter.Writer, "Type:        %s\n", snap.Type)
		fmt.Fprintf(formatter.Writer, "Node ID:     %s\n", snap.NodeID)
		fmt.Fprintf(formatter.Writer, "Rule set:    %s\n", snap.RuleSetHash)
		fmt.Fprintf(formatter.Writer, "Snapshot:\n")
	}
	fmt.Fprintln(formatter.Writer, string(data))
	return nil
}
