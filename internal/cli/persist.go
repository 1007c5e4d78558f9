package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/verity/engine"
	"github.com/roach88/verity/store"
)

// PersistOptions holds flags for the persist command.
type PersistOptions struct {
	*RootOptions
	Database string
}

// PersistResult is the success payload of the persist command.
type PersistResult struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
}

// NewPersistCommand creates the persist command.
func NewPersistCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PersistOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "persist <fixture.yaml>",
		Short: "Validate a fixture and save it into a SQLite database",
		Long: `Build the aggregate declared in the fixture, run a full re-validation,
and persist it through the SQLite portal. The database is created if it
does not exist.

Example:
  verity persist --db ./verity.db order.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPersist(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runPersist(opts *PersistOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "opening database", err)
	}
	defer st.Close()

	fixture, err := LoadFixture(path)
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "loading fixture", err)
	}
	spec, err := BuildSpec(fixture, fixture.Root, st.Portal())
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "building spec", err)
	}
	node, err := BuildNode(spec, fixture.Data)
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "materializing data", err)
	}

	ctx := cmd.Context()
	if err := node.CheckAll(ctx); err != nil {
		_ = formatter.Error(string(engine.CodeOf(err)), err.Error(), nil)
		return NewExitError(ExitCommandError, "re-validation failed")
	}
	if !node.IsValid() {
		for _, m := range node.AllMessages() {
			formatter.VerboseLog("  %s: %s", m.Property, m.Text)
		}
		_ = formatter.Error(string(engine.ErrCodeNotSavable), "aggregate is invalid", node.AllMessages())
		return NewExitError(ExitFailure, "aggregate is invalid")
	}

	if err := node.Save(ctx); err != nil {
		_ = formatter.Error(string(engine.CodeOf(err)), err.Error(), nil)
		return WrapExitError(ExitFailure, "saving aggregate", err)
	}

	result := PersistResult{Type: node.TypeName(), NodeID: node.ID().String()}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "Saved %s %s to %s\n", result.Type, result.NodeID, opts.Database)
	return nil
}
