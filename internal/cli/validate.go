package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/verity/engine"
)

// ValidationResult holds validation results for a fixture.
type ValidationResult struct {
	Type     string           `json:"type"`
	Valid    bool             `json:"valid"`
	Messages []engine.Message `json:"messages,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <fixture.yaml>",
		Short: "Run every validation rule against a fixture",
		Long: `Build the aggregate declared in the fixture, run a full re-validation
across the whole graph, and report the resulting messages.

Exits 1 when the aggregate is invalid, 2 on a malformed fixture.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
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

	if err := node.CheckAll(cmd.Context()); err != nil {
		_ = formatter.Error(string(engine.CodeOf(err)), err.Error(), nil)
		return NewExitError(ExitCommandError, "re-validation failed")
	}

	result := ValidationResult{
		Type:     node.TypeName(),
		Valid:    node.IsValid(),
		Messages: node.AllMessages(),
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		if result.Valid {
			fmt.Fprintf(formatter.Writer, "OK: %s is valid\n", result.Type)
		} else {
			fmt.Fprintf(formatter.Writer, "INVALID: %s has %d message(s)\n", result.Type, len(result.Messages))
			for _, m := range result.Messages {
				prop := m.Property
				if prop == engine.ObjectProperty {
					prop = "(object)"
				}
				fmt.Fprintf(formatter.Writer, "  %s: %s (rule %d)\n", prop, m.Text, m.RuleID)
			}
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "aggregate is invalid")
	}
	return nil
}

// buildFromFixture loads a fixture and materializes its data tree. Load
// failures are reported through the formatter and returned as command errors.
func buildFromFixture(path string, formatter *OutputFormatter) (*engine.Node, error) {
	fixture, err := LoadFixture(path)
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "loading fixture", err)
	}
	formatter.VerboseLog("Loaded fixture with %d type(s), root %s", len(fixture.Types), fixture.Root)

	spec, err := BuildSpec(fixture, fixture.Root, nil)
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "building spec", err)
	}

	node, err := BuildNode(spec, fixture.Data)
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "materializing data", err)
	}
	return node, nil
}

func loadErrorCode(err error) string {
	if le, ok := err.(*LoadError); ok {
		return le.Code
	}
	if code := engine.CodeOf(err); code != "" {
		return string(code)
	}
	return ErrCodeGeneric
}
