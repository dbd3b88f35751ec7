package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/headless-job-runner/internal/script"
)

// errInvalidScript signals a failed check after the details were printed.
var errInvalidScript = errors.New("script is invalid")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Checks a script's delimiters without running it",
		Long: `Reads a script from the named file, or from stdin when no file or "-" is given,
and reports the first unbalanced bracket or unterminated string.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	var (
		code []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		code, err = io.ReadAll(cmd.InOrStdin())
	} else {
		code, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	out := cmd.OutOrStdout()
	if err := script.Validate(string(code)); err != nil {
		var syn *script.SyntaxError
		if errors.As(err, &syn) {
			fmt.Fprintf(out, "invalid: %s (%s)\n", syn.Error(), syn.Kind)
		} else {
			fmt.Fprintf(out, "invalid: %v\n", err)
		}
		return errInvalidScript
	}
	fmt.Fprintln(out, "valid")
	return nil
}
