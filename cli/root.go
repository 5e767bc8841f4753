// Package cli implements the loom command surface. Exit codes distinguish
// validation failures (2), execution failures (1), timeouts (3), and
// interrupts (130).
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	ExitOK         = 0
	ExitExecFailed = 1
	ExitInvalid    = 2
	ExitTimedOut   = 3
	ExitInterrupt  = 130
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Loom: hierarchical task execution engine",
		Long:          "Loom executes trees of declarative tasks with dependency resolution,\nretries, timeouts, human approval gates, and resumable state.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Legacy single-flag form: `loom --run tasks.yaml`.
			file, err := cmd.Flags().GetString("run")
			if err != nil {
				return err
			}
			if file != "" {
				return executeRun(cmd, file, runFlags{})
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	root.Flags().String("run", "", "run a task definition file (legacy form)")

	root.AddCommand(
		RunCmd(),
		ResumeCmd(),
		ValidateCmd(),
		InfoCmd(),
		ListCmd(),
		StatesCmd(),
		StateCmd(),
		ExportCmd(),
		GuiCmd(),
	)
	return root
}

// Execute runs the root command and maps errors to process exit codes.
func Execute() int {
	cmd := RootCmd()
	err := cmd.Execute()
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	var xe *exitError
	if errors.As(err, &xe) {
		return xe.code
	}
	return ExitExecFailed
}
