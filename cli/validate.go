package cli

import (
	"github.com/spf13/cobra"

	"github.com/makalin/loom/engine/runner"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/pkg/config"
)

func ValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a task definition file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := task.LoadConfig(args[0])
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			graph, err := task.BuildGraph(def, runner.Defaults(config.Default()))
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			cmd.Printf("%s: valid (%d tasks)\n", args[0], graph.Len())
			return nil
		},
	}
}
