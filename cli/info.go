package cli

import (
	"github.com/spf13/cobra"

	"github.com/makalin/loom/engine/task"
)

func InfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file>",
		Short: "Show structural information about a task definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := task.LoadConfig(args[0])
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			a := task.Analyze(def)
			cmd.Printf("task:              %s\n", def.Task)
			cmd.Printf("total tasks:       %d\n", a.TotalTasks)
			cmd.Printf("max depth:         %d\n", a.MaxDepth)
			cmd.Printf("parallel tasks:    %d\n", a.ParallelTasks)
			cmd.Printf("human gates:       %d\n", a.HumanGates)
			cmd.Printf("with dependencies: %d\n", a.WithDependencies)
			cmd.Printf("with actions:      %d\n", a.WithActions)
			return nil
		},
	}
}
