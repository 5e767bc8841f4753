package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/makalin/loom/engine/task"
)

func ListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task definition files in the tasks directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("tasks-dir")
			entries, err := os.ReadDir(dir)
			if err != nil {
				return exitWith(ExitExecFailed, fmt.Errorf("cannot read tasks dir %s: %w", dir, err))
			}
			var names []string
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				ext := strings.ToLower(filepath.Ext(entry.Name()))
				if ext == ".yaml" || ext == ".yml" {
					names = append(names, entry.Name())
				}
			}
			sort.Strings(names)
			if len(names) == 0 {
				cmd.Printf("no task files in %s\n", dir)
				return nil
			}
			for _, name := range names {
				path := filepath.Join(dir, name)
				def, err := task.LoadConfig(path)
				if err != nil {
					cmd.Printf("%-30s (invalid: %v)\n", name, err)
					continue
				}
				cmd.Printf("%-30s %s (%d tasks)\n", name, def.Task, def.CountTasks())
			}
			return nil
		},
	}
	cmd.Flags().String("tasks-dir", "tasks", "directory to scan for task files")
	return cmd
}
