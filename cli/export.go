package cli

import (
	"github.com/spf13/cobra"
)

func ExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <execution-id>",
		Short: "Export a saved execution state as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				out = args[0] + ".json"
			}
			written, err := store.Export(args[0], out)
			if err != nil {
				return exitWith(ExitExecFailed, err)
			}
			cmd.Printf("exported %s to %s\n", args[0], written)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file (extension selects json or yaml)")
	return cmd
}
