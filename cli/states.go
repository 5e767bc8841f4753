package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/makalin/loom/engine/state"
	"github.com/makalin/loom/pkg/config"
)

func openStore() (*state.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, exitWith(ExitInvalid, err)
	}
	store, err := state.NewStore(cfg.Engine.StateDir)
	if err != nil {
		return nil, exitWith(ExitExecFailed, err)
	}
	return store, nil
}

func StatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "List saved execution states, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			metas, err := store.List()
			if err != nil {
				return exitWith(ExitExecFailed, err)
			}
			if len(metas) == 0 {
				cmd.Println("no saved states")
				return nil
			}
			for _, m := range metas {
				cmd.Printf("%s  %-10s  %3d tasks  %s  %s\n",
					m.Timestamp.Format("2006-01-02 15:04:05"),
					m.RunStatus, m.TotalTasks, m.ExecutionID, m.RootTask)
			}
			return nil
		},
	}
}

func StateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <execution-id>",
		Short: "Show one saved execution state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			rec, err := store.Load(args[0])
			if err != nil {
				return exitWith(ExitExecFailed, err)
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return exitWith(ExitExecFailed, fmt.Errorf("cannot render state: %w", err))
			}
			cmd.Println(string(data))
			return nil
		},
	}
}
