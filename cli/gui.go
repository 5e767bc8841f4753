package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/makalin/loom/engine/executor"
	"github.com/makalin/loom/engine/server"
	"github.com/makalin/loom/pkg/config"
	"github.com/makalin/loom/pkg/logger"
)

func GuiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gui",
		Short: "Serve the kanban board API for monitoring and controlling runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			if cmd.Flags().Changed("debug") {
				cfg.Server.Debug, _ = cmd.Flags().GetBool("debug")
			}
			if err := cfg.Validate(); err != nil {
				return exitWith(ExitInvalid, err)
			}

			level := cfg.Log.Level
			if cfg.Server.Debug {
				level = "debug"
			}
			jsonLogs, _ := cmd.Flags().GetBool("log-json")
			cleanup, err := logger.Setup(level, jsonLogs, cfg.Log.File)
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			defer cleanup()

			srv, err := server.New(cfg, executor.NewSimulated(0))
			if err != nil {
				return exitWith(ExitExecFailed, err)
			}
			ctx := logger.ContextWithLogger(context.Background(), logger.GetDefault())
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Start(ctx); err != nil {
				return exitWith(ExitExecFailed, err)
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "bind address")
	cmd.Flags().Int("port", 0, "bind port")
	cmd.Flags().Bool("debug", false, "debug mode (verbose logs, gin debug)")
	return cmd
}
