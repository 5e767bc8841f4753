package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/executor"
	"github.com/makalin/loom/engine/runner"
	"github.com/makalin/loom/engine/scheduler"
	"github.com/makalin/loom/engine/state"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/pkg/config"
	"github.com/makalin/loom/pkg/logger"
)

// runFlags carries the per-invocation overrides on top of the environment
// configuration. Nil pointer means the flag was not set.
type runFlags struct {
	retry         *int
	timeout       *time.Duration
	globalTimeout *time.Duration
	concurrency   *int
	saveState     *bool
	dryRun        bool
	verbose       bool
	logFile       string
}

func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a task definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, err := collectRunFlags(cmd.Flags())
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			return executeRun(cmd, args[0], flags)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func ResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume an interrupted execution from its saved state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, err := collectRunFlags(cmd.Flags())
			if err != nil {
				return exitWith(ExitInvalid, err)
			}
			return executeResume(cmd, args[0], flags)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Int("retry", 0, "default retry budget per task")
	cmd.Flags().String("timeout", "", "default per-task timeout (e.g. 30s, 5m, or bare seconds)")
	cmd.Flags().String("global-timeout", "", "deadline for the whole run")
	cmd.Flags().Int("concurrency", 0, "max tasks executing at once")
	cmd.Flags().Bool("save-state", false, "snapshot execution state after every transition")
	cmd.Flags().Bool("dry-run", false, "validate and print the execution plan without running")
	cmd.Flags().BoolP("verbose", "v", false, "debug logging")
	cmd.Flags().String("log-file", "", "duplicate log output to a file")
}

func collectRunFlags(fl *pflag.FlagSet) (runFlags, error) {
	var f runFlags
	if fl.Changed("retry") {
		v, _ := fl.GetInt("retry")
		f.retry = &v
	}
	if fl.Changed("concurrency") {
		v, _ := fl.GetInt("concurrency")
		f.concurrency = &v
	}
	if fl.Changed("save-state") {
		v, _ := fl.GetBool("save-state")
		f.saveState = &v
	}
	for _, spec := range []struct {
		name string
		dst  **time.Duration
	}{
		{"timeout", &f.timeout},
		{"global-timeout", &f.globalTimeout},
	} {
		if !fl.Changed(spec.name) {
			continue
		}
		raw, _ := fl.GetString(spec.name)
		d, err := parseFlexDuration(raw)
		if err != nil {
			return f, fmt.Errorf("invalid --%s value %q: %w", spec.name, raw, err)
		}
		*spec.dst = &d
	}
	f.dryRun, _ = fl.GetBool("dry-run")
	f.verbose, _ = fl.GetBool("verbose")
	f.logFile, _ = fl.GetString("log-file")
	return f, nil
}

// parseFlexDuration accepts both "90" (seconds) and "1m30s" forms.
func parseFlexDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return str2duration.ParseDuration(raw)
}

func (f runFlags) apply(cfg *config.Config) {
	if f.retry != nil {
		cfg.Engine.MaxRetries = *f.retry
	}
	if f.timeout != nil {
		cfg.Engine.DefaultTimeout = *f.timeout
	}
	if f.globalTimeout != nil {
		cfg.Engine.GlobalTimeout = *f.globalTimeout
	}
	if f.concurrency != nil {
		cfg.Engine.Concurrency = *f.concurrency
	}
	if f.saveState != nil {
		cfg.Engine.SaveState = *f.saveState
	}
}

// setupRun loads configuration, applies flag overrides, and initializes
// logging. The returned context carries the logger and is canceled on SIGINT.
func setupRun(cmd *cobra.Command, f runFlags) (*config.Config, context.Context, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, exitWith(ExitInvalid, err)
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, exitWith(ExitInvalid, err)
	}

	level := cfg.Log.Level
	if lvl, err := cmd.Flags().GetString("log-level"); err == nil && cmd.Flags().Changed("log-level") {
		level = lvl
	}
	if f.verbose {
		level = "debug"
	}
	jsonLogs := cfg.Log.JSON
	if v, err := cmd.Flags().GetBool("log-json"); err == nil && cmd.Flags().Changed("log-json") {
		jsonLogs = v
	}
	logFile := cfg.Log.File
	if f.logFile != "" {
		logFile = f.logFile
	}
	logCleanup, err := logger.Setup(level, jsonLogs, logFile)
	if err != nil {
		return nil, nil, nil, exitWith(ExitInvalid, err)
	}

	ctx := logger.ContextWithLogger(context.Background(), logger.GetDefault())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	cleanup := func() {
		stop()
		logCleanup()
	}
	return cfg, ctx, cleanup, nil
}

func executeRun(cmd *cobra.Command, file string, f runFlags) error {
	cfg, ctx, cleanup, err := setupRun(cmd, f)
	if err != nil {
		return err
	}
	defer cleanup()

	def, err := task.LoadConfig(file)
	if err != nil {
		return exitWith(ExitInvalid, err)
	}
	if f.dryRun {
		return printPlan(cmd, cfg, def)
	}

	sched, err := runner.New(cfg, def, executor.NewSimulated(0))
	if err != nil {
		return exitWith(ExitInvalid, err)
	}
	return awaitRun(cmd, ctx, sched, cfg)
}

func executeResume(cmd *cobra.Command, executionID string, f runFlags) error {
	cfg, ctx, cleanup, err := setupRun(cmd, f)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := state.NewStore(cfg.Engine.StateDir)
	if err != nil {
		return exitWith(ExitExecFailed, err)
	}
	sched, err := runner.Resume(cfg, store, executionID, executor.NewSimulated(0))
	if err != nil {
		return exitWith(ExitExecFailed, err)
	}
	return awaitRun(cmd, ctx, sched, cfg)
}

// awaitRun drives a scheduler to completion and maps the outcome to the
// documented exit codes.
func awaitRun(cmd *cobra.Command, ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config) error {
	if cfg.Engine.SaveState {
		cmd.Printf("execution id: %s\n", sched.ExecutionID())
	}
	status, err := sched.Run(ctx)
	switch status {
	case core.RunSuccess:
		cmd.Println("execution completed")
		return nil
	case core.RunTimedOut:
		return exitWith(ExitTimedOut, err)
	case core.RunCanceled:
		if ctx.Err() != nil {
			return exitWith(ExitInterrupt, fmt.Errorf("execution interrupted"))
		}
		return exitWith(ExitInterrupt, fmt.Errorf("execution canceled"))
	default:
		return exitWith(ExitExecFailed, fmt.Errorf("execution failed"))
	}
}

// printPlan shows what a run would execute, in dispatch order.
func printPlan(cmd *cobra.Command, cfg *config.Config, def *task.Config) error {
	graph, err := task.BuildGraph(def, runner.Defaults(cfg))
	if err != nil {
		return exitWith(ExitInvalid, err)
	}
	a := task.Analyze(def)
	cmd.Printf("dry run: %d tasks (depth %d, %d parallel, %d gates)\n",
		a.TotalTasks, a.MaxDepth, a.ParallelTasks, a.HumanGates)
	for _, n := range graph.Ordered() {
		marker := "-"
		if n.HumanGate {
			marker = "gate"
		}
		cmd.Printf("  %-4s %-40s deps=%v\n", marker, n.Path, n.DependsOn)
	}
	return nil
}
