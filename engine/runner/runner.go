// Package runner assembles the engine pieces (graph, retry, timeout, gates,
// persistence, scheduler) for one execution. The CLI and the web server both
// go through it.
package runner

import (
	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/executor"
	"github.com/makalin/loom/engine/gate"
	"github.com/makalin/loom/engine/retry"
	"github.com/makalin/loom/engine/scheduler"
	"github.com/makalin/loom/engine/state"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/engine/timeout"
	"github.com/makalin/loom/pkg/config"
)

// Defaults derives the per-node fallbacks from engine configuration.
func Defaults(cfg *config.Config) task.Defaults {
	return task.Defaults{
		Timeout: cfg.Engine.DefaultTimeout,
		Retry: task.RetryPolicy{
			Strategy:   task.RetryStrategy(cfg.Engine.RetryStrategy),
			MaxRetries: cfg.Engine.MaxRetries,
			BaseDelay:  task.Duration(cfg.Engine.RetryBaseDelay),
			MaxDelay:   task.Duration(cfg.Engine.RetryMaxDelay),
		},
	}
}

func settings(cfg *config.Config) state.Settings {
	return state.Settings{
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		GlobalTimeout:  cfg.Engine.GlobalTimeout,
		Concurrency:    cfg.Engine.Concurrency,
	}
}

// New builds a scheduler for a fresh run over a definition tree.
func New(cfg *config.Config, def *task.Config, exec executor.Executor) (*scheduler.Scheduler, error) {
	graph, err := task.BuildGraph(def, Defaults(cfg))
	if err != nil {
		return nil, err
	}
	return assemble(cfg, graph, exec, core.ID("")), nil
}

// Resume builds a scheduler from a persisted snapshot. Completed nodes are
// never re-executed; interrupted ones re-enter through the retry path.
func Resume(cfg *config.Config, store *state.Store, executionID string, exec executor.Executor) (*scheduler.Scheduler, error) {
	rec, err := store.Load(executionID)
	if err != nil {
		return nil, err
	}
	graph, err := state.Restore(rec)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, graph, exec, rec.ExecutionID), nil
}

func assemble(cfg *config.Config, graph *task.Graph, exec executor.Executor, execID core.ID) *scheduler.Scheduler {
	var store *state.Store
	if cfg.Engine.SaveState {
		// Store construction failures surface on first Save as warnings; the
		// run itself proceeds in memory.
		store, _ = state.NewStore(cfg.Engine.StateDir)
	}
	return scheduler.New(
		graph,
		exec,
		retry.NewManager(Defaults(cfg).Retry),
		timeout.NewManager(cfg.Engine.DefaultTimeout, cfg.Engine.GlobalTimeout),
		gate.NewController(),
		scheduler.Options{
			ExecutionID: execID,
			Concurrency: cfg.Engine.Concurrency,
			SaveState:   cfg.Engine.SaveState,
			Store:       store,
			Settings:    settings(cfg),
		},
	)
}
