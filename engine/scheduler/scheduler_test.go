package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/executor"
	"github.com/makalin/loom/engine/gate"
	"github.com/makalin/loom/engine/retry"
	"github.com/makalin/loom/engine/state"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/engine/timeout"
)

func testDefaults() task.Defaults {
	return task.Defaults{
		Retry: task.RetryPolicy{
			Strategy:   task.RetryFixed,
			MaxRetries: 0,
			BaseDelay:  task.Duration(time.Millisecond),
		},
	}
}

func buildGraph(t *testing.T, cfg *task.Config, def task.Defaults) *task.Graph {
	t.Helper()
	g, err := task.BuildGraph(cfg, def)
	require.NoError(t, err)
	return g
}

func newScheduler(g *task.Graph, exec executor.Executor, def task.Defaults, opts Options) *Scheduler {
	return New(
		g,
		exec,
		retry.NewManager(def.Retry),
		timeout.NewManager(0, 0),
		gate.NewController(),
		opts,
	)
}

// script is a deterministic test executor: it records execution order and
// fails a node a configured number of times before succeeding.
type script struct {
	mu       sync.Mutex
	order    []string
	fails    map[string]int
	delay    time.Duration
	active   int
	maxSeen  int
	blockCtx bool
}

func (s *script) Execute(ctx context.Context, n *task.Node) (any, error) {
	s.mu.Lock()
	s.order = append(s.order, n.ID)
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	remaining := s.fails[n.ID]
	if remaining > 0 {
		s.fails[n.ID] = remaining - 1
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if remaining > 0 {
		return nil, errors.New("scripted failure")
	}
	return map[string]any{"task": n.ID}, nil
}

func (s *script) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *script) maxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

func TestRunSequential(t *testing.T) {
	t.Run("Should execute sequential siblings in declaration order", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b"},
				{Task: "c", ID: "c"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 4})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, []string{"a", "b", "c"}, exec.executed())
		for _, n := range g.Nodes {
			assert.Equal(t, core.StatusSuccess, n.Status, n.ID)
		}
	})

	t.Run("Should never overlap children of a non-parallel parent", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b"},
				{Task: "c", ID: "c"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{delay: 20 * time.Millisecond}
		s := newScheduler(g, exec, def, Options{Concurrency: 4})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, 1, exec.maxConcurrent())
	})

	t.Run("Should complete nested containers bottom-up", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "stage", ID: "stage", SubTasks: []*task.Config{
					{Task: "s1", ID: "s1"},
					{Task: "s2", ID: "s2"},
				}},
				{Task: "after", ID: "after"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, []string{"s1", "s2", "after"}, exec.executed())
		assert.Equal(t, core.StatusSuccess, g.Nodes["stage"].Status)
		assert.Equal(t, core.StatusSuccess, g.Nodes["root"].Status)
	})
}

func TestRunParallel(t *testing.T) {
	t.Run("Should overlap children of a parallel parent within the concurrency bound", func(t *testing.T) {
		cfg := &task.Config{
			Task:     "root",
			Parallel: true,
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b"},
				{Task: "c", ID: "c"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{delay: 50 * time.Millisecond}
		s := newScheduler(g, exec, def, Options{Concurrency: 2})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, 2, exec.maxConcurrent())
	})

	t.Run("Should order dependent tasks even under a parallel parent", func(t *testing.T) {
		cfg := &task.Config{
			Task:     "root",
			Parallel: true,
			SubTasks: []*task.Config{
				{Task: "b", ID: "b", DependsOn: []string{"a"}},
				{Task: "a", ID: "a"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 4})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, []string{"a", "b"}, exec.executed())
	})
}

func TestRunRetry(t *testing.T) {
	t.Run("Should retry a failing task until it succeeds", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "flaky", ID: "flaky", Retry: &task.RetryPolicy{
					Strategy:   task.RetryFixed,
					MaxRetries: 3,
					BaseDelay:  task.Duration(time.Millisecond),
				}},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{fails: map[string]int{"flaky": 2}}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		n := g.Nodes["flaky"]
		assert.Equal(t, core.StatusSuccess, n.Status)
		assert.Equal(t, 3, n.Attempt)
		assert.Nil(t, n.Error)
	})

	t.Run("Should fail permanently once the retry budget is exhausted", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "doomed", ID: "doomed", Retry: &task.RetryPolicy{
					Strategy:   task.RetryFixed,
					MaxRetries: 1,
					BaseDelay:  task.Duration(time.Millisecond),
				}},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{fails: map[string]int{"doomed": 10}}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, status)
		n := g.Nodes["doomed"]
		assert.Equal(t, core.StatusFailed, n.Status)
		assert.Equal(t, 2, n.Attempt)
		require.NotNil(t, n.Error)
		assert.Equal(t, "ACTION_FAILED", n.Error.Code)
	})
}

func TestRunFailurePropagation(t *testing.T) {
	t.Run("Should block dependents of a permanently failed task", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b", DependsOn: []string{"a"}},
				{Task: "c", ID: "c", DependsOn: []string{"b"}},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{fails: map[string]int{"a": 10}}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, status)
		assert.Equal(t, core.StatusFailed, g.Nodes["a"].Status)
		assert.Equal(t, core.StatusBlocked, g.Nodes["b"].Status)
		assert.Equal(t, core.StatusBlocked, g.Nodes["c"].Status)
		assert.Equal(t, core.StatusFailed, g.Nodes["root"].Status)
		assert.Equal(t, []string{"a"}, exec.executed())
	})

	t.Run("Should leave independent siblings untouched by a failed branch", func(t *testing.T) {
		cfg := &task.Config{
			Task:     "root",
			Parallel: true,
			SubTasks: []*task.Config{
				{Task: "bad", ID: "bad"},
				{Task: "good", ID: "good"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{fails: map[string]int{"bad": 10}}
		s := newScheduler(g, exec, def, Options{Concurrency: 2})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, status)
		assert.Equal(t, core.StatusFailed, g.Nodes["bad"].Status)
		assert.Equal(t, core.StatusSuccess, g.Nodes["good"].Status)
	})
}

func TestRunTimeout(t *testing.T) {
	t.Run("Should fail a task that exceeds its own timeout", func(t *testing.T) {
		to := task.Duration(30 * time.Millisecond)
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "slow", ID: "slow", Timeout: &to},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{blockCtx: true}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, status)
		n := g.Nodes["slow"]
		assert.Equal(t, core.StatusFailed, n.Status)
		require.NotNil(t, n.Error)
		assert.Equal(t, "TIMEOUT", n.Error.Code)
	})

	t.Run("Should time out the whole run at the global deadline", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "slow", ID: "slow"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{blockCtx: true}
		s := New(
			g,
			exec,
			retry.NewManager(def.Retry),
			timeout.NewManager(0, 50*time.Millisecond),
			gate.NewController(),
			Options{Concurrency: 1},
		)

		status, err := s.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTimeout)
		assert.Equal(t, core.RunTimedOut, status)
		assert.Equal(t, core.StatusCanceled, g.Nodes["slow"].Status)
	})
}

func TestRunHumanGate(t *testing.T) {
	gatedConfig := func() *task.Config {
		return &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "review", ID: "review", HumanGate: true},
				{Task: "publish", ID: "publish", DependsOn: []string{"review"}},
			},
		}
	}

	waitPending := func(t *testing.T, s *Scheduler, nodeID string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if s.Gates().IsPending(nodeID) {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("gate for %s never became pending", nodeID)
	}

	t.Run("Should park a gated task and resume on approval", func(t *testing.T) {
		def := testDefaults()
		g := buildGraph(t, gatedConfig(), def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		type outcome struct {
			status core.RunStatus
			err    error
		}
		resCh := make(chan outcome, 1)
		go func() {
			st, err := s.Run(context.Background())
			resCh <- outcome{st, err}
		}()

		waitPending(t, s, "review")
		assert.Equal(t, core.StatusWaitingHuman, s.Snapshot().Nodes["review"].Status)
		require.NoError(t, s.Gates().Approve("review", nil))

		res := <-resCh
		require.NoError(t, res.err)
		assert.Equal(t, core.RunSuccess, res.status)
		assert.Equal(t, core.StatusSuccess, g.Nodes["review"].Status)
		assert.Equal(t, core.StatusSuccess, g.Nodes["publish"].Status)
		assert.NotNil(t, g.Nodes["review"].Result)
	})

	t.Run("Should substitute the result on edit", func(t *testing.T) {
		def := testDefaults()
		g := buildGraph(t, gatedConfig(), def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		resCh := make(chan core.RunStatus, 1)
		go func() {
			st, _ := s.Run(context.Background())
			resCh <- st
		}()

		waitPending(t, s, "review")
		require.NoError(t, s.Gates().Edit("review", "amended output"))

		assert.Equal(t, core.RunSuccess, <-resCh)
		assert.Equal(t, "amended output", g.Nodes["review"].Result)
	})

	t.Run("Should cancel the task and block dependents on rejection", func(t *testing.T) {
		def := testDefaults()
		g := buildGraph(t, gatedConfig(), def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		resCh := make(chan core.RunStatus, 1)
		go func() {
			st, _ := s.Run(context.Background())
			resCh <- st
		}()

		waitPending(t, s, "review")
		require.NoError(t, s.Gates().Reject("review", "numbers look wrong"))

		assert.Equal(t, core.RunFailed, <-resCh)
		n := g.Nodes["review"]
		assert.Equal(t, core.StatusCanceled, n.Status)
		require.NotNil(t, n.Error)
		assert.Equal(t, "HUMAN_REJECTED", n.Error.Code)
		assert.Equal(t, core.StatusBlocked, g.Nodes["publish"].Status)
		assert.Equal(t, []string{"review"}, exec.executed())
	})

	t.Run("Should park a gated container after its children complete", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "stage", ID: "stage", HumanGate: true, SubTasks: []*task.Config{
					{Task: "s1", ID: "s1"},
				}},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		resCh := make(chan core.RunStatus, 1)
		go func() {
			st, _ := s.Run(context.Background())
			resCh <- st
		}()

		waitPending(t, s, "stage")
		assert.Equal(t, core.StatusSuccess, s.Snapshot().Nodes["s1"].Status)
		require.NoError(t, s.Gates().Approve("stage", nil))

		assert.Equal(t, core.RunSuccess, <-resCh)
		assert.Equal(t, core.StatusSuccess, g.Nodes["stage"].Status)
	})
}

func TestRunStop(t *testing.T) {
	t.Run("Should cancel everything cooperatively on stop", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		exec := &script{blockCtx: true}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})

		type outcome struct {
			status core.RunStatus
			err    error
		}
		resCh := make(chan outcome, 1)
		go func() {
			st, err := s.Run(context.Background())
			resCh <- outcome{st, err}
		}()

		// Let the first task start before stopping.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if s.Snapshot().Nodes["a"].Status == core.StatusRunning {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		s.Stop()

		res := <-resCh
		require.Error(t, res.err)
		assert.Equal(t, core.RunCanceled, res.status)
		assert.Equal(t, core.StatusCanceled, g.Nodes["a"].Status)
		assert.Equal(t, core.StatusCanceled, g.Nodes["b"].Status)
	})
}

func TestRunResumedGraph(t *testing.T) {
	t.Run("Should not re-execute nodes that already succeeded", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		g.Nodes["a"].Status = core.StatusSuccess

		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})
		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, []string{"b"}, exec.executed())
	})

	t.Run("Should re-admit interrupted failed leaves through retry", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a", Retry: &task.RetryPolicy{
					Strategy:   task.RetryFixed,
					MaxRetries: 2,
					BaseDelay:  task.Duration(time.Millisecond),
				}},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		g.Nodes["a"].Status = core.StatusFailed
		g.Nodes["a"].Attempt = 1

		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})
		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, status)
		assert.Equal(t, []string{"a"}, exec.executed())
		assert.Equal(t, 2, g.Nodes["a"].Attempt)
	})

	t.Run("Should settle interrupted failures with no budget left", func(t *testing.T) {
		cfg := &task.Config{
			Task: "root",
			SubTasks: []*task.Config{
				{Task: "a", ID: "a"},
			},
		}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		g.Nodes["a"].Status = core.StatusFailed
		g.Nodes["a"].Attempt = 1

		exec := &script{}
		s := newScheduler(g, exec, def, Options{Concurrency: 1})
		status, err := s.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, status)
		assert.Empty(t, exec.executed())
	})
}

func TestSnapshotAndPersistence(t *testing.T) {
	t.Run("Should return an isolated deep copy", func(t *testing.T) {
		cfg := &task.Config{Task: "root", SubTasks: []*task.Config{{Task: "a", ID: "a"}}}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		s := newScheduler(g, &script{}, def, Options{Concurrency: 1})

		rec := s.Snapshot()
		rec.Nodes["a"].Status = core.StatusFailed
		assert.Equal(t, core.StatusPending, g.Nodes["a"].Status)
		assert.False(t, rec.ExecutionID.IsZero())
	})

	t.Run("Should persist the final state when saving is enabled", func(t *testing.T) {
		store, err := state.NewStore(t.TempDir())
		require.NoError(t, err)

		cfg := &task.Config{Task: "root", SubTasks: []*task.Config{{Task: "a", ID: "a"}}}
		def := testDefaults()
		g := buildGraph(t, cfg, def)
		s := newScheduler(g, &script{}, def, Options{
			Concurrency: 1,
			SaveState:   true,
			Store:       store,
		})

		status, err := s.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, core.RunSuccess, status)

		rec, err := store.Load(s.ExecutionID().String())
		require.NoError(t, err)
		assert.Equal(t, core.RunSuccess, rec.RunStatus)
		assert.Equal(t, core.StatusSuccess, rec.Nodes["a"].Status)
	})
}

func TestCanTransition(t *testing.T) {
	t.Run("Should freeze terminal states", func(t *testing.T) {
		for _, from := range []core.StatusType{core.StatusSuccess, core.StatusCanceled, core.StatusBlocked} {
			for _, to := range []core.StatusType{core.StatusPending, core.StatusRunning, core.StatusFailed} {
				assert.False(t, canTransition(from, to), "%s -> %s", from, to)
			}
		}
	})

	t.Run("Should allow the retry loop transitions", func(t *testing.T) {
		assert.True(t, canTransition(core.StatusFailed, core.StatusReady))
		assert.True(t, canTransition(core.StatusReady, core.StatusRunning))
		assert.True(t, canTransition(core.StatusRunning, core.StatusFailed))
	})
}
