package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makalin/loom/engine/core"
)

func defaults() Defaults {
	return Defaults{
		Timeout: 30 * time.Second,
		Retry: RetryPolicy{
			Strategy:   RetryExponential,
			MaxRetries: 3,
			BaseDelay:  Duration(time.Second),
			MaxDelay:   Duration(60 * time.Second),
		},
	}
}

func TestBuildGraph(t *testing.T) {
	t.Run("Should assign deterministic ids from the containment path", func(t *testing.T) {
		cfg := &Config{
			Task: "deploy",
			SubTasks: []*Config{
				{Task: "build", SubTasks: []*Config{
					{Task: "compile"},
					{Task: "lint"},
				}},
				{Task: "release"},
			},
		}
		g, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
		assert.Equal(t, "root", g.RootID)
		assert.Len(t, g.Nodes, 5)
		assert.Contains(t, g.Nodes, "subtask_0")
		assert.Contains(t, g.Nodes, "subtask_1")
		assert.Contains(t, g.Nodes, "subtask_0_subtask_0")
		assert.Contains(t, g.Nodes, "subtask_0_subtask_1")
		assert.Equal(t, "root/subtask_0/subtask_0_subtask_1", g.Nodes["subtask_0_subtask_1"].Path)
		assert.Equal(t, "subtask_0", g.Nodes["subtask_0_subtask_0"].ParentID)
	})

	t.Run("Should keep explicit ids and link children in declaration order", func(t *testing.T) {
		cfg := &Config{
			Task: "pipeline",
			ID:   "pipe",
			SubTasks: []*Config{
				{Task: "fetch", ID: "fetch"},
				{Task: "process", ID: "process", DependsOn: []string{"fetch"}},
			},
		}
		g, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
		assert.Equal(t, "pipe", g.RootID)
		assert.Equal(t, []string{"fetch", "process"}, g.Root().Children)
		assert.Equal(t, []string{"fetch"}, g.Nodes["process"].DependsOn)
	})

	t.Run("Should reject duplicate ids", func(t *testing.T) {
		cfg := &Config{
			Task: "root",
			SubTasks: []*Config{
				{Task: "a", ID: "same"},
				{Task: "b", ID: "same"},
			},
		}
		_, err := BuildGraph(cfg, defaults())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrConfig)
	})

	t.Run("Should apply default timeout and retry policy", func(t *testing.T) {
		cfg := &Config{Task: "solo"}
		g, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
		n := g.Root()
		assert.Equal(t, 30*time.Second, n.Timeout)
		assert.Equal(t, RetryExponential, n.Retry.Strategy)
		assert.Equal(t, 3, n.Retry.MaxRetries)
	})

	t.Run("Should merge partial retry overrides over defaults", func(t *testing.T) {
		to := Duration(5 * time.Second)
		cfg := &Config{
			Task:    "solo",
			Timeout: &to,
			Retry:   &RetryPolicy{MaxRetries: 7},
		}
		g, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
		n := g.Root()
		assert.Equal(t, 5*time.Second, n.Timeout)
		assert.Equal(t, 7, n.Retry.MaxRetries)
		assert.Equal(t, RetryExponential, n.Retry.Strategy)
		assert.Equal(t, Duration(time.Second), n.Retry.BaseDelay)
	})

	t.Run("Should start every node in PENDING", func(t *testing.T) {
		cfg := &Config{Task: "root", SubTasks: []*Config{{Task: "a"}, {Task: "b"}}}
		g, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
		for _, n := range g.Nodes {
			assert.Equal(t, core.StatusPending, n.Status)
		}
	})
}

func TestGraphValidate(t *testing.T) {
	t.Run("Should reject a dependency on an unknown task", func(t *testing.T) {
		cfg := &Config{
			Task: "root",
			SubTasks: []*Config{
				{Task: "a", ID: "a", DependsOn: []string{"ghost"}},
			},
		}
		_, err := BuildGraph(cfg, defaults())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrDependency)
	})

	t.Run("Should reject a self dependency as a cycle", func(t *testing.T) {
		cfg := &Config{
			Task: "root",
			SubTasks: []*Config{
				{Task: "a", ID: "a", DependsOn: []string{"a"}},
			},
		}
		_, err := BuildGraph(cfg, defaults())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrCycle)
	})

	t.Run("Should report a cycle witness path", func(t *testing.T) {
		cfg := &Config{
			Task: "root",
			SubTasks: []*Config{
				{Task: "a", ID: "a", DependsOn: []string{"b"}},
				{Task: "b", ID: "b", DependsOn: []string{"a"}},
			},
		}
		_, err := BuildGraph(cfg, defaults())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrCycle)
		assert.Contains(t, err.Error(), "dependency cycle detected")
		assert.Contains(t, err.Error(), " -> ")
	})

	t.Run("Should allow dependencies across branches", func(t *testing.T) {
		cfg := &Config{
			Task: "root",
			SubTasks: []*Config{
				{Task: "infra", ID: "infra", SubTasks: []*Config{
					{Task: "db", ID: "db"},
				}},
				{Task: "app", ID: "app", DependsOn: []string{"db"}},
			},
		}
		_, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
	})
}

func TestGraphTraversal(t *testing.T) {
	newGraph := func(t *testing.T) *Graph {
		cfg := &Config{
			Task: "root",
			SubTasks: []*Config{
				{Task: "a", ID: "a"},
				{Task: "b", ID: "b", DependsOn: []string{"a"}},
				{Task: "c", ID: "c", DependsOn: []string{"b"}, SubTasks: []*Config{
					{Task: "c1", ID: "c1"},
				}},
			},
		}
		g, err := BuildGraph(cfg, defaults())
		require.NoError(t, err)
		return g
	}

	t.Run("Should list direct and transitive dependents", func(t *testing.T) {
		g := newGraph(t)
		assert.Equal(t, []string{"b"}, g.Dependents("a"))
		assert.Equal(t, []string{"b", "c"}, g.TransitiveDependents("a"))
		assert.Empty(t, g.TransitiveDependents("c"))
	})

	t.Run("Should list descendants in declaration order", func(t *testing.T) {
		g := newGraph(t)
		assert.Equal(t, []string{"a", "b", "c", "c1"}, g.Descendants("root"))
		assert.Equal(t, []string{"c1"}, g.Descendants("c"))
	})

	t.Run("Should walk nodes pre-order from the root", func(t *testing.T) {
		g := newGraph(t)
		var ids []string
		for _, n := range g.Ordered() {
			ids = append(ids, n.ID)
		}
		assert.Equal(t, []string{"root", "a", "b", "c", "c1"}, ids)
	})
}
