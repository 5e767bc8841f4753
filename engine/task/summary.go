package task

import (
	"github.com/makalin/loom/engine/core"
)

// Summary aggregates node statuses for progress display and exports.
type Summary struct {
	Total     int                     `json:"total_tasks"`
	ByStatus  map[core.StatusType]int `json:"by_status"`
	Completed int                     `json:"completed"`
	Failed    int                     `json:"failed"`
	Pending   int                     `json:"pending"`
}

// Summarize counts nodes by status across the table.
func Summarize(nodes map[string]*Node) Summary {
	s := Summary{
		Total:    len(nodes),
		ByStatus: make(map[core.StatusType]int),
	}
	for _, node := range nodes {
		s.ByStatus[node.Status]++
		switch node.Status {
		case core.StatusSuccess:
			s.Completed++
		case core.StatusFailed:
			s.Failed++
		case core.StatusPending, core.StatusReady:
			s.Pending++
		}
	}
	return s
}

// Analysis describes the static shape of a definition tree for `loom info`.
type Analysis struct {
	TotalTasks       int `json:"total_tasks"`
	MaxDepth         int `json:"max_depth"`
	ParallelTasks    int `json:"parallel_tasks"`
	HumanGates       int `json:"human_gates"`
	WithDependencies int `json:"tasks_with_dependencies"`
	WithActions      int `json:"tasks_with_actions"`
}

// Analyze walks a definition tree and reports its structural properties.
func Analyze(cfg *Config) Analysis {
	var a Analysis
	var walk func(c *Config, depth int)
	walk = func(c *Config, depth int) {
		a.TotalTasks++
		if depth > a.MaxDepth {
			a.MaxDepth = depth
		}
		if c.Parallel {
			a.ParallelTasks++
		}
		if c.HumanGate {
			a.HumanGates++
		}
		if len(c.DependsOn) > 0 {
			a.WithDependencies++
		}
		if c.Action != "" {
			a.WithActions++
		}
		for _, sub := range c.SubTasks {
			walk(sub, depth+1)
		}
	}
	walk(cfg, 0)
	return a
}
