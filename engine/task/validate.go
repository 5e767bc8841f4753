package task

import (
	"fmt"
	"sort"

	"github.com/makalin/loom/engine/core"
)

// Validate checks referential integrity and acyclicity of the combined
// containment+dependency graph. It runs once, before scheduling starts.
func (g *Graph) Validate() error {
	if g.RootID == "" || g.Nodes[g.RootID] == nil {
		return fmt.Errorf("%w: graph has no root", core.ErrConfig)
	}
	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on unknown task %q", core.ErrDependency, node.ID, dep)
			}
			if dep == node.ID {
				return core.NewCycleError([]string{node.ID, node.ID})
			}
		}
		if node.ParentID != "" {
			if _, ok := g.Nodes[node.ParentID]; !ok {
				return fmt.Errorf("%w: task %q references unknown parent %q", core.ErrDependency, node.ID, node.ParentID)
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return core.NewCycleError(cycle)
	}
	return nil
}

// findCycle runs a deterministic DFS with recursion-stack coloring over the
// combined edge set (parent->child containment plus prerequisite->dependent)
// and returns one witness path, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.Nodes))
	parent := make(map[string]string, len(g.Nodes))

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, next := range g.outEdges(id) {
			switch color[next] {
			case white:
				parent[next] = id
				if dfs(next) {
					return true
				}
			case gray:
				// Back-edge id -> next closes a cycle; rebuild next ... id -> next.
				cycle = append(cycle, next)
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, next)
				reverse(cycle)
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// outEdges lists the successors of id in the combined graph: containment
// children plus the nodes that depend on id.
func (g *Graph) outEdges(id string) []string {
	node := g.Nodes[id]
	out := append([]string(nil), node.Children...)
	out = append(out, g.Dependents(id)...)
	return out
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
