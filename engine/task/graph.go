package task

import (
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"

	"github.com/makalin/loom/engine/core"
)

// Defaults carries the engine-level fallbacks applied to nodes that do not
// override them.
type Defaults struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// Graph is the flat node table plus the containment root. Nodes reference
// each other by id only; all traversal goes through lookups on Nodes.
type Graph struct {
	Nodes  map[string]*Node `json:"nodes"`
	RootID string           `json:"root_id"`
}

// BuildGraph constructs the validated node table from a definition tree. It
// assigns missing ids deterministically from the containment path, computes
// each node's path, merges retry defaults, and rejects duplicate ids.
func BuildGraph(cfg *Config, defaults Defaults) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}
	rootID, err := g.addNode(cfg, nil, 0, defaults)
	if err != nil {
		return nil, err
	}
	g.RootID = rootID
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addNode(cfg *Config, parent *Node, index int, defaults Defaults) (string, error) {
	id := cfg.ID
	if id == "" {
		if parent == nil {
			id = "root"
		} else if parent.ID == "root" {
			id = fmt.Sprintf("subtask_%d", index)
		} else {
			id = fmt.Sprintf("%s_subtask_%d", parent.ID, index)
		}
	}
	if _, exists := g.Nodes[id]; exists {
		return "", fmt.Errorf("%w: duplicate task id %q", core.ErrConfig, id)
	}

	node := &Node{
		ID:        id,
		Name:      cfg.Task,
		Action:    cfg.Action,
		Parallel:  cfg.Parallel,
		HumanGate: cfg.HumanGate,
		DependsOn: append([]string(nil), cfg.DependsOn...),
		Timeout:   defaults.Timeout,
		Status:    core.StatusPending,
	}
	if cfg.Timeout != nil {
		node.Timeout = cfg.Timeout.Std()
	}
	node.Retry = mergeRetry(cfg.Retry, defaults.Retry)
	if parent != nil {
		node.ParentID = parent.ID
		node.Path = parent.Path + "/" + id
	} else {
		node.Path = id
	}
	g.Nodes[id] = node

	for i, sub := range cfg.SubTasks {
		childID, err := g.addNode(sub, node, i, defaults)
		if err != nil {
			return "", err
		}
		node.Children = append(node.Children, childID)
	}
	return id, nil
}

func mergeRetry(override *RetryPolicy, defaults RetryPolicy) RetryPolicy {
	if override == nil {
		return defaults
	}
	merged := *override
	if err := mergo.Merge(&merged, defaults); err != nil {
		return defaults
	}
	return merged
}

// Root returns the root node.
func (g *Graph) Root() *Node {
	return g.Nodes[g.RootID]
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// Dependents returns the ids of nodes that directly name id in depends_on,
// in sorted order for determinism.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			if dep == id {
				out = append(out, node.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TransitiveDependents returns every node reachable from id over depends_on
// edges, in sorted order.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.Dependents(cur) {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Ordered returns all nodes in declaration order (pre-order walk from the
// root). This is the order dispatch and plan output follow.
func (g *Graph) Ordered() []*Node {
	out := make([]*Node, 0, len(g.Nodes))
	var walk func(id string)
	walk = func(id string) {
		n, ok := g.Nodes[id]
		if !ok {
			return
		}
		out = append(out, n)
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(g.RootID)
	return out
}

// Descendants returns every node inside id's containment subtree, excluding
// id itself, in declaration order.
func (g *Graph) Descendants(id string) []string {
	var out []string
	node, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	for _, child := range node.Children {
		out = append(out, child)
		out = append(out, g.Descendants(child)...)
	}
	return out
}
