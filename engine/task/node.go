package task

import (
	"time"

	"github.com/makalin/loom/engine/core"
)

// Node is the runtime unit of work. Structure fields (everything above
// Status) are fixed once the graph is built; the scheduler owns all mutation
// of the remaining fields.
type Node struct {
	ID        string   `json:"id"`
	Name      string   `json:"task"`
	Action    string   `json:"action,omitempty"`
	ParentID  string   `json:"parent_id,omitempty"`
	Children  []string `json:"sub_task_ids,omitempty"`
	Parallel  bool     `json:"parallel,omitempty"`
	HumanGate bool     `json:"human_gate,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Path is the slash-joined id sequence from root to this node, computed
	// once at build time and never mutated afterwards.
	Path    string        `json:"task_path"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Retry   RetryPolicy   `json:"retry"`

	Status    core.StatusType `json:"status"`
	Attempt   int             `json:"attempt"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     *core.Error     `json:"error,omitempty"`
}

// IsLeaf reports whether this node performs work itself. Parents are pure
// grouping constructs whose status is derived from their children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Duration returns the observed execution time, zero while incomplete.
func (n *Node) Duration() time.Duration {
	if n.StartedAt == nil || n.EndedAt == nil {
		return 0
	}
	return n.EndedAt.Sub(*n.StartedAt)
}
