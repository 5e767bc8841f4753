// Package gate suspends nodes awaiting an external human decision and turns
// the eventual approve/reject/edit into a scheduler event.
package gate

import (
	"fmt"
	"sort"
	"sync"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionEdit    Decision = "edit"
)

// Signal is one resolved human decision, delivered to the scheduler loop.
type Signal struct {
	NodeID   string
	Decision Decision
	// Result substitutes the node result on edit (and optionally approve).
	Result any
	// Reason is carried on rejection for diagnostics.
	Reason string
}

// Controller keeps the pending decision slots. Parking never blocks the
// scheduler; decisions arrive asynchronously on Signals.
type Controller struct {
	mu      sync.Mutex
	pending map[string]struct{}
	signals chan Signal
	closed  bool
}

func NewController() *Controller {
	return &Controller{
		pending: make(map[string]struct{}),
		signals: make(chan Signal, 64),
	}
}

// Signals is the stream of resolved decisions, consumed by the scheduler.
func (c *Controller) Signals() <-chan Signal {
	return c.signals
}

// Park registers a pending decision slot for a node.
func (c *Controller) Park(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.pending[nodeID] = struct{}{}
	}
}

// Pending lists node ids awaiting a decision, sorted for determinism.
func (c *Controller) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsPending reports whether a node awaits a decision.
func (c *Controller) IsPending(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[nodeID]
	return ok
}

// Approve resumes a parked node toward completion. A non-nil result
// substitutes the node result.
func (c *Controller) Approve(nodeID string, result any) error {
	return c.resolve(Signal{NodeID: nodeID, Decision: DecisionApprove, Result: result})
}

// Reject cancels a parked node; the scheduler blocks its dependents.
func (c *Controller) Reject(nodeID, reason string) error {
	return c.resolve(Signal{NodeID: nodeID, Decision: DecisionReject, Reason: reason})
}

// Edit resumes a parked node with a replacement result.
func (c *Controller) Edit(nodeID string, result any) error {
	return c.resolve(Signal{NodeID: nodeID, Decision: DecisionEdit, Result: result})
}

func (c *Controller) resolve(sig Signal) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gate controller is closed")
	}
	if _, ok := c.pending[sig.NodeID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("no pending human gate for task %q", sig.NodeID)
	}
	delete(c.pending, sig.NodeID)
	c.mu.Unlock()
	c.signals <- sig
	return nil
}

// Close rejects further decisions once the run has ended.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
