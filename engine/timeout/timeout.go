// Package timeout tracks per-node and run-wide deadlines.
package timeout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/makalin/loom/engine/task"
)

// Manager derives cancellation contexts for node executions and the run as a
// whole. Expiry surfaces as context.DeadlineExceeded on the derived context;
// executors are expected to honor it promptly.
type Manager struct {
	defaultTimeout time.Duration
	globalTimeout  time.Duration

	mu        sync.Mutex
	deadlines map[string]time.Time
}

func NewManager(defaultTimeout, globalTimeout time.Duration) *Manager {
	return &Manager{
		defaultTimeout: defaultTimeout,
		globalTimeout:  globalTimeout,
		deadlines:      make(map[string]time.Time),
	}
}

// Effective resolves the timeout that applies to a node: its own override,
// else the engine default. Zero means no deadline.
func (m *Manager) Effective(n *task.Node) time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	return m.defaultTimeout
}

// RunContext derives the context bounding the whole run.
func (m *Manager) RunContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.globalTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.globalTimeout)
}

// NodeContext derives the execution context for one node attempt and records
// its deadline for observers. The caller must Clear once the attempt ends.
func (m *Manager) NodeContext(ctx context.Context, n *task.Node) (context.Context, context.CancelFunc) {
	t := m.Effective(n)
	if t <= 0 {
		return context.WithCancel(ctx)
	}
	m.mu.Lock()
	m.deadlines[n.ID] = time.Now().Add(t)
	m.mu.Unlock()
	return context.WithTimeout(ctx, t)
}

// Clear drops the recorded deadline for a node.
func (m *Manager) Clear(nodeID string) {
	m.mu.Lock()
	delete(m.deadlines, nodeID)
	m.mu.Unlock()
}

// Remaining reports how long a running node has before its deadline.
func (m *Manager) Remaining(nodeID string) (time.Duration, bool) {
	m.mu.Lock()
	deadline, ok := m.deadlines[nodeID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	rem := time.Until(deadline)
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// IsTimeout reports whether an execution error was caused by deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
