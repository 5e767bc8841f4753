// Package executor defines the pluggable capability that performs a node's
// opaque action. The core never inspects action semantics.
package executor

import (
	"context"
	"time"

	"github.com/makalin/loom/engine/task"
)

// Executor runs a node's action. Implementations must honor ctx cancellation
// promptly and return ctx.Err() rather than silently completing.
type Executor interface {
	Execute(ctx context.Context, n *task.Node) (any, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, n *task.Node) (any, error)

func (f Func) Execute(ctx context.Context, n *task.Node) (any, error) {
	return f(ctx, n)
}

// Simulated stands in for real action execution: it waits Delay per node,
// honoring cancellation, and reports the action as executed.
type Simulated struct {
	Delay time.Duration
}

func NewSimulated(delay time.Duration) *Simulated {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Simulated{Delay: delay}
}

func (s *Simulated) Execute(ctx context.Context, n *task.Node) (any, error) {
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"status": "executed", "action": n.Action}, nil
}

// Noop completes immediately; used by dry runs.
type Noop struct{}

func (Noop) Execute(_ context.Context, n *task.Node) (any, error) {
	return map[string]any{"status": "skipped", "action": n.Action}, nil
}
