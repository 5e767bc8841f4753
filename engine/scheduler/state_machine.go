package scheduler

import (
	"time"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/task"
)

// canTransition encodes the node state machine. The scheduler loop is the
// only writer, so a disallowed transition indicates a scheduling bug, not a
// race.
func canTransition(from, to core.StatusType) bool {
	switch from {
	case core.StatusPending:
		return to == core.StatusReady || to == core.StatusRunning ||
			to == core.StatusBlocked || to == core.StatusCanceled ||
			to == core.StatusWaitingHuman || to == core.StatusSuccess ||
			to == core.StatusFailed
	case core.StatusReady:
		return to == core.StatusRunning || to == core.StatusBlocked ||
			to == core.StatusCanceled || to == core.StatusPending
	case core.StatusRunning:
		// BLOCKED from RUNNING only happens to containers, whose RUNNING
		// status is a projection of descendant activity.
		return to == core.StatusSuccess || to == core.StatusFailed ||
			to == core.StatusWaitingHuman || to == core.StatusCanceled ||
			to == core.StatusBlocked
	case core.StatusWaitingHuman:
		return to == core.StatusSuccess || to == core.StatusRunning ||
			to == core.StatusCanceled
	case core.StatusFailed:
		return to == core.StatusReady || to == core.StatusPending ||
			to == core.StatusBlocked || to == core.StatusCanceled
	default:
		// Terminal states never transition.
		return false
	}
}

// transitionLocked applies a validated status change and stamps timestamps
// for terminal states.
func (s *Scheduler) transitionLocked(n *task.Node, to core.StatusType) bool {
	if n.Status == to {
		return false
	}
	if !canTransition(n.Status, to) {
		s.log.Warn("disallowed state transition ignored",
			"task", n.ID, "from", n.Status, "to", to)
		return false
	}
	n.Status = to
	if to.IsTerminal() && n.EndedAt == nil {
		now := time.Now()
		n.EndedAt = &now
	}
	return true
}

// parentProjection maps a child's permanent terminal status to the status
// its parent derives from it. Failure dominates; rejection and blocking both
// surface as BLOCKED on the container.
func parentProjection(child core.StatusType) core.StatusType {
	if child == core.StatusFailed {
		return core.StatusFailed
	}
	return core.StatusBlocked
}
