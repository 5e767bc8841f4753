package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/gate"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/engine/timeout"
)

// -----------------------------------------------------------------------------
// Readiness and dispatch
// -----------------------------------------------------------------------------

// dispatchReadyLocked promotes eligible leaves and hands them to workers up
// to the concurrency limit. Ties among ready nodes break by declaration
// order, which makes single-worker runs fully deterministic.
func (s *Scheduler) dispatchReadyLocked(runCtx context.Context) {
	if s.runStatus != core.RunRunning {
		return
	}
	for _, id := range s.leafOrder {
		if s.inflight >= s.concurrency {
			return
		}
		n := s.graph.Nodes[id]
		if n.Status != core.StatusPending && n.Status != core.StatusReady {
			continue
		}
		if !s.eligibleLocked(n) {
			continue
		}
		if n.Status == core.StatusPending {
			s.transitionLocked(n, core.StatusReady)
		}
		s.startLocked(runCtx, n)
	}
}

// eligibleLocked reports whether a leaf may run now: its own dependencies
// are complete, it is its turn among non-parallel siblings, and the same
// holds for every ancestor. A leaf whose retry delay is still pending is not
// eligible.
func (s *Scheduler) eligibleLocked(n *task.Node) bool {
	if _, waiting := s.timers[n.ID]; waiting {
		return false
	}
	for cur := n; ; {
		if !s.depsCompleteLocked(cur) {
			return false
		}
		if cur.ParentID == "" {
			return true
		}
		parent := s.graph.Nodes[cur.ParentID]
		if parent.Status.IsTerminal() {
			return false
		}
		if !parent.Parallel && !s.isSequentialTurnLocked(parent, cur.ID) {
			return false
		}
		cur = parent
	}
}

func (s *Scheduler) depsCompleteLocked(n *task.Node) bool {
	for _, dep := range n.DependsOn {
		if s.graph.Nodes[dep].Status != core.StatusSuccess {
			return false
		}
	}
	return true
}

// isSequentialTurnLocked reports whether every earlier declared sibling has
// completed, so childID is next in a non-parallel parent.
func (s *Scheduler) isSequentialTurnLocked(parent *task.Node, childID string) bool {
	for _, sib := range parent.Children {
		if sib == childID {
			return true
		}
		if s.graph.Nodes[sib].Status != core.StatusSuccess {
			return false
		}
	}
	return true
}

// startLocked moves a ready leaf to RUNNING and launches its action on a
// worker goroutine. The executor receives a copy of the node so it never
// observes in-progress state writes.
func (s *Scheduler) startLocked(runCtx context.Context, n *task.Node) {
	s.transitionLocked(n, core.StatusRunning)
	n.Attempt++
	now := time.Now()
	n.StartedAt = &now
	n.EndedAt = nil
	n.Error = nil
	s.markAncestorsRunningLocked(n)

	nodeCtx, cancel := s.timeouts.NodeContext(runCtx, n)
	s.cancels[n.ID] = cancel
	s.inflight++
	s.log.Info("task started", "task", n.Path, "attempt", n.Attempt)

	snapshot := *n
	go func() {
		result, err := s.exec.Execute(nodeCtx, &snapshot)
		s.send(event{kind: evOutcome, nodeID: snapshot.ID, result: result, err: err})
	}()
}

// markAncestorsRunningLocked reflects descendant activity on container
// status for progress display.
func (s *Scheduler) markAncestorsRunningLocked(n *task.Node) {
	for pid := n.ParentID; pid != ""; {
		parent := s.graph.Nodes[pid]
		if parent.Status == core.StatusPending || parent.Status == core.StatusReady {
			s.transitionLocked(parent, core.StatusRunning)
			if parent.StartedAt == nil {
				now := time.Now()
				parent.StartedAt = &now
			}
		}
		pid = parent.ParentID
	}
}

// -----------------------------------------------------------------------------
// Outcome handling
// -----------------------------------------------------------------------------

func (s *Scheduler) handleOutcome(runCtx context.Context, ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.graph.Nodes[ev.nodeID]
	if cancel, ok := s.cancels[n.ID]; ok {
		cancel()
		delete(s.cancels, n.ID)
	}
	s.timeouts.Clear(n.ID)
	s.inflight--

	// A node canceled while its action was in flight already settled.
	if n.Status != core.StatusRunning {
		return
	}
	now := time.Now()
	n.EndedAt = &now

	switch {
	case ev.err == nil && n.HumanGate:
		n.Result = ev.result
		s.transitionLocked(n, core.StatusWaitingHuman)
		s.gates.Park(n.ID)
		s.log.Info("task awaiting human decision", "task", n.Path)
	case ev.err == nil:
		s.completeLocked(n, ev.result)
	default:
		s.failLocked(n, ev.err)
	}
	s.dispatchReadyLocked(runCtx)
}

// completeLocked finalizes a successful node and re-derives ancestor status.
func (s *Scheduler) completeLocked(n *task.Node, result any) {
	if result != nil {
		n.Result = result
	}
	s.transitionLocked(n, core.StatusSuccess)
	s.log.Info("task completed", "task", n.Path, "duration", n.Duration())
	s.projectAncestorsLocked(n)
}

// projectAncestorsLocked walks up from a completed node, settling each
// parent whose children have all completed. A human-gated parent parks
// instead of completing.
func (s *Scheduler) projectAncestorsLocked(n *task.Node) {
	for pid := n.ParentID; pid != ""; {
		parent := s.graph.Nodes[pid]
		if parent.Status.IsTerminal() || parent.Status == core.StatusWaitingHuman {
			return
		}
		for _, child := range parent.Children {
			if s.graph.Nodes[child].Status != core.StatusSuccess {
				return
			}
		}
		if parent.HumanGate {
			s.transitionLocked(parent, core.StatusWaitingHuman)
			s.gates.Park(parent.ID)
			s.log.Info("task awaiting human decision", "task", parent.Path)
			return
		}
		s.transitionLocked(parent, core.StatusSuccess)
		pid = parent.ParentID
	}
}

// failLocked routes a failed attempt through the retry manager; exhausted
// budgets settle the node permanently and block its dependents.
func (s *Scheduler) failLocked(n *task.Node, err error) {
	code := "ACTION_FAILED"
	cause := fmt.Errorf("%w: %s", core.ErrActionFailed, err)
	if timeout.IsTimeout(err) {
		code = "TIMEOUT"
		cause = fmt.Errorf("%w: task %s exceeded %s", core.ErrTimeout, n.ID, s.timeouts.Effective(n))
	}
	n.Error = core.NewError(cause, code, map[string]any{"attempt": n.Attempt})

	// A retry is pointless once the containing branch has settled.
	if s.ancestorSettledLocked(n) {
		s.settleLocked(n, core.StatusFailed)
		return
	}
	delay, ok := s.retries.Decide(n)
	if !ok {
		s.log.Error("task failed permanently", "task", n.Path, "attempts", n.Attempt, "error", err)
		s.settleLocked(n, core.StatusFailed)
		return
	}
	s.transitionLocked(n, core.StatusFailed)
	s.log.Warn("task failed, retry scheduled",
		"task", n.Path, "attempt", n.Attempt, "delay", delay, "error", err)
	id := n.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.send(event{kind: evRetryDue, nodeID: id})
	})
}

// handleRetryDue re-admits a failed node once its backoff delay elapsed.
func (s *Scheduler) handleRetryDue(runCtx context.Context, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, nodeID)
	n := s.graph.Nodes[nodeID]
	if n.Status != core.StatusFailed {
		return
	}
	s.transitionLocked(n, core.StatusReady)
	s.dispatchReadyLocked(runCtx)
}

func (s *Scheduler) ancestorSettledLocked(n *task.Node) bool {
	for pid := n.ParentID; pid != ""; {
		parent := s.graph.Nodes[pid]
		if parent.Status.IsTerminal() {
			return true
		}
		pid = parent.ParentID
	}
	return false
}

// -----------------------------------------------------------------------------
// Permanent failure and blocking propagation
// -----------------------------------------------------------------------------

// settleLocked applies a permanent terminal status to a node, then blocks
// everything that can no longer run: transitive dependents, descendants of
// settled containers, and containers themselves via parent projection.
// In-flight and parked nodes are left to settle through their own events.
func (s *Scheduler) settleLocked(seed *task.Node, st core.StatusType) {
	type item struct {
		id string
		st core.StatusType
	}
	s.transitionLocked(seed, st)
	enqueueEffects := func(id string, settled core.StatusType, work []item) []item {
		for _, dep := range s.graph.TransitiveDependents(id) {
			work = append(work, item{dep, core.StatusBlocked})
		}
		for _, desc := range s.graph.Descendants(id) {
			work = append(work, item{desc, core.StatusBlocked})
		}
		if parent := s.graph.Nodes[id].ParentID; parent != "" {
			work = append(work, item{parent, parentProjection(settled)})
		}
		return work
	}
	work := enqueueEffects(seed.ID, st, nil)

	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		n := s.graph.Nodes[it.id]
		if n.Status.IsTerminal() {
			continue
		}
		// Running actions finish cooperatively; parked gates keep their
		// pending decision slot unless a dependency failed underneath them.
		if n.Status == core.StatusRunning {
			continue
		}
		if n.Status == core.StatusWaitingHuman {
			continue
		}
		if timer, ok := s.timers[it.id]; ok {
			timer.Stop()
			delete(s.timers, it.id)
		}
		if !s.transitionLocked(n, it.st) {
			continue
		}
		work = enqueueEffects(it.id, it.st, work)
	}
}

// -----------------------------------------------------------------------------
// Human gate decisions
// -----------------------------------------------------------------------------

func (s *Scheduler) handleGate(runCtx context.Context, sig gate.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.graph.Nodes[sig.NodeID]
	if n == nil || n.Status != core.StatusWaitingHuman {
		return
	}
	switch sig.Decision {
	case gate.DecisionApprove, gate.DecisionEdit:
		s.log.Info("human gate approved", "task", n.Path, "decision", sig.Decision)
		s.completeLocked(n, sig.Result)
	case gate.DecisionReject:
		reason := sig.Reason
		if reason == "" {
			reason = "rejected by human decision"
		}
		n.Error = core.NewError(
			fmt.Errorf("%w: %s", core.ErrHumanRejected, reason),
			"HUMAN_REJECTED", nil,
		)
		s.log.Warn("human gate rejected", "task", n.Path, "reason", reason)
		s.settleLocked(n, core.StatusCanceled)
	}
	s.dispatchReadyLocked(runCtx)
}
