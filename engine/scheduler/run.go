package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/pkg/logger"
)

// Run drives the graph until every node is terminal, the global deadline
// expires, or the run is stopped. It returns the final run status; the error
// is non-nil only for timeout and external cancellation.
func (s *Scheduler) Run(ctx context.Context) (core.RunStatus, error) {
	s.log = logger.FromContext(ctx)
	runCtx, cancel := s.timeouts.RunContext(ctx)
	defer cancel()
	defer close(s.done)
	defer s.gates.Close()

	s.mu.Lock()
	s.prepareLocked()
	s.dispatchReadyLocked(runCtx)
	s.mu.Unlock()
	s.persist()

	for !s.finished() {
		select {
		case <-runCtx.Done():
			status := core.RunCanceled
			if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				status = core.RunTimedOut
			}
			s.abort(status)
			s.persist()
			if status == core.RunTimedOut {
				return status, fmt.Errorf("%w: run exceeded global deadline", core.ErrTimeout)
			}
			return status, runCtx.Err()
		case sig := <-s.gates.Signals():
			s.handleGate(runCtx, sig)
			s.persist()
		case ev := <-s.events:
			switch ev.kind {
			case evOutcome:
				s.handleOutcome(runCtx, ev)
			case evRetryDue:
				s.handleRetryDue(runCtx, ev.nodeID)
			case evStop:
				s.abort(core.RunCanceled)
				s.persist()
				return core.RunCanceled, context.Canceled
			}
			s.persist()
		}
	}

	s.mu.Lock()
	s.finalizeLocked()
	status := s.runStatus
	s.mu.Unlock()
	s.persist()
	return status, nil
}

// prepareLocked normalizes a (possibly resumed) graph before dispatching:
// parked gates are re-registered, and failed leaves either get their retry
// timer back or settle permanently.
func (s *Scheduler) prepareLocked() {
	for _, id := range s.leafOrder {
		n := s.graph.Nodes[id]
		switch n.Status {
		case core.StatusWaitingHuman:
			s.gates.Park(n.ID)
		case core.StatusFailed:
			if s.ancestorSettledLocked(n) {
				s.settleLocked(n, core.StatusFailed)
				continue
			}
			delay, ok := s.retries.Decide(n)
			if !ok {
				s.settleLocked(n, core.StatusFailed)
				continue
			}
			nodeID := n.ID
			s.timers[nodeID] = time.AfterFunc(delay, func() {
				s.send(event{kind: evRetryDue, nodeID: nodeID})
			})
		}
	}
	for _, n := range s.graph.Nodes {
		if n.Status == core.StatusWaitingHuman && !n.IsLeaf() {
			s.gates.Park(n.ID)
		}
	}
}

// finished reports whether the loop can exit: either every node is terminal,
// or nothing can make progress anymore (no in-flight work, no armed timers,
// no pending gates, no eligible leaf).
func (s *Scheduler) finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runStatus != core.RunRunning {
		return true
	}
	if s.inflight > 0 || len(s.timers) > 0 {
		return false
	}
	if len(s.gates.Pending()) > 0 {
		return false
	}
	for _, id := range s.leafOrder {
		n := s.graph.Nodes[id]
		if n.Status == core.StatusRunning || n.Status == core.StatusWaitingHuman {
			return false
		}
		if (n.Status == core.StatusPending || n.Status == core.StatusReady) && s.eligibleLocked(n) {
			return false
		}
	}
	return true
}

// finalizeLocked settles leftover non-terminal leaves (stranded by a failed
// branch), re-derives container statuses bottom-up, and sets the run status
// from the root.
func (s *Scheduler) finalizeLocked() {
	if s.runStatus != core.RunRunning {
		return
	}
	for _, id := range s.leafOrder {
		n := s.graph.Nodes[id]
		if !n.Status.IsTerminal() {
			s.transitionLocked(n, core.StatusBlocked)
		}
	}
	s.deriveContainerLocked(s.graph.RootID)
	if s.graph.Root().Status == core.StatusSuccess {
		s.runStatus = core.RunSuccess
	} else {
		s.runStatus = core.RunFailed
	}
	summary := task.Summarize(s.graph.Nodes)
	s.log.Info("run finished",
		"execution_id", s.execID,
		"status", s.runStatus,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"total", summary.Total)
}

// deriveContainerLocked recomputes a container's terminal status from its
// children, bottom-up. A failed child dominates; anything short of full
// success otherwise blocks the container.
func (s *Scheduler) deriveContainerLocked(id string) core.StatusType {
	n := s.graph.Nodes[id]
	if n.IsLeaf() || n.Status.IsTerminal() {
		return n.Status
	}
	var failed, incomplete bool
	for _, child := range n.Children {
		switch s.deriveContainerLocked(child) {
		case core.StatusSuccess:
		case core.StatusFailed:
			failed = true
		default:
			incomplete = true
		}
	}
	switch {
	case failed:
		s.transitionLocked(n, core.StatusFailed)
	case incomplete:
		s.transitionLocked(n, core.StatusBlocked)
	default:
		s.transitionLocked(n, core.StatusSuccess)
	}
	return n.Status
}

// abort cancels every non-terminal node cooperatively: in-flight executors
// are signaled through their contexts, everything else settles CANCELED.
// No further dispatch occurs.
func (s *Scheduler) abort(status core.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runStatus = status
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	for _, n := range s.graph.Nodes {
		if !n.Status.IsTerminal() {
			s.transitionLocked(n, core.StatusCanceled)
		}
	}
	s.log.Warn("run aborted", "execution_id", s.execID, "status", status)
}
