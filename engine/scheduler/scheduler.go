// Package scheduler drives the task graph to completion as a managed state
// machine. A single event loop owns every node-state write; opaque action
// execution is the only work that runs concurrently, on a bounded pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/executor"
	"github.com/makalin/loom/engine/gate"
	"github.com/makalin/loom/engine/retry"
	"github.com/makalin/loom/engine/state"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/engine/timeout"
	"github.com/makalin/loom/pkg/logger"
)

type eventKind int

const (
	evOutcome eventKind = iota
	evRetryDue
	evStop
)

type event struct {
	kind   eventKind
	nodeID string
	result any
	err    error
}

// Options configures one scheduler instance.
type Options struct {
	ExecutionID core.ID
	Concurrency int
	// SaveState enables snapshotting to Store after each applied transition.
	SaveState bool
	Store     *state.Store
	Settings  state.Settings
}

// Scheduler is the single writer of node state. External callers interact
// through Run, Stop, Gates and Snapshot only.
type Scheduler struct {
	mu       sync.RWMutex
	graph    *task.Graph
	exec     executor.Executor
	retries  *retry.Manager
	timeouts *timeout.Manager
	gates    *gate.Controller
	store    *state.Store
	log      logger.Logger

	execID      core.ID
	concurrency int
	saveState   bool
	settings    state.Settings
	runStatus   core.RunStatus

	// leafOrder is the declaration-order DFS of executable leaves, the
	// deterministic tie-break among simultaneously ready nodes.
	leafOrder []string

	events   chan event
	done     chan struct{}
	cancels  map[string]context.CancelFunc
	timers   map[string]*time.Timer
	inflight int
}

// New builds a scheduler over a validated graph. The graph may come from
// BuildGraph (fresh run) or state.Restore (resumed run).
func New(
	graph *task.Graph,
	exec executor.Executor,
	retries *retry.Manager,
	timeouts *timeout.Manager,
	gates *gate.Controller,
	opts Options,
) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ExecutionID.IsZero() {
		opts.ExecutionID = core.NewID()
	}
	s := &Scheduler{
		graph:       graph,
		exec:        exec,
		retries:     retries,
		timeouts:    timeouts,
		gates:       gates,
		store:       opts.Store,
		log:         logger.GetDefault(),
		execID:      opts.ExecutionID,
		concurrency: opts.Concurrency,
		saveState:   opts.SaveState && opts.Store != nil,
		settings:    opts.Settings,
		runStatus:   core.RunRunning,
		events:      make(chan event, 2*opts.Concurrency+8),
		done:        make(chan struct{}),
		cancels:     make(map[string]context.CancelFunc),
		timers:      make(map[string]*time.Timer),
	}
	s.leafOrder = leafOrder(graph)
	return s
}

// leafOrder walks the containment tree in declaration order and collects
// executable leaves.
func leafOrder(g *task.Graph) []string {
	var out []string
	var walk func(id string)
	walk = func(id string) {
		n := g.Nodes[id]
		if n == nil {
			return
		}
		if n.IsLeaf() {
			out = append(out, id)
			return
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(g.RootID)
	return out
}

// ExecutionID returns the run identifier.
func (s *Scheduler) ExecutionID() core.ID {
	return s.execID
}

// Gates exposes the human gate controller for external decision callers.
func (s *Scheduler) Gates() *gate.Controller {
	return s.gates
}

// RunStatus returns the current run-level status.
func (s *Scheduler) RunStatus() core.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runStatus
}

// Snapshot returns a consistent deep copy of the execution context. Observers
// (persistence, CLI, the visualization API) only ever see fully applied
// transitions.
func (s *Scheduler) Snapshot() *state.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() *state.Record {
	nodes := deepcopy.Copy(s.graph.Nodes).(map[string]*task.Node)
	return &state.Record{
		ExecutionID: s.execID,
		Timestamp:   time.Now(),
		RunStatus:   s.runStatus,
		RootID:      s.graph.RootID,
		Nodes:       nodes,
		Settings:    s.settings,
	}
}

// Stop requests cooperative cancellation of the whole run.
func (s *Scheduler) Stop() {
	s.send(event{kind: evStop})
}

// send delivers an event unless the run loop has already exited.
func (s *Scheduler) send(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Scheduler) persist() {
	if !s.saveState {
		return
	}
	rec := s.Snapshot()
	if err := s.store.Save(rec); err != nil {
		s.log.Warn("failed to persist execution state", "execution_id", s.execID, "error", err)
	}
}
