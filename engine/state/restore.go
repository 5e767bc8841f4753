package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/task"
)

// Restore rebuilds the in-memory graph from a record and normalizes it for
// resumed scheduling:
//
//   - RUNNING nodes become FAILED: the in-flight action outcome is unknown,
//     so they re-enter through the regular retry path.
//   - READY nodes revert to PENDING: eligibility is re-derived from current
//     dependency satisfaction, never trusted from the snapshot.
//   - Terminal and WAITING_HUMAN nodes are kept verbatim; parked gates are
//     re-registered by the scheduler on startup.
func Restore(rec *Record) (*task.Graph, error) {
	g := &task.Graph{Nodes: rec.Nodes, RootID: rec.RootID}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: snapshot graph is invalid: %s", core.ErrPersistence, err)
	}
	now := time.Now()
	for _, n := range g.Nodes {
		switch n.Status {
		case core.StatusRunning:
			if n.IsLeaf() {
				n.Status = core.StatusFailed
				n.EndedAt = &now
				n.Error = core.NewError(
					errors.New("execution interrupted before outcome was recorded"),
					"INTERRUPTED",
					map[string]any{"attempt": n.Attempt},
				)
			} else {
				// Parent projection is re-derived from children as the run
				// progresses.
				n.Status = core.StatusPending
			}
		case core.StatusReady:
			n.Status = core.StatusPending
		}
	}
	return g, nil
}
