package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/makalin/loom/engine/core"
	"github.com/makalin/loom/engine/gate"
	"github.com/makalin/loom/engine/runner"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/pkg/logger"
)

// taskView is the per-node shape the board renders into status columns.
type taskView struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	Path      string          `json:"task_path"`
	Status    core.StatusType `json:"status"`
	Parallel  bool            `json:"parallel"`
	HumanGate bool            `json:"human_gate"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
}

func viewsFromNodes(nodes map[string]*task.Node) []taskView {
	out := make([]taskView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, taskView{
			ID:        n.ID,
			Task:      n.Name,
			Path:      n.Path,
			Status:    n.Status,
			Parallel:  n.Parallel,
			HumanGate: n.HumanGate,
			DependsOn: n.DependsOn,
			Attempt:   n.Attempt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Server) getStatus(c *gin.Context) {
	s.mu.Lock()
	sched := s.sched
	preview := s.preview
	running := s.runDone != nil
	startTime := s.startTime
	s.mu.Unlock()

	if running {
		select {
		case <-s.runDone:
			running = false
		default:
		}
	}

	var nodes map[string]*task.Node
	var executionID string
	var runStatus core.RunStatus
	switch {
	case sched != nil:
		rec := sched.Snapshot()
		nodes = rec.Nodes
		executionID = rec.ExecutionID.String()
		runStatus = rec.RunStatus
	case preview != nil:
		nodes = preview.Nodes
	default:
		c.JSON(http.StatusOK, gin.H{"running": false, "tasks": []taskView{}, "summary": task.Summary{}})
		return
	}

	summary := task.Summarize(nodes)
	resp := gin.H{
		"running":      running,
		"execution_id": executionID,
		"run_status":   runStatus,
		"tasks":        viewsFromNodes(nodes),
		"summary":      summary,
		"progress": gin.H{
			"completed": summary.Completed,
			"total":     summary.Total,
		},
	}
	if sched != nil {
		resp["pending_gates"] = sched.Gates().Pending()
	}
	if !startTime.IsZero() {
		resp["start_time"] = startTime
	}
	c.JSON(http.StatusOK, resp)
}

type loadRequest struct {
	File string `json:"file" binding:"required"`
}

func (s *Server) postLoad(c *gin.Context) {
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	def, err := task.LoadConfig(req.File)
	if err != nil {
		respondError(c, http.StatusBadRequest, "CONFIG_ERROR", err)
		return
	}
	graph, err := task.BuildGraph(def, runner.Defaults(s.cfg))
	if err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}

	s.mu.Lock()
	if s.runDone != nil {
		select {
		case <-s.runDone:
		default:
			s.mu.Unlock()
			respondError(c, http.StatusConflict, "RUN_ACTIVE",
				fmt.Errorf("an execution is already running"))
			return
		}
	}
	s.def = def
	s.defPath = req.File
	s.preview = graph
	s.sched = nil
	s.runDone = nil
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"file_path":   req.File,
		"total_tasks": graph.Len(),
		"tasks":       viewsFromNodes(graph.Nodes),
	})
}

func (s *Server) postRun(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.def == nil {
		respondError(c, http.StatusBadRequest, "NO_TASK_LOADED",
			fmt.Errorf("no task definition loaded"))
		return
	}
	if s.runDone != nil {
		select {
		case <-s.runDone:
		default:
			respondError(c, http.StatusConflict, "RUN_ACTIVE",
				fmt.Errorf("an execution is already running"))
			return
		}
	}
	sched, err := runner.New(s.cfg, s.def, s.exec)
	if err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}
	s.sched = sched
	s.preview = nil
	s.startTime = time.Now()
	done := make(chan struct{})
	s.runDone = done
	log := logger.GetDefault()
	go func() {
		defer close(done)
		status, err := sched.Run(context.Background())
		if err != nil {
			log.Warn("gui run ended abnormally", "status", status, "error", err)
		}
	}()
	c.JSON(http.StatusOK, gin.H{"success": true, "execution_id": sched.ExecutionID()})
}

func (s *Server) postStop(c *gin.Context) {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched == nil {
		respondError(c, http.StatusBadRequest, "NO_RUN", fmt.Errorf("no execution to stop"))
		return
	}
	sched.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getStates(c *gin.Context) {
	metas, err := s.store.List()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "PERSISTENCE_ERROR", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": metas})
}

func (s *Server) getState(c *gin.Context) {
	rec, err := s.store.Load(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "STATE_NOT_FOUND", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type gateRequest struct {
	Decision string `json:"decision" binding:"required,oneof=approve reject edit"`
	Result   any    `json:"result,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) postGate(c *gin.Context) {
	var req gateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err)
		return
	}
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched == nil {
		respondError(c, http.StatusBadRequest, "NO_RUN", fmt.Errorf("no execution running"))
		return
	}
	nodeID := c.Param("id")
	var err error
	switch gate.Decision(req.Decision) {
	case gate.DecisionApprove:
		err = sched.Gates().Approve(nodeID, req.Result)
	case gate.DecisionReject:
		err = sched.Gates().Reject(nodeID, req.Reason)
	case gate.DecisionEdit:
		err = sched.Gates().Edit(nodeID, req.Result)
	}
	if err != nil {
		respondError(c, http.StatusNotFound, "GATE_NOT_PENDING", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
