// Package server exposes the scheduler to the kanban visualization board:
// node state for status columns plus load/start/stop and human-gate decision
// commands. It only ever reads consistent scheduler snapshots.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/makalin/loom/engine/executor"
	"github.com/makalin/loom/engine/scheduler"
	"github.com/makalin/loom/engine/state"
	"github.com/makalin/loom/engine/task"
	"github.com/makalin/loom/pkg/config"
	"github.com/makalin/loom/pkg/logger"
)

// Server owns at most one loaded definition and one execution at a time.
type Server struct {
	cfg   *config.Config
	exec  executor.Executor
	store *state.Store

	mu        sync.Mutex
	def       *task.Config
	defPath   string
	preview   *task.Graph
	sched     *scheduler.Scheduler
	runDone   chan struct{}
	startTime time.Time
}

func New(cfg *config.Config, exec executor.Executor) (*Server, error) {
	store, err := state.NewStore(cfg.Engine.StateDir)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, exec: exec, store: store}, nil
}

// Router builds the API surface.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/status", s.getStatus)
	api.POST("/load", s.postLoad)
	api.POST("/run", s.postRun)
	api.POST("/stop", s.postStop)
	api.GET("/states", s.getStates)
	api.GET("/state/:id", s.getState)
	api.POST("/gate/:id", s.postGate)
	return r
}

// Start serves the API until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.FromContext(ctx).Info("gui server listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func respondError(c *gin.Context, status int, code string, err error) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}
