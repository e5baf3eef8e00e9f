// Package server exposes the daemon's HTTP surface for the browser UI
// and the CLI: bootstrap, task and message operations, file helpers,
// and the SSE event stream. Canonical routes live under /api; the flat
// legacy paths are mounted as aliases on the same handlers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/zjrosen/delegate/internal/config"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/merge"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/team"
	"github.com/zjrosen/delegate/internal/workflow"
	"github.com/zjrosen/delegate/internal/worktree"
)

// Server owns the HTTP router and its dependencies.
type Server struct {
	cfg       *config.Config
	h         *home.Home
	store     *sqlite.Store
	bus       *event.Bus
	teams     *team.Service
	engine    *workflow.Engine
	merges    *merge.Worker
	worktrees *worktree.Manager
	git       git.Executor
	version   string

	router *gin.Engine
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, h *home.Home, store *sqlite.Store, bus *event.Bus, teams *team.Service,
	engine *workflow.Engine, merges *merge.Worker, worktrees *worktree.Manager,
	g git.Executor, version string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		h:         h,
		store:     store,
		bus:       bus,
		teams:     teams,
		engine:    engine,
		merges:    merges,
		worktrees: worktrees,
		git:       g,
		version:   version,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	{
		api.GET("/bootstrap", s.bootstrap)
		api.GET("/version", s.versionInfo)

		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.showTask)
		api.GET("/tasks/:id/stats", s.taskStats)
		api.GET("/tasks/:id/diff", s.taskDiff)
		api.GET("/tasks/:id/file", s.taskFile)
		api.POST("/tasks/:id/reviewer-edits", s.reviewerEdits)
		api.POST("/tasks/:id/approve", s.approveTask)
		api.POST("/tasks/:id/reject", s.rejectTask)
		api.POST("/tasks/:id/retry", s.retryMerge)

		api.GET("/teams/:team/messages", s.listMessages)
		api.POST("/messages", s.postMessage)
		api.POST("/teams/:team/greet", s.greet)

		api.GET("/files/complete", s.completeFiles)
		api.GET("/files/list", s.listFiles)

		api.GET("/stream", s.stream)
	}

	// Legacy flat paths kept for older clients.
	s.router.GET("/teams/:team/messages", s.listMessages)
	s.router.POST("/messages", s.postMessage)
	s.router.POST("/teams/:team/greet", s.greet)
	s.router.GET("/stream", s.stream)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info(log.CatHTTP, "http listening", "addr", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(log.CatHTTP, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ms", time.Since(start).Milliseconds())
	}
}

// fail maps the error taxonomy onto HTTP status codes and writes the
// stable code alongside the message.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := errs.CodeOf(err)
	if kind, ok := errs.KindOf(err); ok {
		switch kind {
		case errs.KindUser:
			status = http.StatusBadRequest
			switch code {
			case errs.CodeTaskNotFound, errs.CodeTeamNotFound, errs.CodeAgentNotFound, errs.CodeRepoNotFound:
				status = http.StatusNotFound
			case errs.CodeStaleSHA:
				status = http.StatusConflict
			}
		case errs.KindSandbox:
			status = http.StatusForbidden
		case errs.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
