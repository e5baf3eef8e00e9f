// Package daemon assembles and runs the delegate daemon: the singleton
// lock, persistence, event bus, sandbox registry, workflow engine,
// merge worker, scheduler, and HTTP surface, wired together and torn
// down in order on shutdown.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/zjrosen/delegate/internal/config"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/merge"
	"github.com/zjrosen/delegate/internal/modelsession"
	"github.com/zjrosen/delegate/internal/sandbox"
	"github.com/zjrosen/delegate/internal/scheduler"
	"github.com/zjrosen/delegate/internal/server"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/team"
	"github.com/zjrosen/delegate/internal/toolserver"
	"github.com/zjrosen/delegate/internal/tracing"
	"github.com/zjrosen/delegate/internal/workflow"
	"github.com/zjrosen/delegate/internal/worktree"
)

// shutdownGrace bounds the HTTP drain on exit.
const shutdownGrace = 5 * time.Second

// Daemon is the long-running process behind `delegate start`.
type Daemon struct {
	cfg     *config.Config
	h       *home.Home
	version string
}

// New creates a daemon. Call Run to start it.
func New(cfg *config.Config, h *home.Home, version string) *Daemon {
	return &Daemon{cfg: cfg, h: h, version: version}
}

// allowlistHolder hands the scheduler the current egress allowlist
// without a lock dependency on the fsnotify watcher goroutine.
type allowlistHolder struct {
	mu      sync.RWMutex
	domains []string
}

func (a *allowlistHolder) set(domains []string) {
	a.mu.Lock()
	a.domains = append([]string(nil), domains...)
	a.mu.Unlock()
}

func (a *allowlistHolder) get() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.domains...)
}

// cancelProxy breaks the toolserver/scheduler construction cycle: the
// tool server needs a TurnCanceller before the scheduler exists.
type cancelProxy struct {
	mu    sync.RWMutex
	sched *scheduler.Scheduler
}

func (p *cancelProxy) CancelTurn(teamID, agent string) {
	p.mu.RLock()
	s := p.sched
	p.mu.RUnlock()
	if s != nil {
		s.CancelTurn(teamID, agent)
	}
}

// Run starts every component and blocks until SIGINT/SIGTERM or a fatal
// listener failure. All cleanup happens here, in reverse start order.
func (d *Daemon) Run(ctx context.Context) error {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return errs.User(errs.CodeBadRequest,
			"ANTHROPIC_API_KEY is not set; agent sessions cannot be created")
	}
	if err := d.h.EnsureLayout(); err != nil {
		return err
	}

	// The flock is the singleton guard; the pidfile only serves
	// status/stop. A stale pidfile never blocks startup because a dead
	// holder releases its lock.
	lock := flock.New(d.h.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		if pid, perr := readPIDFile(d.h.PIDFile()); perr == nil && processAlive(pid) {
			return errs.User(errs.CodeDaemonRunning, "daemon already running (pid %d)", pid)
		}
		return errs.User(errs.CodeDaemonRunning, "daemon already running")
	}
	defer func() { _ = lock.Unlock() }()

	if err := writePIDFile(d.h.PIDFile()); err != nil {
		return err
	}
	defer os.Remove(d.h.PIDFile())

	closeLog, err := log.Init(d.h.LogFile())
	if err != nil {
		return err
	}
	defer closeLog()
	log.SetMinLevel(parseLevel(d.cfg.LogLevel))
	log.Info(log.CatDaemon, "daemon starting",
		"version", d.version, "home", d.h.Root, "addr", d.cfg.ListenAddr)

	tracer, err := tracing.NewProvider(d.cfg.TracingTarget)
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = tracer.Shutdown(shCtx)
	}()

	store, err := sqlite.Open(d.h.DBFile(), d.h.BackupsDir())
	if err != nil {
		return err
	}
	defer store.Close()

	bus := event.NewBus(store.Events)
	defer bus.Close()

	domains, err := sandbox.LoadAllowlist(d.h.NetworkFile())
	if err != nil {
		return err
	}
	allowlist := &allowlistHolder{}
	allowlist.set(domains)

	sandboxes := sandbox.NewRegistry(d.h)
	sandboxes.SetAllowlist(domains)

	registry := workflow.NewRegistry()
	if err := registry.Register(workflow.Default()); err != nil {
		return err
	}

	g := git.NewRealExecutor()
	worktrees := worktree.NewManager(d.h, g, store, sandboxes)

	fx := &effects{cfg: d.cfg, store: store, worktrees: worktrees}
	engine := workflow.NewEngine(store, bus, registry, fx)
	merges := merge.NewWorker(store, g, worktrees, engine, d.cfg.Merge.PreMergeTimeout)
	fx.merges = merges

	factory := func(model, system string, dispatcher modelsession.ToolDispatcher, cfg *sandbox.Config) (modelsession.Session, error) {
		return modelsession.NewAnthropicSession(model, system, dispatcher, cfg)
	}
	sessions := modelsession.NewManager(factory, d.cfg.Sessions.ContextWatermark)
	defer sessions.Close()

	// An allowlist edit propagates to new sandbox configs and rotates
	// every live session so running agents pick up the change.
	stopWatch, err := sandbox.WatchAllowlist(d.h.NetworkFile(), func(domains []string) {
		allowlist.set(domains)
		sandboxes.SetAllowlist(domains)
		sessions.RotateAll(context.Background())
	})
	if err != nil {
		return err
	}
	defer stopWatch()

	canceller := &cancelProxy{}
	tools := toolserver.NewServer(d.h, store, bus, engine, sandboxes, canceller)
	sched := scheduler.New(d.cfg, store, bus, engine, sessions, sandboxes, tools, allowlist.get)
	canceller.mu.Lock()
	canceller.sched = sched
	canceller.mu.Unlock()

	teams := team.NewService(d.h, store, bus, g, sessions, sandboxes)
	srv := server.New(d.cfg, d.h, store, bus, teams, engine, merges, worktrees, g, d.version)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.SafeGo("merge.worker", func() { merges.Run(runCtx) })
	log.SafeGo("scheduler", func() { sched.Run(runCtx) })

	serveErr := make(chan error, 1)
	log.SafeGo("http.server", func() { serveErr <- srv.Start() })

	select {
	case <-runCtx.Done():
		log.Info(log.CatDaemon, "shutdown requested")
	case err := <-serveErr:
		if err != nil {
			log.ErrorErr(log.CatDaemon, "http server failed", err)
			return err
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "http shutdown failed", err)
	}
	log.Info(log.CatDaemon, "daemon stopped")
	return nil
}

// parseLevel maps the config string onto a log level, defaulting to
// info on unknown input.
func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
