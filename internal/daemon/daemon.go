// Package daemon runs the long-lived coordinator process: the scheduling
// tick loop, board file watching, the control socket, and graceful shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/ringmaster/internal/agent"
	"github.com/msageha/ringmaster/internal/board"
	"github.com/msageha/ringmaster/internal/coord"
	"github.com/msageha/ringmaster/internal/events"
	"github.com/msageha/ringmaster/internal/lock"
	"github.com/msageha/ringmaster/internal/model"
	"github.com/msageha/ringmaster/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Version is stamped at build time.
var Version = "dev"

// Daemon is the ringmaster coordinator process.
type Daemon struct {
	baseDir  string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	coordinator *coord.Coordinator
	bus         *events.Bus
	audit       *events.AuditLogger
	detachAudit func()

	// tickCh coalesces board-change notifications into tick requests.
	tickCh   chan struct{}
	debounce time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon rooted at baseDir, logging to logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(baseDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)
	logLevel := parseLogLevel(cfg.Logging.Level)

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 10
	}
	debounceSec := cfg.Daemon.DebounceSec
	if debounceSec <= 0 {
		debounceSec = 1.0
	}

	agentCmd := cfg.Agent.Command
	if agentCmd == "" {
		agentCmd = model.DefaultAgentCommand
	}
	executor := agent.NewSubprocessExecutor(agentCmd, cfg.Agent.Args, logger, agent.LogLevel(logLevel))

	d := &Daemon{
		baseDir:     baseDir,
		config:      cfg,
		logLevel:    logLevel,
		logger:      logger,
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(baseDir, "locks", "daemon.lock")),
		server:      uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName), logger),
		ticker:      time.NewTicker(time.Duration(scanInterval) * time.Second),
		coordinator: coord.New(baseDir, cfg, executor, logger, coord.LogLevel(logLevel)),
		tickCh:      make(chan struct{}, 1),
		debounce:    time.Duration(debounceSec * float64(time.Second)),
		ctx:         ctx,
		cancel:      cancel,
	}
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.baseDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d version=%s", os.Getpid(), Version)

	bus := events.NewBus(0)
	d.bus = bus
	d.coordinator.SetEventBus(bus)

	audit, err := events.NewAuditLogger(filepath.Join(d.baseDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.log(LogLevelWarn, "audit log unavailable error=%v", err)
	} else {
		d.audit = audit
		d.detachAudit = audit.AttachTo(bus)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	if err := os.MkdirAll(d.baseDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure base dir: %w", err)
	}
	if err := watcher.Add(d.baseDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.baseDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log(LogLevelInfo, "control socket listening on %s", filepath.Join(d.baseDir, uds.DefaultSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickLoop()

	d.requestTick()
	d.log(LogLevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandVersion, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(uds.VersionData{
			Version:  Version,
			Owner:    d.coordinator.Owner(),
			Protocol: uds.ProtocolVersion,
		})
	})

	d.server.Handle(uds.CommandScan, func(req *uds.Request) *uds.Response {
		d.requestTick()
		return uds.SuccessResponse(map[string]string{"status": "scan_requested"})
	})

	d.server.Handle(uds.CommandStatus, d.handleStatus)
	d.server.Handle(uds.CommandPromote, d.handlePromote)
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	tasks, err := d.coordinator.Store().Tasks()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}

	snap := d.coordinator.Snapshot()
	return uds.SuccessResponse(uds.StatusData{
		Scheduler: uds.SchedulerStatus{
			MainActive: snap.MainActive,
			FixActive:  snap.FixActive,
			Cooldowns:  snap.Cooldowns,
			RunCount:   snap.RunCount,
			FailCount:  snap.FailCount,
			AvgRunMs:   snap.AvgRunMs,
		},
		TaskCounts: counts,
		ActiveRuns: d.coordinator.ActiveRuns(),
		Owner:      d.coordinator.Owner(),
	})
}

func (d *Daemon) handlePromote(req *uds.Request) *uds.Response {
	var params uds.PromoteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_id is required")
	}

	if err := d.coordinator.Promote(d.ctx, params.TaskID); err != nil {
		switch {
		case strings.Contains(err.Error(), "capacity"):
			return uds.ErrorResponse(uds.ErrCodeCapacity, err.Error())
		case strings.Contains(err.Error(), board.ErrTaskNotFound.Error()):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	return uds.SuccessResponse(map[string]string{"status": "promoted", "task_id": params.TaskID})
}

// fsnotifyLoop converts board file writes into debounced tick requests.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	var timer *time.Timer
	for {
		select {
		case <-d.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != board.BoardFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(d.debounce, d.requestTick)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickLoop serializes all scheduling ticks: periodic, watcher-triggered, and
// control-socket-triggered requests all funnel through here.
func (d *Daemon) tickLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.runTick()
		case <-d.tickCh:
			d.runTick()
		}
	}
}

func (d *Daemon) runTick() {
	if err := d.coordinator.RunTick(d.ctx); err != nil {
		d.log(LogLevelError, "tick error=%v", err)
	}
}

// requestTick schedules a tick without blocking; a pending request already
// covers any number of additional triggers.
func (d *Daemon) requestTick() {
	select {
	case d.tickCh <- struct{}{}:
	default:
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			d.coordinator.Shutdown(time.Duration(timeout) * time.Second)
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.detachAudit != nil {
		d.detachAudit()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	os.Remove(filepath.Join(d.baseDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
