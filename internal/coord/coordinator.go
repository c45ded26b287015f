// Package coord binds the scheduler, board, workspaces and pipeline runner
// together: it claims scheduled tasks, runs their pipelines concurrently,
// and feeds completion results back into scheduling state.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/ringmaster/internal/agent"
	"github.com/msageha/ringmaster/internal/board"
	"github.com/msageha/ringmaster/internal/events"
	"github.com/msageha/ringmaster/internal/model"
	"github.com/msageha/ringmaster/internal/pipeline"
	"github.com/msageha/ringmaster/internal/sched"
	"github.com/msageha/ringmaster/internal/workspace"
)

// LogLevel controls coordinator logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Coordinator drives the tick loop output: claim on the board, bind a
// workspace, run the pipeline, report back. Total concurrent runs are
// bounded at MaxWorkers + PriorityLimit by a weighted semaphore.
type Coordinator struct {
	baseDir string
	owner   string
	cfg     model.Config

	store    *board.Store
	state    *sched.State
	loader   *pipeline.Loader
	runner   *pipeline.Runner
	recorder *FileRecorder
	wsMgr    *workspace.Manager
	bus      *events.Bus

	sem      *semaphore.Weighted
	staleSec int

	logger   *log.Logger
	logLevel LogLevel

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Coordinator. The owner identity stamped on leases is
// host:pid, so stale claims can be traced back to the process that held
// them.
func New(baseDir string, cfg model.Config, executor agent.Executor, logger *log.Logger, logLevel LogLevel) *Coordinator {
	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s:%d", hostname, os.Getpid())

	staleSec := cfg.Board.StaleThresholdSec
	if staleSec <= 0 {
		staleSec = model.DefaultStaleThresholdSec
	}
	wsRoot := cfg.Workspace.Root
	if wsRoot == "" {
		wsRoot = filepath.Join(baseDir, "workspaces")
	}
	// Pipeline definitions resolve relative to the state directory.
	if cfg.Pipeline.Dir != "" && !filepath.IsAbs(cfg.Pipeline.Dir) {
		cfg.Pipeline.Dir = filepath.Join(baseDir, cfg.Pipeline.Dir)
	}

	runner := pipeline.NewRunner(executor, cfg.Pipeline, logger, pipeline.LogLevel(logLevel))
	runner.SetStateDir(baseDir)
	runner.SetConditions(EvaluateCondition)
	recorder := NewFileRecorder(baseDir)
	runner.SetRecorder(recorder)

	total := int64(cfg.Scheduler.MaxWorkersOrDefault() + cfg.Scheduler.PriorityLimitOrDefault())

	return &Coordinator{
		baseDir:  baseDir,
		owner:    owner,
		cfg:      cfg,
		store:    board.NewStore(baseDir, cfg.Board, logger, board.LogLevel(logLevel)),
		state:    sched.NewState(cfg.Scheduler),
		loader:   pipeline.NewLoader(cfg.Pipeline),
		runner:   runner,
		recorder: recorder,
		wsMgr:    workspace.NewManager(wsRoot),
		sem:      semaphore.NewWeighted(total),
		staleSec: staleSec,
		logger:   logger,
		logLevel: logLevel,
		active:   make(map[string]context.CancelFunc),
	}
}

// SetEventBus wires the bus into the coordinator and its components.
func (c *Coordinator) SetEventBus(bus *events.Bus) {
	c.bus = bus
	c.store.SetEventBus(bus)
	c.runner.SetEventBus(bus)
}

// Store exposes the board store for CLI and control-socket handlers.
func (c *Coordinator) Store() *board.Store {
	return c.store
}

// Recorder exposes the step record store.
func (c *Coordinator) Recorder() *FileRecorder {
	return c.recorder
}

// Snapshot returns current scheduler state for status reporting.
func (c *Coordinator) Snapshot() sched.Snapshot {
	return c.state.Snapshot()
}

// Owner returns this coordinator's lease identity.
func (c *Coordinator) Owner() string {
	return c.owner
}

// RunTick performs one scheduling cycle: recover orphans, reconcile claims
// this process no longer backs with a live run, then ask the scheduler for
// at most one main-pool spawn and act on it.
func (c *Coordinator) RunTick(ctx context.Context) error {
	if recovered, err := c.store.RecoverStale(time.Duration(c.staleSec) * time.Second); err != nil {
		c.log(LogLevelWarn, "orphan recovery error=%v", err)
	} else if recovered > 0 {
		c.log(LogLevelInfo, "orphan recovery recovered=%d", recovered)
	}

	if err := c.reconcile(); err != nil {
		c.log(LogLevelWarn, "reconcile error=%v", err)
	}

	tasks, err := c.store.Tasks()
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}

	decision := c.state.Tick(tasks)
	if decision == nil {
		return nil
	}

	if err := c.store.Claim(decision.TaskID, c.owner); err != nil {
		// Another coordinator won the claim; give back the slot and let the
		// next tick re-rank.
		c.state.Rollback(decision.TaskID)
		if errors.Is(err, board.ErrAlreadyClaimed) {
			c.log(LogLevelDebug, "claim lost id=%s", decision.TaskID)
			return nil
		}
		return fmt.Errorf("claim %s: %w", decision.TaskID, err)
	}

	task := findByID(tasks, decision.TaskID)
	c.startRun(ctx, task, decision.Pool)
	return nil
}

// Promote moves a failed task into the fix pool. The trigger is external
// (operator or control socket); only the capacity gate lives here.
func (c *Coordinator) Promote(ctx context.Context, taskID string) error {
	tasks, err := c.store.Tasks()
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	task := findByID(tasks, taskID)
	if task.ID == "" {
		return fmt.Errorf("promote %s: %w", taskID, board.ErrTaskNotFound)
	}
	if task.Status != model.StatusFailed {
		return fmt.Errorf("promote %s: task is %s, not failed", taskID, task.Status)
	}
	if !c.state.Promote(task) {
		return fmt.Errorf("promote %s: fix pool at capacity", taskID)
	}
	if err := c.store.Claim(taskID, c.owner); err != nil {
		c.state.Rollback(taskID)
		return fmt.Errorf("promote %s: %w", taskID, err)
	}

	c.publish(events.EventFixPromoted, taskID, nil)
	c.startRun(ctx, task, sched.PoolFix)
	return nil
}

// reconcile releases spawned tasks this process owns on the board but has no
// live run for. This covers crash-restart: the previous incarnation's claims
// carry the same host in the owner stamp but a dead pid.
func (c *Coordinator) reconcile() error {
	tasks, err := c.store.Tasks()
	if err != nil {
		return err
	}

	c.mu.Lock()
	activeIDs := make(map[string]bool, len(c.active))
	for id := range c.active {
		activeIDs[id] = true
	}
	c.mu.Unlock()

	for _, t := range tasks {
		if t.Status != model.StatusSpawned || t.LeaseOwner == nil {
			continue
		}
		if *t.LeaseOwner != c.owner || activeIDs[t.ID] {
			continue
		}
		c.log(LogLevelWarn, "reconcile releasing id=%s owner=%s", t.ID, *t.LeaseOwner)
		if err := c.store.Release(t.ID); err != nil {
			c.log(LogLevelWarn, "reconcile release failed id=%s error=%v", t.ID, err)
		}
		c.state.Rollback(t.ID)
	}
	return nil
}

func (c *Coordinator) startRun(ctx context.Context, task model.Task, pool sched.Pool) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.active[task.ID] = cancel
	c.mu.Unlock()

	c.publish(events.EventTaskSpawned, task.ID, map[string]interface{}{
		"pool": pool.String(),
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.active, task.ID)
			c.mu.Unlock()
		}()
		c.runTask(runCtx, task, pool)
	}()
}

func (c *Coordinator) runTask(ctx context.Context, task model.Task, pool sched.Pool) {
	started := time.Now()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.finishRun(task.ID, pool, false, "run cancelled before start", time.Since(started))
		return
	}
	defer c.sem.Release(1)

	stopHeartbeat := c.heartbeatLoop(ctx, task.ID)
	defer stopHeartbeat()

	def, err := c.loader.ResolveFor(task)
	if err != nil {
		c.finishRun(task.ID, pool, false, fmt.Sprintf("pipeline resolution: %v", err), time.Since(started))
		return
	}

	ws, err := c.wsMgr.Bind(task.ID)
	if err != nil {
		c.finishRun(task.ID, pool, false, fmt.Sprintf("workspace bind: %v", err), time.Since(started))
		return
	}

	rc, err := pipeline.LoadCheckpoint(c.baseDir, task.ID)
	if err != nil {
		c.log(LogLevelWarn, "checkpoint load failed id=%s error=%v", task.ID, err)
		rc = nil
	}
	if rc == nil {
		runID, err := model.GenerateID(model.IDTypeRun)
		if err != nil {
			c.finishRun(task.ID, pool, false, fmt.Sprintf("generate run id: %v", err), time.Since(started))
			return
		}
		rc = pipeline.NewRunContext(runID, task.ID)
	} else {
		c.log(LogLevelInfo, "resuming run id=%s run_id=%s step_index=%d", task.ID, rc.RunID, rc.StepIndex)
	}

	outcome, err := c.runner.Run(ctx, task, def, ws, rc)
	duration := time.Since(started)

	if err != nil && outcome.Status == model.RunStatusRunning {
		// Cancelled mid-run: the checkpoint survives, the claim is released
		// so another tick can resume.
		c.log(LogLevelInfo, "run interrupted id=%s error=%v", task.ID, err)
		if rerr := c.store.Release(task.ID); rerr != nil {
			c.log(LogLevelWarn, "release after interrupt failed id=%s error=%v", task.ID, rerr)
		}
		c.state.Rollback(task.ID)
		return
	}

	if outcome.Merged {
		c.finishRun(task.ID, pool, true, "", duration)
		if err := c.wsMgr.Release(ws); err != nil {
			c.log(LogLevelWarn, "workspace release failed id=%s error=%v", task.ID, err)
		}
		return
	}

	reason := fmt.Sprintf("halted at step %s with result %s", outcome.HaltStep, outcome.HaltResult)
	if outcome.Status == model.RunStatusAborted {
		reason = fmt.Sprintf("aborted at step %s", outcome.HaltStep)
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
	}
	// Failed workspaces stay on disk for fix-pool runs and inspection.
	c.finishRun(task.ID, pool, false, reason, duration)
}

func (c *Coordinator) finishRun(taskID string, pool sched.Pool, success bool, reason string, duration time.Duration) {
	c.state.OnRunComplete(taskID, pool, success, duration)

	if success {
		if err := c.store.SetStatus(taskID, model.StatusMerged, ""); err != nil {
			c.log(LogLevelError, "status update failed id=%s error=%v", taskID, err)
		}
		c.publish(events.EventTaskMerged, taskID, map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"pool":        pool.String(),
		})
		c.log(LogLevelInfo, "task merged id=%s pool=%s duration=%s", taskID, pool, duration.Round(time.Millisecond))
		return
	}

	if err := c.store.SetStatus(taskID, model.StatusFailed, reason); err != nil {
		c.log(LogLevelError, "status update failed id=%s error=%v", taskID, err)
	}
	c.publish(events.EventTaskFailed, taskID, map[string]interface{}{
		"reason":      reason,
		"pool":        pool.String(),
		"duration_ms": duration.Milliseconds(),
	})
	c.log(LogLevelInfo, "task failed id=%s pool=%s reason=%q", taskID, pool, reason)
}

// heartbeatLoop refreshes the task's lease at a third of the lease interval.
// Losing the lease cancels the run: another coordinator owns the task now.
func (c *Coordinator) heartbeatLoop(ctx context.Context, taskID string) func() {
	leaseSec := c.cfg.Board.LeaseSec
	if leaseSec <= 0 {
		leaseSec = model.DefaultLeaseSec
	}
	interval := time.Duration(leaseSec) * time.Second / 3

	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.store.Heartbeat(taskID, c.owner); err != nil {
					c.log(LogLevelWarn, "heartbeat failed id=%s error=%v", taskID, err)
					if errors.Is(err, board.ErrNotOwner) {
						c.cancelRun(taskID)
						return
					}
				}
			}
		}
	}()
	return cancel
}

func (c *Coordinator) cancelRun(taskID string) {
	c.mu.Lock()
	cancel := c.active[taskID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ActiveRuns returns the IDs of tasks with in-process runs.
func (c *Coordinator) ActiveRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels nothing itself (the caller cancels the tick context) but
// waits for in-flight runs to settle, up to timeout.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.log(LogLevelWarn, "shutdown timeout with runs still active")
	}
}

// EvaluateCondition resolves enabled_by names against task attributes.
// Unknown condition names disable the step rather than guessing.
func EvaluateCondition(task model.Task, condition string) bool {
	switch condition {
	case "has_plan":
		return task.HasPlan
	case "has_files":
		return len(task.Files) > 0
	case "has_deps":
		return len(task.DependsOn) > 0
	case "in_group":
		return task.Group != ""
	default:
		return false
	}
}

func (c *Coordinator) publish(eventType events.EventType, taskID string, extra map[string]interface{}) {
	if c.bus == nil {
		return
	}
	data := map[string]interface{}{"task_id": taskID}
	for k, v := range extra {
		data[k] = v
	}
	c.bus.Publish(eventType, data)
}

func findByID(tasks []model.Task, id string) model.Task {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return model.Task{}
}

func (c *Coordinator) log(level LogLevel, format string, args ...interface{}) {
	if c.logger == nil || level < c.logLevel {
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
	c.logger.Printf("%s %s coord: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
