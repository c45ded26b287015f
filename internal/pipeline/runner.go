package pipeline

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/msageha/ringmaster/internal/agent"
	"github.com/msageha/ringmaster/internal/events"
	"github.com/msageha/ringmaster/internal/model"
)

// Workspace is the runner's view of a task workspace. Exists is checked
// before every step: a workspace that disappears mid-run aborts the run.
type Workspace interface {
	Root() string
	Exists() bool
	Commit(message string) error
}

// Recorder persists one step execution record. The runner records every
// dispatch, including fix-agent dispatches and errored ones.
type Recorder interface {
	Record(rec model.StepRecord) error
}

// ConditionFunc evaluates an enabled_by expression for a task. A nil
// ConditionFunc enables every step.
type ConditionFunc func(task model.Task, condition string) bool

// Outcome summarizes a finished run for the coordinator.
type Outcome struct {
	Status model.RunStatus
	// Merged is true when the run walked off the end of the table without a
	// blocking halt.
	Merged bool
	// HaltStep and HaltResult identify where a non-merged run stopped.
	HaltStep   string
	HaltResult model.GateResult
}

// LogLevel controls runner logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Runner executes one pipeline definition against one task workspace. It owns
// control flow only: agents produce results, the runner interprets them.
type Runner struct {
	executor   agent.Executor
	recorder   Recorder
	eventBus   *events.Bus
	conditions ConditionFunc
	logger     *log.Logger
	logLevel   LogLevel

	// stateDir is the base directory for run checkpoints. Empty disables
	// checkpointing.
	stateDir string

	repeatThreshold  int
	defaultMaxVisits int
}

// NewRunner creates a Runner. recorder and eventBus may be nil; checkpointing
// is enabled by SetStateDir.
func NewRunner(executor agent.Executor, cfg model.PipelineConfig, logger *log.Logger, logLevel LogLevel) *Runner {
	threshold := cfg.RepeatThreshold
	if threshold <= 0 {
		threshold = model.DefaultRepeatThreshold
	}
	return &Runner{
		executor:         executor,
		logger:           logger,
		logLevel:         logLevel,
		repeatThreshold:  threshold,
		defaultMaxVisits: cfg.MaxVisits,
	}
}

// SetRecorder sets the step record sink.
func (r *Runner) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// SetEventBus sets the bus for step lifecycle events.
func (r *Runner) SetEventBus(bus *events.Bus) {
	r.eventBus = bus
}

// SetConditions sets the enabled_by evaluator.
func (r *Runner) SetConditions(fn ConditionFunc) {
	r.conditions = fn
}

// SetStateDir enables run checkpointing under dir.
func (r *Runner) SetStateDir(dir string) {
	r.stateDir = dir
}

// Run drives rc through def until the run merges, halts on a blocking
// result, or aborts. rc may be a fresh context or a restored checkpoint; the
// step pointer in rc decides where execution resumes.
func (r *Runner) Run(ctx context.Context, task model.Task, def *Definition, ws Workspace, rc *RunContext) (Outcome, error) {
	if len(def.Steps) == 0 {
		return Outcome{Status: model.RunStatusAborted}, fmt.Errorf("pipeline %q has no steps", def.Name)
	}
	if rc.StepIndex < 0 || rc.StepIndex >= len(def.Steps) {
		rc.StepIndex = 0
	}

	for {
		if err := ctx.Err(); err != nil {
			// Cancellation keeps the checkpoint so the run can resume.
			return Outcome{Status: model.RunStatusRunning}, err
		}

		step := def.Steps[rc.StepIndex]

		if !ws.Exists() {
			r.log(LogLevelError, "workspace lost task=%s step=%s dir=%s", task.ID, step.ID, ws.Root())
			return r.finish(rc, Outcome{
				Status:     model.RunStatusAborted,
				HaltStep:   step.ID,
				HaltResult: rc.LastResult(step.ID),
			}), fmt.Errorf("workspace for task %s no longer exists", task.ID)
		}

		// Visit cap is enforced before dispatch and before the breaker: a
		// capped step never runs its agent again, it jumps.
		if limit := r.visitLimit(step); limit > 0 && rc.Visits[step.ID] >= limit {
			r.log(LogLevelWarn, "visit cap reached task=%s step=%s visits=%d on_max=%s",
				task.ID, step.ID, rc.Visits[step.ID], step.OnMax)
			next, done, abort := ResolveJump(step.OnMax, rc.StepIndex, len(def.Steps))
			if abort || (next == rc.StepIndex && !done) {
				// on_max=self cannot make progress either; treat it as abort.
				return r.finish(rc, Outcome{
					Status:     model.RunStatusAborted,
					HaltStep:   step.ID,
					HaltResult: rc.LastResult(step.ID),
				}), nil
			}
			if done {
				return r.finish(rc, Outcome{Status: model.RunStatusCompleted, Merged: true}), nil
			}
			rc.StepIndex = next
			r.checkpoint(rc)
			continue
		}

		if step.EnabledBy != "" && r.conditions != nil && !r.conditions(task, step.EnabledBy) {
			r.log(LogLevelDebug, "step disabled task=%s step=%s condition=%s", task.ID, step.ID, step.EnabledBy)
			if out, done := r.skipStep(rc, def, step); done {
				return out, nil
			}
			continue
		}

		if step.DependsOn != "" {
			dep := rc.LastResult(step.DependsOn)
			if dep == model.GateFail || dep == model.GateUnknown {
				r.log(LogLevelInfo, "step skipped task=%s step=%s depends_on=%s result=%s",
					task.ID, step.ID, step.DependsOn, dep)
				if out, done := r.skipStep(rc, def, step); done {
					return out, nil
				}
				continue
			}
		}

		rc.Visits[step.ID]++
		r.runHooks(ws, task, step, step.Hooks.Pre)

		r.publish(events.EventStepStarted, task.ID, step.ID, rc.RunID, map[string]interface{}{
			"agent": step.Agent,
			"visit": rc.Visits[step.ID],
		})

		result := r.dispatch(ctx, task, step, step.Agent, ws, step.Readonly, rc.Visits[step.ID])
		gate := result.Gate

		count := rc.NoteRepeat(step.ID, gate)
		if count >= r.repeatThreshold {
			return r.breakerHalt(task, step, rc, gate, count), nil
		}

		if gate == model.GateFix && step.HasFix() {
			var tripped bool
			gate, tripped = r.runFixLoop(ctx, task, step, ws, rc)
			if err := ctx.Err(); err != nil {
				// Cancelled inside the fix loop: same resumable path as
				// cancellation between steps, the checkpoint survives.
				return Outcome{Status: model.RunStatusRunning}, err
			}
			if tripped {
				return r.breakerHalt(task, step, rc, gate, r.repeatThreshold), nil
			}
		}

		rc.Results[step.ID] = gate
		r.runHooks(ws, task, step, step.Hooks.Post)
		r.publish(events.EventStepFinished, task.ID, step.ID, rc.RunID, map[string]interface{}{
			"result": gate.String(),
		})

		switch gate {
		case model.GatePass:
			r.commitIfConfigured(ws, task, step)
			if out, done := r.advance(rc, def); done {
				return out, nil
			}
		case model.GateSkip:
			if out, done := r.advance(rc, def); done {
				return out, nil
			}
		case model.GateFail, model.GateStop, model.GateUnknown:
			// UNKNOWN halts like FAIL on a blocking step; agents that never
			// produce a well-formed token should not silently pass.
			if step.Blocking {
				r.log(LogLevelInfo, "run halted task=%s step=%s result=%s", task.ID, step.ID, gate)
				return r.finish(rc, Outcome{
					Status:     model.RunStatusCompleted,
					HaltStep:   step.ID,
					HaltResult: gate,
				}), nil
			}
			if out, done := r.advance(rc, def); done {
				return out, nil
			}
		case model.GateFix:
			// No inline fix agent (or its budget ran out): back up one step so
			// the prior producer can rework its output.
			next, _, _ := ResolveJump(JumpPrev, rc.StepIndex, len(def.Steps))
			rc.StepIndex = next
			r.checkpoint(rc)
		}
	}
}

// breakerHalt converts runaway repetition into a hard run failure. The halt
// applies regardless of the step's blocking flag: a non-terminating step is a
// run-level defect, not a step-level one.
func (r *Runner) breakerHalt(task model.Task, step Step, rc *RunContext, observed model.GateResult, count int) Outcome {
	r.log(LogLevelWarn, "breaker tripped task=%s step=%s result=%s count=%d",
		task.ID, step.ID, observed, count)
	r.publish(events.EventBreakerTripped, task.ID, step.ID, rc.RunID, map[string]interface{}{
		"result": observed.String(),
		"count":  count,
	})
	rc.Results[step.ID] = model.GateFail
	r.publish(events.EventStepFinished, task.ID, step.ID, rc.RunID, map[string]interface{}{
		"result": model.GateFail.String(),
	})
	return r.finish(rc, Outcome{
		Status:     model.RunStatusCompleted,
		HaltStep:   step.ID,
		HaltResult: model.GateFail,
	})
}

// runFixLoop executes the inline fix sub-protocol: alternate fix agent and
// original agent until the original stops reporting FIX or the attempt budget
// runs out. With the budget exhausted the fix agent's own last result is
// adopted without re-verification. The second return value reports a breaker
// trip observed during re-verification.
func (r *Runner) runFixLoop(ctx context.Context, task model.Task, step Step, ws Workspace, rc *RunContext) (model.GateResult, bool) {
	remaining := step.Fix.MaxAttempts
	for {
		if ctx.Err() != nil {
			// The caller re-checks ctx and turns this into a resumable halt.
			return model.GateUnknown, false
		}
		remaining--
		rc.FixRuns[step.ID]++

		// Fix agents always get write access regardless of the step's
		// readonly flag.
		fixResult := r.dispatch(ctx, task, step, step.Fix.Agent, ws, false, rc.FixRuns[step.ID])
		if step.FixCommitAfter() {
			r.commit(ws, task, fmt.Sprintf("fix %s", step.ID))
		}
		// The fix changed the workspace, so prior repetition at this step no
		// longer predicts the next result.
		rc.ResetRepeat(step.ID)

		if remaining <= 0 {
			r.log(LogLevelInfo, "fix budget exhausted task=%s step=%s result=%s",
				task.ID, step.ID, fixResult.Gate)
			return fixResult.Gate, false
		}

		rc.Visits[step.ID]++
		result := r.dispatch(ctx, task, step, step.Agent, ws, step.Readonly, rc.Visits[step.ID])
		gate := result.Gate

		count := rc.NoteRepeat(step.ID, gate)
		if count >= r.repeatThreshold {
			return gate, true
		}
		if gate != model.GateFix {
			return gate, false
		}
	}
}

// dispatch runs one agent and persists the step record. An executor error is
// recorded and degraded to UNKNOWN so the run's own control flow (repeat
// breaker, visit caps) decides what happens next.
func (r *Runner) dispatch(ctx context.Context, task model.Task, step Step, agentRef string, ws Workspace, readonly bool, attempt int) agent.Result {
	started := time.Now()
	result, err := r.executor.Dispatch(ctx, agent.Request{
		Agent:        agentRef,
		TaskID:       task.ID,
		StepID:       step.ID,
		WorkspaceDir: ws.Root(),
		Readonly:     readonly,
		Attempt:      attempt,
	})
	status := model.StepCompleted
	if err != nil {
		r.log(LogLevelError, "dispatch error task=%s step=%s agent=%s error=%v", task.ID, step.ID, agentRef, err)
		status = model.StepErrored
		result.Gate = model.GateUnknown
	}

	r.record(model.StepRecord{
		TaskID:     task.ID,
		StepID:     step.ID,
		Agent:      agentRef,
		Status:     status,
		ExitCode:   result.ExitCode,
		StartedAt:  started.UTC().Format(time.RFC3339),
		DurationMs: time.Since(started).Milliseconds(),
		Outputs: model.RecordOutputs{
			GateResult: result.Gate.String(),
			Report:     result.Report,
		},
	})
	return result
}

func (r *Runner) record(rec model.StepRecord) {
	if r.recorder == nil {
		return
	}
	id, err := model.GenerateID(model.IDTypeRecord)
	if err == nil {
		rec.ID = id
	}
	if err := r.recorder.Record(rec); err != nil {
		r.log(LogLevelError, "record step failed task=%s step=%s error=%v", rec.TaskID, rec.StepID, err)
	}
}

// skipStep marks a step SKIP without dispatching and advances.
func (r *Runner) skipStep(rc *RunContext, def *Definition, step Step) (Outcome, bool) {
	rc.Results[step.ID] = model.GateSkip
	return r.advance(rc, def)
}

// advance moves the step pointer forward, finishing the run at the end of
// the table.
func (r *Runner) advance(rc *RunContext, def *Definition) (Outcome, bool) {
	next, done, _ := ResolveJump(JumpNext, rc.StepIndex, len(def.Steps))
	if done {
		return r.finish(rc, Outcome{Status: model.RunStatusCompleted, Merged: true}), true
	}
	rc.StepIndex = next
	r.checkpoint(rc)
	return Outcome{}, false
}

func (r *Runner) finish(rc *RunContext, out Outcome) Outcome {
	rc.Status = out.Status
	if r.stateDir != "" {
		DiscardCheckpoint(r.stateDir, rc.TaskID)
	}
	return out
}

func (r *Runner) checkpoint(rc *RunContext) {
	if r.stateDir == "" {
		return
	}
	if err := rc.Checkpoint(r.stateDir); err != nil {
		r.log(LogLevelWarn, "checkpoint failed task=%s error=%v", rc.TaskID, err)
	}
}

func (r *Runner) visitLimit(step Step) int {
	if step.MaxVisits > 0 {
		return step.MaxVisits
	}
	return r.defaultMaxVisits
}

func (r *Runner) commitIfConfigured(ws Workspace, task model.Task, step Step) {
	if !step.CommitAfter || step.Readonly {
		return
	}
	r.commit(ws, task, step.ID)
}

func (r *Runner) commit(ws Workspace, task model.Task, label string) {
	if err := ws.Commit(fmt.Sprintf("%s: %s", task.ID, label)); err != nil {
		r.log(LogLevelWarn, "commit failed task=%s label=%s error=%v", task.ID, label, err)
	}
}

// runHooks executes hook commands through the shell in the workspace root.
// Hook failures are logged and never affect the step outcome.
func (r *Runner) runHooks(ws Workspace, task model.Task, step Step, cmds []string) {
	for _, cmdStr := range cmds {
		cmd := exec.Command("sh", "-c", cmdStr)
		cmd.Dir = ws.Root()
		if out, err := cmd.CombinedOutput(); err != nil {
			r.log(LogLevelWarn, "hook failed task=%s step=%s cmd=%q error=%v output=%q",
				task.ID, step.ID, cmdStr, err, string(out))
		}
	}
}

func (r *Runner) publish(eventType events.EventType, taskID, stepID, runID string, extra map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id": taskID,
		"step_id": stepID,
		"run_id":  runID,
	}
	for k, v := range extra {
		data[k] = v
	}
	r.eventBus.Publish(eventType, data)
}

func (r *Runner) log(level LogLevel, format string, args ...interface{}) {
	if r.logger == nil || level < r.logLevel {
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
	r.logger.Printf("%s %s pipeline: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
