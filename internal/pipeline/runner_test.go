package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/msageha/ringmaster/internal/agent"
	"github.com/msageha/ringmaster/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkspace struct {
	root    string
	missing bool
	commits []string
}

func (w *fakeWorkspace) Root() string { return w.root }
func (w *fakeWorkspace) Exists() bool { return !w.missing }
func (w *fakeWorkspace) Commit(msg string) error {
	w.commits = append(w.commits, msg)
	return nil
}

type memRecorder struct {
	records []model.StepRecord
}

func (r *memRecorder) Record(rec model.StepRecord) error {
	r.records = append(r.records, rec)
	return nil
}

// scriptExecutor returns per-agent result sequences; once a sequence runs
// out, its last element repeats. Every dispatch is appended to calls as
// "agent:step".
func scriptExecutor(script map[string][]model.GateResult, calls *[]string) agent.Executor {
	idx := make(map[string]int)
	return agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		*calls = append(*calls, fmt.Sprintf("%s:%s", req.Agent, req.StepID))
		seq, ok := script[req.Agent]
		if !ok || len(seq) == 0 {
			return agent.Result{Gate: model.GateUnknown}, nil
		}
		i := idx[req.Agent]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		idx[req.Agent]++
		return agent.Result{Gate: seq[i]}, nil
	})
}

func newTestRunner(exec agent.Executor) *Runner {
	return NewRunner(exec, model.PipelineConfig{}, log.New(io.Discard, "", 0), LogLevelError)
}

func mustBuild(t *testing.T, defs []stepDef) *Definition {
	t.Helper()
	def, err := build("test", defs)
	require.NoError(t, err)
	return def
}

func TestRunMergesOnAllPass(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"builder": {model.GatePass},
		"tester":  {model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder", CommitAfter: true},
		{ID: "test", Agent: "tester"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, []string{"builder:build", "tester:test"}, calls)
	assert.Equal(t, []string{"t1: build"}, ws.commits, "commit_after on PASS only where configured")
}

func TestRunFixWithoutHandlerJumpsPrev(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"builder": {model.GatePass, model.GatePass},
		"tester":  {model.GateFix, model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
		{ID: "test", Agent: "tester"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	// FIX with no inline fix agent backs up one step and re-runs it.
	assert.Equal(t, []string{"builder:build", "tester:test", "builder:build", "tester:test"}, calls)
	assert.Equal(t, 2, rc.Visits["build"])
	assert.Equal(t, 2, rc.Visits["test"])
}

func TestRunFixAtFirstStepClampsAtZero(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"builder": {model.GateFix, model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	assert.Equal(t, []string{"builder:build", "builder:build"}, calls)
}

func TestRunInlineFixBudgetExhaustedAdoptsFixResult(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"tester": {model.GateFix, model.GateFix},
		"fixer":  {model.GatePass, model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Fix: &FixSpec{Agent: "fixer", MaxAttempts: 2}},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	// tester FIX → fixer, re-verify tester FIX → fixer again; the budget is
	// spent, so the fixer's own PASS is adopted without a third tester run.
	assert.Equal(t, []string{"tester:test", "fixer:test", "tester:test", "fixer:test"}, calls)
	assert.Equal(t, 2, rc.FixRuns["test"])
	// fix commit_after defaults true.
	assert.Equal(t, []string{"t1: fix test", "t1: fix test"}, ws.commits)
}

func TestRunInlineFixReverifyPasses(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"tester": {model.GateFix, model.GatePass},
		"fixer":  {model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Fix: &FixSpec{Agent: "fixer", MaxAttempts: 2}},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	assert.Equal(t, []string{"tester:test", "fixer:test", "tester:test"}, calls)
	assert.Equal(t, 1, rc.FixRuns["test"])
}

func TestRunBreakerTripForcesFailure(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"builder": {model.GatePass},
		"tester":  {model.GateFix},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
		{ID: "test", Agent: "tester", Blocking: &falsev},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	// Three consecutive FIX results at the same step trip the breaker; the
	// run fails hard even though the step is non-blocking.
	assert.False(t, out.Merged)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, "test", out.HaltStep)
	assert.Equal(t, model.GateFail, out.HaltResult)
	assert.Equal(t, model.GateFail, rc.Results["test"])
	assert.Equal(t, 3, countCalls(calls, "tester:test"))
}

func TestRunInlineFixResetsBreaker(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		// Five straight FIX verdicts from the tester, but each fixer run
		// resets the repetition window so the breaker never trips.
		"tester": {model.GateFix, model.GateFix, model.GateFix, model.GateFix, model.GatePass},
		"fixer":  {model.GateStop},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Fix: &FixSpec{Agent: "fixer", MaxAttempts: 10}},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	assert.Equal(t, 4, countCalls(calls, "fixer:test"))
}

func TestRunBlockingHalts(t *testing.T) {
	for _, gate := range []model.GateResult{model.GateFail, model.GateStop, model.GateUnknown} {
		t.Run(gate.String(), func(t *testing.T) {
			var calls []string
			exec := scriptExecutor(map[string][]model.GateResult{
				"tester": {gate},
				"closer": {model.GatePass},
			}, &calls)
			def := mustBuild(t, []stepDef{
				{ID: "test", Agent: "tester"},
				{ID: "final", Agent: "closer"},
			})
			ws := &fakeWorkspace{root: t.TempDir()}
			rc := NewRunContext("run_1735000000_00000001", "t1")

			out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
			require.NoError(t, err)
			assert.False(t, out.Merged)
			assert.Equal(t, "test", out.HaltStep)
			assert.Equal(t, gate, out.HaltResult)
			assert.NotContains(t, calls, "closer:final")
		})
	}
}

func TestRunNonBlockingFailureAdvances(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"linter": {model.GateFail},
		"tester": {model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "lint", Agent: "linter", Blocking: &falsev},
		{ID: "test", Agent: "tester"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	assert.Equal(t, model.GateFail, rc.Results["lint"])
}

func TestRunEnabledByAndDependsOnSkips(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"tester": {model.GateFail},
		"gated":  {model.GatePass},
		"tail":   {model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Blocking: &falsev},
		{ID: "deploy", Agent: "gated", EnabledBy: "has_plan"},
		{ID: "report", Agent: "gated", DependsOn: "test"},
		{ID: "final", Agent: "tail"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	r := newTestRunner(exec)
	r.SetConditions(func(task model.Task, condition string) bool {
		return condition == "has_plan" && task.HasPlan
	})

	out, err := r.Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	// deploy disabled by condition, report skipped because test failed.
	assert.Equal(t, []string{"tester:test", "tail:final"}, calls)
	assert.Equal(t, model.GateSkip, rc.Results["deploy"])
	assert.Equal(t, model.GateSkip, rc.Results["report"])
}

func TestRunWorkspaceLossAborts(t *testing.T) {
	var calls []string
	exec := scriptExecutor(nil, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
	})
	ws := &fakeWorkspace{root: t.TempDir(), missing: true}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusAborted, out.Status)
	assert.Empty(t, calls)
}

func TestRunVisitCapOnMaxNext(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"builder": {model.GatePass},
		"tester":  {model.GateFix},
		"closer":  {model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
		{ID: "test", Agent: "tester", Blocking: &falsev, MaxVisits: 2, OnMax: "next"},
		{ID: "final", Agent: "closer"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.True(t, out.Merged)
	// test hits its cap after two visits; on_max=next moves past it without
	// a third dispatch.
	assert.Equal(t, 2, countCalls(calls, "tester:test"))
	assert.Contains(t, calls, "closer:final")
}

func TestRunVisitCapOnMaxAbort(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"builder": {model.GatePass},
		"tester":  {model.GateFix},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
		{ID: "test", Agent: "tester", Blocking: &falsev, MaxVisits: 2, OnMax: "abort"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, out.Status)
	assert.Equal(t, "test", out.HaltStep)
}

func TestRunVisitCapOnMaxSelfCannotProgress(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"tester": {model.GateFix},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Blocking: &falsev, MaxVisits: 1, OnMax: "self"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, out.Status)
	assert.Equal(t, 1, countCalls(calls, "tester:test"))
}

func TestRunRecordsEveryDispatch(t *testing.T) {
	var calls []string
	exec := scriptExecutor(map[string][]model.GateResult{
		"tester": {model.GateFix, model.GatePass},
		"fixer":  {model.GatePass},
	}, &calls)
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Fix: &FixSpec{Agent: "fixer", MaxAttempts: 2}},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")
	rec := &memRecorder{}

	r := newTestRunner(exec)
	r.SetRecorder(rec)

	_, err := r.Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	require.Len(t, rec.records, 3)
	assert.Equal(t, "tester", rec.records[0].Agent)
	assert.Equal(t, "fixer", rec.records[1].Agent)
	assert.Equal(t, model.StepCompleted, rec.records[0].Status)
}

func TestRunExecutorErrorRecordsUnknown(t *testing.T) {
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{ExitCode: 1}, fmt.Errorf("spawn failed")
	})
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")
	rec := &memRecorder{}

	r := newTestRunner(exec)
	r.SetRecorder(rec)

	out, err := r.Run(context.Background(), model.Task{ID: "t1"}, def, ws, rc)
	require.NoError(t, err)
	// UNKNOWN on a blocking step halts the run rather than passing silently.
	assert.False(t, out.Merged)
	assert.Equal(t, model.GateUnknown, out.HaltResult)
	require.Len(t, rec.records, 1)
	assert.Equal(t, model.StepErrored, rec.records[0].Status)
}

func TestRunCancellationKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		cancel()
		return agent.Result{Gate: model.GateFix}, nil
	})
	def := mustBuild(t, []stepDef{
		{ID: "build", Agent: "builder"},
		{ID: "test", Agent: "tester"},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(ctx, model.Task{ID: "t1"}, def, ws, rc)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusRunning, out.Status, "cancelled runs stay resumable")
}

func TestRunCancellationInsideFixLoopKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if req.Agent == "fixer" {
			cancel()
			return agent.Result{Gate: model.GatePass}, nil
		}
		return agent.Result{Gate: model.GateFix}, nil
	})
	def := mustBuild(t, []stepDef{
		{ID: "test", Agent: "tester", Fix: &FixSpec{Agent: "fixer", MaxAttempts: 3}},
	})
	ws := &fakeWorkspace{root: t.TempDir()}
	rc := NewRunContext("run_1735000000_00000001", "t1")

	out, err := newTestRunner(exec).Run(ctx, model.Task{ID: "t1"}, def, ws, rc)
	require.Error(t, err)
	assert.Equal(t, model.RunStatusRunning, out.Status, "cancellation mid-fix stays resumable")
	assert.NotContains(t, rc.Results, "test", "no final result for the interrupted step")
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}
