// Package agent defines the executor contract the pipeline runner dispatches
// steps through, plus the subprocess adapter for transcript-producing agents.
package agent

import (
	"context"

	"github.com/msageha/ringmaster/internal/model"
)

// Request describes one step dispatch to an agent.
type Request struct {
	// Agent is the opaque agent reference from the step definition.
	Agent string
	// TaskID and StepID identify the dispatch for logging and records.
	TaskID string
	StepID string
	// WorkspaceDir is the isolated working directory the agent operates in.
	WorkspaceDir string
	// Readonly asks the agent not to modify the workspace.
	Readonly bool
	// Attempt counts visits to this step within the current run.
	Attempt int
}

// Result is the outcome of one dispatch. Gate is a typed token: the
// text-marker convention used by transcript-producing backends stays inside
// the adapter that talks to them.
type Result struct {
	Gate     model.GateResult
	Report   string
	ExitCode int
}

// Executor dispatches a step to an agent and blocks until it produces a
// result. Wall-clock timeouts are the executor's responsibility; the runner
// only bounds iteration counts.
type Executor interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface. Used by tests to
// script result sequences.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Dispatch(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
