package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/msageha/ringmaster/internal/model"
)

// resultMarker extracts the gate token from a transcript. Agents emit
// <result>TOKEN</result>; the last marker wins. The token charset check
// happens here so malformed output degrades to UNKNOWN instead of leaking
// arbitrary strings into the runner.
var resultMarker = regexp.MustCompile(`<result>\s*([A-Z]{3,10})\s*</result>`)

// ExtractGateResult returns the gate token from transcript output. No marker
// or an unrecognized token yields GateUnknown.
func ExtractGateResult(output string) model.GateResult {
	matches := resultMarker.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return model.GateUnknown
	}
	return model.ParseGateResult(matches[len(matches)-1][1])
}

// SubprocessExecutor runs each agent as a child process of a configured
// command, with the workspace as working directory, and reads the gate token
// back out of its stdout transcript.
type SubprocessExecutor struct {
	// Command is the program invoked per dispatch. The agent reference, task
	// ID and step ID are passed as arguments.
	Command string
	Args    []string

	Logger   *log.Logger
	LogLevel LogLevel
}

// NewSubprocessExecutor creates an executor wrapping the given command.
func NewSubprocessExecutor(command string, args []string, logger *log.Logger, level LogLevel) *SubprocessExecutor {
	return &SubprocessExecutor{
		Command:  command,
		Args:     args,
		Logger:   logger,
		LogLevel: level,
	}
}

// Dispatch runs the agent process and parses its transcript. A non-zero exit
// with a well-formed marker is still a valid result: failing agents report
// FAIL through the marker, not the exit code.
func (e *SubprocessExecutor) Dispatch(ctx context.Context, req Request) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	args := append(append([]string{}, e.Args...), req.Agent, req.TaskID, req.StepID)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = append(os.Environ(),
		"RINGMASTER_AGENT="+req.Agent,
		"RINGMASTER_TASK_ID="+req.TaskID,
		"RINGMASTER_STEP_ID="+req.StepID,
		fmt.Sprintf("RINGMASTER_ATTEMPT=%d", req.Attempt),
		fmt.Sprintf("RINGMASTER_READONLY=%t", req.Readonly),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Gate: model.GateUnknown, Report: stderr.String(), ExitCode: -1},
				fmt.Errorf("dispatch agent %s: %w", req.Agent, err)
		}
	}

	gate := ExtractGateResult(stdout.String())
	e.log(LogLevelInfo, "dispatch agent=%s task=%s step=%s gate=%s exit=%d duration=%s",
		req.Agent, req.TaskID, req.StepID, gate, exitCode, time.Since(start).Round(time.Millisecond))

	return Result{
		Gate:     gate,
		Report:   strings.TrimSpace(stdout.String()),
		ExitCode: exitCode,
	}, nil
}

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel maps a config string to a LogLevel (default info).
func ParseLogLevel(s string) LogLevel {
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

func (e *SubprocessExecutor) log(level LogLevel, format string, args ...any) {
	if e.Logger == nil || level < e.LogLevel {
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
	e.Logger.Printf("%s %s agent: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
