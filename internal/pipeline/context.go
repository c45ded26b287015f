package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ringmaster/internal/model"
	yamlutil "github.com/msageha/ringmaster/internal/yaml"
)

// RunContext carries the mutable state of one pipeline run: step pointer,
// visit and fix counters, the circuit-breaker accumulators, and the last
// result per step. Steps communicate through it in memory; it is persisted
// only at checkpoints for crash/resume.
type RunContext struct {
	RunID     string                      `yaml:"run_id"`
	TaskID    string                      `yaml:"task_id"`
	Status    model.RunStatus             `yaml:"status"`
	StepIndex int                         `yaml:"step_index"`
	Visits    map[string]int              `yaml:"visit_counts"`
	FixRuns   map[string]int              `yaml:"fix_counts"`
	Results   map[string]model.GateResult `yaml:"last_results"`

	// Repeat tracking for the circuit breaker: consecutive identical
	// non-terminal results per step.
	RepeatCounts map[string]int              `yaml:"repeat_counts"`
	RepeatLast   map[string]model.GateResult `yaml:"repeat_last"`
}

// NewRunContext creates a fresh run context for a task.
func NewRunContext(runID, taskID string) *RunContext {
	return &RunContext{
		RunID:        runID,
		TaskID:       taskID,
		Status:       model.RunStatusRunning,
		Visits:       make(map[string]int),
		FixRuns:      make(map[string]int),
		Results:      make(map[string]model.GateResult),
		RepeatCounts: make(map[string]int),
		RepeatLast:   make(map[string]model.GateResult),
	}
}

// LastResult returns the last recorded result for a step, or GateUnknown if
// the step has never produced one.
func (rc *RunContext) LastResult(stepID string) model.GateResult {
	if r, ok := rc.Results[stepID]; ok {
		return r
	}
	return model.GateUnknown
}

// NoteRepeat feeds one observed result into the step's breaker accumulator
// and returns the consecutive count. Terminal results reset the accumulator;
// a non-terminal result different from the previous one restarts it at 1.
func (rc *RunContext) NoteRepeat(stepID string, result model.GateResult) int {
	if result.Terminal() {
		rc.RepeatCounts[stepID] = 0
		delete(rc.RepeatLast, stepID)
		return 0
	}
	if rc.RepeatLast[stepID] == result {
		rc.RepeatCounts[stepID]++
	} else {
		rc.RepeatLast[stepID] = result
		rc.RepeatCounts[stepID] = 1
	}
	return rc.RepeatCounts[stepID]
}

// ResetRepeat clears the breaker accumulator for a step. Called when an
// inline fix actually ran: the workspace changed, so prior repetition no
// longer predicts the next result.
func (rc *RunContext) ResetRepeat(stepID string) {
	rc.RepeatCounts[stepID] = 0
	delete(rc.RepeatLast, stepID)
}

type runContextFile struct {
	SchemaVersion int         `yaml:"schema_version"`
	FileType      string      `yaml:"file_type"`
	Run           *RunContext `yaml:",inline"`
}

// CheckpointDir is where run contexts are persisted under the base dir.
const CheckpointDir = "state/runs"

// Checkpoint persists the run context for crash/resume.
func (rc *RunContext) Checkpoint(baseDir string) error {
	dir := filepath.Join(baseDir, CheckpointDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	path := filepath.Join(dir, rc.TaskID+".yaml")
	return yamlutil.AtomicWrite(path, runContextFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "run_state",
		Run:           rc,
	})
}

// DiscardCheckpoint removes the persisted context once a run reaches a
// terminal status.
func DiscardCheckpoint(baseDir, taskID string) {
	_ = os.Remove(filepath.Join(baseDir, CheckpointDir, taskID+".yaml"))
}

// LoadCheckpoint restores a persisted run context, if one exists.
func LoadCheckpoint(baseDir, taskID string) (*RunContext, error) {
	path := filepath.Join(baseDir, CheckpointDir, taskID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var file runContextFile
	if err := yamlv3.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	rc := file.Run
	if rc == nil {
		return nil, nil
	}
	if rc.Visits == nil {
		rc.Visits = make(map[string]int)
	}
	if rc.FixRuns == nil {
		rc.FixRuns = make(map[string]int)
	}
	if rc.Results == nil {
		rc.Results = make(map[string]model.GateResult)
	}
	if rc.RepeatCounts == nil {
		rc.RepeatCounts = make(map[string]int)
	}
	if rc.RepeatLast == nil {
		rc.RepeatLast = make(map[string]model.GateResult)
	}
	return rc, nil
}
