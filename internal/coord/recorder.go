package coord

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ringmaster/internal/lock"
	"github.com/msageha/ringmaster/internal/model"
	yamlutil "github.com/msageha/ringmaster/internal/yaml"
)

// ResultsDir is where per-task step records live under the base dir.
const ResultsDir = "results"

// FileRecorder appends step records to results/<task_id>.yaml. One file per
// task keeps append contention scoped to the task's own run.
type FileRecorder struct {
	baseDir string
	locks   *lock.MutexMap
}

// NewFileRecorder creates a recorder rooted at baseDir.
func NewFileRecorder(baseDir string) *FileRecorder {
	return &FileRecorder{
		baseDir: baseDir,
		locks:   lock.NewMutexMap(),
	}
}

func (r *FileRecorder) path(taskID string) string {
	return filepath.Join(r.baseDir, ResultsDir, taskID+".yaml")
}

// Record validates and appends one step record.
func (r *FileRecorder) Record(rec model.StepRecord) error {
	if err := model.ValidateGateResult(rec.Outputs.GateResult); err != nil {
		return fmt.Errorf("record step %s/%s: %w", rec.TaskID, rec.StepID, err)
	}

	path := r.path(rec.TaskID)
	r.locks.Lock(path)
	defer r.locks.Unlock(path)

	file, err := r.loadLocked(path)
	if err != nil {
		return err
	}
	file.Records = append(file.Records, rec)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	return yamlutil.AtomicWrite(path, file)
}

// LatestGate returns the authoritative gate result for (task, step): the
// most recent record by the timestamp embedded in its ID. No record yields
// GateUnknown.
func (r *FileRecorder) LatestGate(taskID, stepID string) (model.GateResult, error) {
	path := r.path(taskID)
	r.locks.Lock(path)
	defer r.locks.Unlock(path)

	file, err := r.loadLocked(path)
	if err != nil {
		return model.GateUnknown, err
	}
	rec, ok := file.LatestByStep()[stepID]
	if !ok {
		return model.GateUnknown, nil
	}
	return model.ParseGateResult(rec.Outputs.GateResult), nil
}

// Records returns every persisted record for a task.
func (r *FileRecorder) Records(taskID string) ([]model.StepRecord, error) {
	path := r.path(taskID)
	r.locks.Lock(path)
	defer r.locks.Unlock(path)

	file, err := r.loadLocked(path)
	if err != nil {
		return nil, err
	}
	return file.Records, nil
}

func (r *FileRecorder) loadLocked(path string) (*model.ResultFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.ResultFile{
				SchemaVersion: yamlutil.CurrentSchemaVersion,
				FileType:      model.ResultFileType,
			}, nil
		}
		return nil, fmt.Errorf("read results: %w", err)
	}
	var file model.ResultFile
	if err := yamlv3.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse results %s: %w", path, err)
	}
	return &file, nil
}
