package model

// StepRecord is one persisted step execution outcome. Records are appended to
// results/<task_id>.yaml; the record whose ID embeds the latest timestamp is
// authoritative for depends_on resolution.
// Step execution statuses recorded per dispatch. Distinct from task Status:
// a step completes or errors, it does not move through the board lifecycle.
const (
	StepCompleted = "completed"
	StepErrored   = "errored"
)

type StepRecord struct {
	ID         string        `yaml:"id"`
	TaskID     string        `yaml:"task_id"`
	StepID     string        `yaml:"step_id"`
	Agent      string        `yaml:"agent"`
	Status     string        `yaml:"status"`
	ExitCode   int           `yaml:"exit_code"`
	StartedAt  string        `yaml:"started_at"`
	DurationMs int64         `yaml:"duration_ms"`
	Outputs    RecordOutputs `yaml:"outputs"`
}

// RecordOutputs holds the gate token plus free-text report content.
type RecordOutputs struct {
	GateResult string `yaml:"gate_result"`
	Report     string `yaml:"report,omitempty"`
}

// ResultFile is the on-disk per-task record list.
type ResultFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Records       []StepRecord `yaml:"records"`
}

const ResultFileType = "results"

// LatestByStep returns the most recent record per step ID, resolved by the
// timestamp embedded in the record ID. Records appended later in the file win
// timestamp ties.
func (f *ResultFile) LatestByStep() map[string]StepRecord {
	latest := make(map[string]StepRecord)
	for _, rec := range f.Records {
		prev, ok := latest[rec.StepID]
		if !ok {
			latest[rec.StepID] = rec
			continue
		}
		prevTS, prevErr := ParseIDTimestamp(prev.ID)
		curTS, curErr := ParseIDTimestamp(rec.ID)
		if prevErr != nil || curErr != nil || !curTS.Before(prevTS) {
			latest[rec.StepID] = rec
		}
	}
	return latest
}
