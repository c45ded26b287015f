// Package model defines the data structures for ringmaster's configuration,
// board entries, pipeline results, and scheduler state.
package model

// Priority is the static urgency class assigned to a task on the board.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityWeights maps priority classes to base numeric weights.
// Lower weight schedules sooner. The spacing leaves room for the plan,
// aging and dependent bonuses to move a task across class boundaries.
var priorityWeights = map[Priority]int{
	PriorityCritical: 10000,
	PriorityHigh:     20000,
	PriorityMedium:   30000,
	PriorityLow:      40000,
}

const defaultPriorityWeight = 30000

// Weight returns the numeric base weight for the priority class.
// Unknown classes fall back to the medium weight.
func (p Priority) Weight() int {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return defaultPriorityWeight
}

// Task is one board entry. Scheduling fields (aging, cooldown) live in the
// scheduler's state store, not on the board record.
type Task struct {
	ID       string   `yaml:"id"`
	Title    string   `yaml:"title"`
	Priority Priority `yaml:"priority"`

	// DependsOn lists task IDs that must reach merged before this task is
	// eligible for the main pool.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Files is the declared file-touch set. Empty means unknown, which is
	// treated as conflict-free.
	Files []string `yaml:"files,omitempty"`

	// Group is the sibling key: tasks sharing a group are penalized for
	// concurrent in-flight work.
	Group string `yaml:"group,omitempty"`

	// HasPlan marks that an implementation plan artifact exists.
	HasPlan bool `yaml:"has_plan"`

	// Pipeline optionally names a per-task pipeline definition override.
	Pipeline string `yaml:"pipeline,omitempty"`

	Status    Status  `yaml:"status"`
	Attempts  int     `yaml:"attempts"`
	LastError *string `yaml:"last_error"`

	LeaseOwner     *string `yaml:"lease_owner"`
	LeaseExpiresAt *string `yaml:"lease_expires_at"`
	LeaseEpoch     int     `yaml:"lease_epoch"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

// Board is the on-disk task board document.
type Board struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Tasks         []Task `yaml:"tasks"`
}

const (
	BoardSchemaVersion = 1
	BoardFileType      = "board"
)
