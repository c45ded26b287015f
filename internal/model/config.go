package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Board     BoardConfig     `yaml:"board"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Agent     AgentConfig     `yaml:"agent"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AgentConfig names the external command that executes agent dispatches.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

const DefaultAgentCommand = "ringmaster-agent"

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SchedulerConfig struct {
	// MaxWorkers bounds the main pool; PriorityLimit bounds the fix pool.
	MaxWorkers    int `yaml:"max_workers"`
	PriorityLimit int `yaml:"priority_limit"`

	// Effective-priority tuning. Zero values take the defaults below.
	PlanBonus      int `yaml:"plan_bonus"`
	AgingBonus     int `yaml:"aging_bonus"`
	AgingFactor    int `yaml:"aging_factor"`
	DependentBonus int `yaml:"dependent_bonus"`
	SiblingPenalty int `yaml:"sibling_penalty"`
}

const (
	DefaultMaxWorkers     = 3
	DefaultPriorityLimit  = 1
	DefaultPlanBonus      = 15000
	DefaultAgingBonus     = 8000
	DefaultAgingFactor    = 7
	DefaultDependentBonus = 7000
	DefaultSiblingPenalty = 20000
)

type PipelineConfig struct {
	// Dir holds named pipeline definition files (<name>.yaml).
	Dir string `yaml:"dir"`
	// Default names the project-wide definition; empty falls through to the
	// built-in table.
	Default string `yaml:"default"`
	// MaxVisits bounds visits per step; 0 means unlimited.
	MaxVisits int `yaml:"max_visits"`
	// RepeatThreshold is the circuit-breaker trip count for consecutive
	// identical non-terminal results.
	RepeatThreshold int `yaml:"repeat_threshold"`
}

const DefaultRepeatThreshold = 3

type BoardConfig struct {
	// LeaseSec is how long a claim stays valid without a heartbeat refresh.
	LeaseSec int `yaml:"lease_sec"`
	// StaleThresholdSec is the orphan-recovery cutoff for claims whose owner
	// stopped heartbeating.
	StaleThresholdSec int `yaml:"stale_threshold_sec"`
}

const (
	DefaultLeaseSec          = 300
	DefaultStaleThresholdSec = 600
)

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type DaemonConfig struct {
	ScanIntervalSec    int     `yaml:"scan_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads <dir>/config.yaml. A missing file yields the zero Config;
// consumers apply defaults at read sites.
func LoadConfig(dir string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(dir + "/config.yaml")
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// MaxWorkersOrDefault returns the configured main-pool bound or the default.
func (c SchedulerConfig) MaxWorkersOrDefault() int {
	if c.MaxWorkers <= 0 {
		return DefaultMaxWorkers
	}
	return c.MaxWorkers
}

// PriorityLimitOrDefault returns the configured fix-pool bound or the default.
func (c SchedulerConfig) PriorityLimitOrDefault() int {
	if c.PriorityLimit <= 0 {
		return DefaultPriorityLimit
	}
	return c.PriorityLimit
}
