// Package pipeline implements the declarative step table and the runner that
// executes it against one task's workspace.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ringmaster/internal/model"
)

// FixSpec configures the inline fix sub-protocol for a step.
type FixSpec struct {
	Agent       string `yaml:"agent"`
	MaxAttempts int    `yaml:"max_attempts"`
	CommitAfter *bool  `yaml:"commit_after"`
}

// Hooks are ordered side-effecting commands run around a step. Hook failure
// is logged and never blocks the step.
type Hooks struct {
	Pre  []string `yaml:"pre"`
	Post []string `yaml:"post"`
}

// stepDef is the raw YAML shape of one step. Pointer fields distinguish
// "absent" from "explicit false" so defaults apply correctly.
type stepDef struct {
	ID          string   `yaml:"id"`
	Agent       string   `yaml:"agent"`
	Blocking    *bool    `yaml:"blocking"`
	Readonly    bool     `yaml:"readonly"`
	EnabledBy   string   `yaml:"enabled_by"`
	DependsOn   string   `yaml:"depends_on"`
	CommitAfter bool     `yaml:"commit_after"`
	MaxVisits   int      `yaml:"max_visits"`
	OnMax       string   `yaml:"on_max"`
	Fix         *FixSpec `yaml:"fix"`
	Hooks       Hooks    `yaml:"hooks"`
}

type definitionFile struct {
	SchemaVersion int       `yaml:"schema_version"`
	FileType      string    `yaml:"file_type"`
	Name          string    `yaml:"name"`
	Steps         []stepDef `yaml:"steps"`
}

// Step is one fully-defaulted row of the loaded step table.
type Step struct {
	ID          string
	Agent       string
	Blocking    bool
	Readonly    bool
	EnabledBy   string
	DependsOn   string
	CommitAfter bool
	MaxVisits   int // 0 = unlimited
	OnMax       JumpTarget
	Fix         *FixSpec
	Hooks       Hooks
}

// HasFix reports whether the step carries an inline fix agent.
func (s Step) HasFix() bool {
	return s.Fix != nil && s.Fix.Agent != ""
}

// FixCommitAfter returns the fix sub-config commit flag (default true).
func (s Step) FixCommitAfter() bool {
	if s.Fix == nil || s.Fix.CommitAfter == nil {
		return true
	}
	return *s.Fix.CommitAfter
}

// Definition is a validated, ordered step table.
type Definition struct {
	Name  string
	Steps []Step
}

// IndexOf returns the index of the step with the given ID, or -1.
func (d *Definition) IndexOf(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

const defaultFixMaxAttempts = 2

// Load parses and validates a pipeline definition document. Any violation is
// a hard error: there is no partial or best-effort load.
func Load(data []byte) (*Definition, error) {
	var file definitionFile
	if err := yamlv3.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}
	return build(file.Name, file.Steps)
}

// LoadFile reads and parses a definition file from disk.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	def, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func build(name string, defs []stepDef) (*Definition, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("pipeline has no steps")
	}

	seen := make(map[string]bool, len(defs))
	steps := make([]Step, 0, len(defs))

	for i, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("step %d: missing id", i)
		}
		if def.Agent == "" {
			return nil, fmt.Errorf("step %q: missing agent", def.ID)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate step id %q", def.ID)
		}
		if def.DependsOn != "" {
			// Declaration order matters: forward and self references are
			// rejected, not resolved.
			if !seen[def.DependsOn] {
				return nil, fmt.Errorf("step %q: depends_on %q does not name a previously declared step", def.ID, def.DependsOn)
			}
		}
		if def.MaxVisits < 0 {
			return nil, fmt.Errorf("step %q: negative max_visits", def.ID)
		}

		onMax, err := ParseJumpTarget(def.OnMax)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", def.ID, err)
		}

		blocking := true
		if def.Blocking != nil {
			blocking = *def.Blocking
		}

		fix := def.Fix
		if fix != nil {
			if fix.Agent == "" {
				return nil, fmt.Errorf("step %q: fix sub-config missing agent", def.ID)
			}
			if fix.MaxAttempts <= 0 {
				fix = &FixSpec{Agent: fix.Agent, MaxAttempts: defaultFixMaxAttempts, CommitAfter: fix.CommitAfter}
			}
		}

		seen[def.ID] = true
		steps = append(steps, Step{
			ID:          def.ID,
			Agent:       def.Agent,
			Blocking:    blocking,
			Readonly:    def.Readonly,
			EnabledBy:   def.EnabledBy,
			DependsOn:   def.DependsOn,
			CommitAfter: def.CommitAfter,
			MaxVisits:   def.MaxVisits,
			OnMax:       onMax,
			Fix:         fix,
			Hooks:       def.Hooks,
		})
	}

	return &Definition{Name: name, Steps: steps}, nil
}

// Loader resolves which definition applies to a task: per-task override →
// named/CLI definition → project default → built-in table.
type Loader struct {
	dir         string
	defaultName string
}

func NewLoader(cfg model.PipelineConfig) *Loader {
	return &Loader{
		dir:         cfg.Dir,
		defaultName: cfg.Default,
	}
}

// ResolveFor returns the definition for a task. Resolution failures on an
// explicitly named definition are hard errors; only the final fallback is
// implicit.
func (l *Loader) ResolveFor(task model.Task) (*Definition, error) {
	if task.Pipeline != "" {
		return l.named(task.Pipeline)
	}
	if l.defaultName != "" {
		return l.named(l.defaultName)
	}
	return BuiltinDefinition(), nil
}

func (l *Loader) named(name string) (*Definition, error) {
	if l.dir == "" {
		return nil, fmt.Errorf("pipeline %q requested but no pipeline dir configured", name)
	}
	return LoadFile(filepath.Join(l.dir, name+".yaml"))
}

// BuiltinDefinition is the fallback seven-step table used when no definition
// file resolves.
func BuiltinDefinition() *Definition {
	truev := true
	def, err := build("builtin", []stepDef{
		{ID: "planning", Agent: "planner", CommitAfter: true},
		{ID: "execution", Agent: "executor", CommitAfter: true},
		{ID: "summary", Agent: "summarizer", Blocking: &falsev, Readonly: true},
		{ID: "audit", Agent: "auditor", MaxVisits: 3},
		{ID: "test", Agent: "tester", CommitAfter: true,
			Fix: &FixSpec{Agent: "test-fixer", MaxAttempts: 2, CommitAfter: &truev}},
		{ID: "docs", Agent: "documenter", Blocking: &falsev, CommitAfter: true},
		{ID: "validation", Agent: "validator", Readonly: true},
	})
	if err != nil {
		// The builtin table is static; a build failure here is a programming
		// error, not a runtime condition.
		panic(err)
	}
	return def
}

var falsev = false
