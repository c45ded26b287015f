package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/ringmaster/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadValidDefinition(t *testing.T) {
	data := []byte(`
schema_version: 1
file_type: pipeline
name: standard
steps:
  - id: planning
    agent: planner
    commit_after: true
  - id: test
    agent: tester
    max_visits: 3
    on_max: prev
    fix:
      agent: test-fixer
  - id: validation
    agent: validator
    readonly: true
    blocking: false
    depends_on: test
`)
	def, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, "standard", def.Name)
	require.Len(t, def.Steps, 3)

	planning := def.Steps[0]
	assert.True(t, planning.Blocking, "blocking defaults to true")
	assert.True(t, planning.CommitAfter)

	test := def.Steps[1]
	assert.Equal(t, 3, test.MaxVisits)
	assert.Equal(t, JumpPrev, test.OnMax)
	require.True(t, test.HasFix())
	assert.Equal(t, 2, test.Fix.MaxAttempts, "fix max_attempts defaults to 2")
	assert.True(t, test.FixCommitAfter(), "fix commit_after defaults to true")

	validation := def.Steps[2]
	assert.False(t, validation.Blocking)
	assert.True(t, validation.Readonly)
	assert.Equal(t, "test", validation.DependsOn)
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "no steps",
			yaml:   "name: empty\nsteps: []\n",
			errMsg: "no steps",
		},
		{
			name:   "missing id",
			yaml:   "steps:\n  - agent: a\n",
			errMsg: "missing id",
		},
		{
			name:   "missing agent",
			yaml:   "steps:\n  - id: s1\n",
			errMsg: "missing agent",
		},
		{
			name:   "duplicate id",
			yaml:   "steps:\n  - id: s1\n    agent: a\n  - id: s1\n    agent: b\n",
			errMsg: "duplicate step id",
		},
		{
			name:   "forward depends_on",
			yaml:   "steps:\n  - id: s1\n    agent: a\n    depends_on: s2\n  - id: s2\n    agent: b\n",
			errMsg: "previously declared",
		},
		{
			name:   "self depends_on",
			yaml:   "steps:\n  - id: s1\n    agent: a\n    depends_on: s1\n",
			errMsg: "previously declared",
		},
		{
			name:   "negative max_visits",
			yaml:   "steps:\n  - id: s1\n    agent: a\n    max_visits: -1\n",
			errMsg: "negative max_visits",
		},
		{
			name:   "bad on_max",
			yaml:   "steps:\n  - id: s1\n    agent: a\n    on_max: sideways\n",
			errMsg: "invalid jump target",
		},
		{
			name:   "fix without agent",
			yaml:   "steps:\n  - id: s1\n    agent: a\n    fix:\n      max_attempts: 2\n",
			errMsg: "fix sub-config missing agent",
		},
		{
			name:   "not yaml",
			yaml:   "{{nope",
			errMsg: "parse pipeline definition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolveForPrecedence(t *testing.T) {
	dir := t.TempDir()
	write := func(name, pipelineName string) {
		data := "schema_version: 1\nfile_type: pipeline\nname: " + pipelineName +
			"\nsteps:\n  - id: only\n    agent: worker\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(data), 0644))
	}
	write("custom", "custom")
	write("house", "house")

	l := NewLoader(model.PipelineConfig{Dir: dir, Default: "house"})

	def, err := l.ResolveFor(model.Task{ID: "t1", Pipeline: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", def.Name, "per-task override wins")

	def, err = l.ResolveFor(model.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "house", def.Name, "project default next")

	_, err = l.ResolveFor(model.Task{ID: "t1", Pipeline: "missing"})
	require.Error(t, err, "explicitly named definitions fail hard")

	l = NewLoader(model.PipelineConfig{Dir: dir})
	def, err = l.ResolveFor(model.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "builtin", def.Name, "builtin table is the final fallback")
}

func TestBuiltinDefinition(t *testing.T) {
	def := BuiltinDefinition()
	require.Len(t, def.Steps, 7)

	ids := make([]string, 0, len(def.Steps))
	for _, s := range def.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"planning", "execution", "summary", "audit", "test", "docs", "validation"}, ids)

	test := def.Steps[def.IndexOf("test")]
	require.True(t, test.HasFix())
	assert.Equal(t, 2, test.Fix.MaxAttempts)

	summary := def.Steps[def.IndexOf("summary")]
	assert.False(t, summary.Blocking)
	assert.True(t, summary.Readonly)
}
