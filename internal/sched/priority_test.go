package sched

import (
	"testing"

	"github.com/msageha/ringmaster/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestEffectivePriority(t *testing.T) {
	p := ParamsFromConfig(model.SchedulerConfig{})

	tests := []struct {
		name     string
		task     model.Task
		aging    int
		blocked  int
		siblings int
		want     int
	}{
		{
			name: "plain medium task",
			task: model.Task{ID: "t1", Priority: model.PriorityMedium},
			want: 30000,
		},
		{
			name: "high with plan beats medium without",
			task: model.Task{ID: "t1", Priority: model.PriorityHigh, HasPlan: true},
			want: 5000,
		},
		{
			name:  "aging accrues in factor-sized steps",
			task:  model.Task{ID: "t1", Priority: model.PriorityLow},
			aging: 14,
			want:  40000 - 2*8000,
		},
		{
			name:    "dependents pull a task forward",
			task:    model.Task{ID: "t1", Priority: model.PriorityMedium},
			blocked: 2,
			want:    30000 - 2*7000,
		},
		{
			name:     "active siblings push a task back",
			task:     model.Task{ID: "t1", Priority: model.PriorityMedium, Group: "api"},
			siblings: 1,
			want:     50000,
		},
		{
			name:  "clamped at zero",
			task:  model.Task{ID: "t1", Priority: model.PriorityCritical, HasPlan: true},
			aging: 70,
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectivePriority(tt.task, p, tt.aging, tt.blocked, tt.siblings)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParamsFromConfigDefaults(t *testing.T) {
	p := ParamsFromConfig(model.SchedulerConfig{})
	assert.Equal(t, model.DefaultPlanBonus, p.PlanBonus)
	assert.Equal(t, model.DefaultAgingBonus, p.AgingBonus)
	assert.Equal(t, model.DefaultAgingFactor, p.AgingFactor)
	assert.Equal(t, model.DefaultDependentBonus, p.DependentBonus)
	assert.Equal(t, model.DefaultSiblingPenalty, p.SiblingPenalty)

	p = ParamsFromConfig(model.SchedulerConfig{PlanBonus: 100, AgingFactor: 2})
	assert.Equal(t, 100, p.PlanBonus)
	assert.Equal(t, 2, p.AgingFactor)
	assert.Equal(t, model.DefaultAgingBonus, p.AgingBonus)
}
