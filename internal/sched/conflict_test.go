package sched

import (
	"testing"

	"github.com/msageha/ringmaster/internal/model"
)

func TestHasFileConflict(t *testing.T) {
	active := []model.Task{
		{ID: "t1", Files: []string{"api/server.go", "api/routes.go"}},
		{ID: "t2", Files: []string{"db/schema.sql"}},
	}

	tests := []struct {
		name      string
		candidate model.Task
		want      bool
	}{
		{
			name:      "overlapping file",
			candidate: model.Task{ID: "t3", Files: []string{"api/routes.go"}},
			want:      true,
		},
		{
			name:      "disjoint files",
			candidate: model.Task{ID: "t3", Files: []string{"docs/readme.md"}},
			want:      false,
		},
		{
			name:      "empty declared set is conflict-free",
			candidate: model.Task{ID: "t3"},
			want:      false,
		},
		{
			name:      "self overlap ignored",
			candidate: model.Task{ID: "t1", Files: []string{"api/server.go"}},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasFileConflict(tt.candidate, active); got != tt.want {
				t.Errorf("HasFileConflict = %v, want %v", got, tt.want)
			}
		})
	}
}
