package sched

import "github.com/msageha/ringmaster/internal/model"

// HasFileConflict reports whether the candidate's declared file set
// intersects any active main-pool task's file set. An empty file set means
// the task has not declared its touch set yet and is treated as
// conflict-free: detection here is advisory, and a false negative costs a
// merge conflict later while a false positive blocks unrelated work now.
func HasFileConflict(candidate model.Task, activeMain []model.Task) bool {
	if len(candidate.Files) == 0 {
		return false
	}
	candidateFiles := make(map[string]bool, len(candidate.Files))
	for _, f := range candidate.Files {
		candidateFiles[f] = true
	}
	for _, active := range activeMain {
		if active.ID == candidate.ID {
			continue
		}
		for _, f := range active.Files {
			if candidateFiles[f] {
				return true
			}
		}
	}
	return false
}
