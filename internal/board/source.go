package board

import (
	"fmt"
	"sort"
	"time"

	"github.com/msageha/ringmaster/internal/events"
	"github.com/msageha/ringmaster/internal/model"
)

// Tasks returns every board entry. The scheduler needs the full view (a
// pending task's eligibility depends on other tasks' statuses), so no
// filtering happens here.
func (s *Store) Tasks() ([]model.Task, error) {
	board, err := s.Load()
	if err != nil {
		return nil, err
	}
	return board.Tasks, nil
}

// GetReadyTasks returns pending tasks whose dependencies are all merged,
// ordered by task ID for determinism.
func (s *Store) GetReadyTasks() ([]model.Task, error) {
	board, err := s.Load()
	if err != nil {
		return nil, err
	}

	statusByID := make(map[string]model.Status, len(board.Tasks))
	for _, t := range board.Tasks {
		statusByID[t.ID] = t.Status
	}

	var ready []model.Task
	for _, t := range board.Tasks {
		if t.Status != model.StatusPending {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if statusByID[dep] != model.StatusMerged {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

// Claim atomically transitions a task to spawned and stamps a lease for
// owner. Losing the race to another coordinator returns ErrAlreadyClaimed;
// the caller rolls back its slot reservation and retries next tick.
func (s *Store) Claim(taskID, owner string) error {
	return s.mutate(func(board *model.Board) error {
		task := findTask(board, taskID)
		if task == nil {
			return fmt.Errorf("claim %s: %w", taskID, ErrTaskNotFound)
		}
		if task.Status == model.StatusSpawned {
			return fmt.Errorf("claim %s: %w", taskID, ErrAlreadyClaimed)
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusSpawned); err != nil {
			return fmt.Errorf("claim %s: %w", taskID, err)
		}

		now := time.Now().UTC()
		expires := now.Add(time.Duration(s.leaseSec) * time.Second).Format(time.RFC3339)
		ownerStr := owner

		task.Status = model.StatusSpawned
		task.LeaseOwner = &ownerStr
		task.LeaseExpiresAt = &expires
		task.LeaseEpoch++
		task.Attempts++
		task.UpdatedAt = now.Format(time.RFC3339)

		s.log(LogLevelInfo, "claim id=%s owner=%s epoch=%d expires=%s", taskID, owner, task.LeaseEpoch, expires)
		return nil
	})
}

// Release returns a spawned task to the pool without a result, clearing the
// lease.
func (s *Store) Release(taskID string) error {
	return s.mutate(func(board *model.Board) error {
		task := findTask(board, taskID)
		if task == nil {
			return fmt.Errorf("release %s: %w", taskID, ErrTaskNotFound)
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusPending); err != nil {
			return fmt.Errorf("release %s: %w", taskID, err)
		}
		task.Status = model.StatusPending
		clearLease(task)
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		s.log(LogLevelInfo, "release id=%s", taskID)
		return nil
	})
}

// SetStatus applies a validated status transition, clearing the lease when
// the task leaves spawned. lastError annotates failures; pass empty to leave
// the prior annotation in place.
func (s *Store) SetStatus(taskID string, status model.Status, lastError string) error {
	return s.mutate(func(board *model.Board) error {
		task := findTask(board, taskID)
		if task == nil {
			return fmt.Errorf("set status %s: %w", taskID, ErrTaskNotFound)
		}
		if err := model.ValidateTaskTransition(task.Status, status); err != nil {
			return fmt.Errorf("set status %s: %w", taskID, err)
		}
		task.Status = status
		if status != model.StatusSpawned {
			clearLease(task)
		}
		if lastError != "" {
			errStr := lastError
			task.LastError = &errStr
		}
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		s.log(LogLevelInfo, "status id=%s status=%s", taskID, status)
		return nil
	})
}

// GetOwner returns the current lease owner, or empty when unclaimed.
func (s *Store) GetOwner(taskID string) (string, error) {
	board, err := s.Load()
	if err != nil {
		return "", err
	}
	task := findTask(board, taskID)
	if task == nil {
		return "", fmt.Errorf("get owner %s: %w", taskID, ErrTaskNotFound)
	}
	if task.LeaseOwner == nil {
		return "", nil
	}
	return *task.LeaseOwner, nil
}

// Heartbeat extends the caller's lease. A mismatched owner means the claim
// was recovered and re-issued; the caller must stop working on the task.
func (s *Store) Heartbeat(taskID, owner string) error {
	return s.mutate(func(board *model.Board) error {
		task := findTask(board, taskID)
		if task == nil {
			return fmt.Errorf("heartbeat %s: %w", taskID, ErrTaskNotFound)
		}
		if task.LeaseOwner == nil || *task.LeaseOwner != owner {
			return fmt.Errorf("heartbeat %s: %w", taskID, ErrNotOwner)
		}
		expires := time.Now().UTC().Add(time.Duration(s.leaseSec) * time.Second).Format(time.RFC3339)
		task.LeaseExpiresAt = &expires
		return nil
	})
}

// FindStale returns spawned tasks whose lease expired more than threshold
// ago. These are orphans: their owner stopped heartbeating.
func (s *Store) FindStale(threshold time.Duration) ([]model.Task, error) {
	board, err := s.Load()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []model.Task
	for _, t := range board.Tasks {
		if t.Status != model.StatusSpawned || t.LeaseExpiresAt == nil {
			continue
		}
		expires, err := time.Parse(time.RFC3339, *t.LeaseExpiresAt)
		if err != nil {
			// An unparseable lease stamp is treated as stale: better to
			// recover a live claim than to strand a task forever.
			stale = append(stale, t)
			continue
		}
		if expires.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

// RecoverStale releases every stale claim back to the pool and reports how
// many were recovered. Recovery is informational, not an error path.
func (s *Store) RecoverStale(threshold time.Duration) (int, error) {
	stale, err := s.FindStale(threshold)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range stale {
		owner := ""
		if t.LeaseOwner != nil {
			owner = *t.LeaseOwner
		}
		if err := s.Release(t.ID); err != nil {
			s.log(LogLevelWarn, "orphan recovery failed id=%s error=%v", t.ID, err)
			continue
		}
		recovered++
		s.log(LogLevelInfo, "orphan recovered id=%s owner=%s epoch=%d", t.ID, owner, t.LeaseEpoch)
		if s.bus != nil {
			s.bus.Publish(events.EventOrphanRecovered, map[string]interface{}{
				"task_id": t.ID,
				"owner":   owner,
				"epoch":   t.LeaseEpoch,
			})
		}
	}
	return recovered, nil
}

// AddTask appends a new task to the board with defaults filled in.
func (s *Store) AddTask(task model.Task) error {
	return s.mutate(func(board *model.Board) error {
		if findTask(board, task.ID) != nil {
			return fmt.Errorf("add task: duplicate id %q", task.ID)
		}
		if task.Status == "" {
			task.Status = model.StatusPending
		}
		if task.CreatedAt == "" {
			task.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		task.UpdatedAt = task.CreatedAt
		board.Tasks = append(board.Tasks, task)
		return Validate(board)
	})
}

func clearLease(task *model.Task) {
	task.LeaseOwner = nil
	task.LeaseExpiresAt = nil
}
