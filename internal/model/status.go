package model

import "fmt"

type Status string

const (
	StatusPending Status = "pending"
	StatusSpawned Status = "spawned"
	StatusMerged  Status = "merged"
	StatusFailed  Status = "failed"
)

// merged is the only true terminal status. failed tasks can be re-spawned by
// the fix pool, so the transition table treats failed as re-enterable.
var terminalStatuses = map[Status]bool{
	StatusMerged: true,
}

// Task status transitions:
//
//	pending → spawned → {merged | failed}
//	failed  → spawned (fix-pool promotion) → {merged | failed}
//	spawned → pending (lease release / orphan recovery)
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusSpawned: true,
	},
	StatusSpawned: {
		StatusPending: true, // lease released → back to the pool
		StatusMerged:  true,
		StatusFailed:  true,
	},
	StatusFailed: {
		StatusSpawned: true, // fix-pool retry
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// RunStatus is the lifecycle of one pipeline run instance.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)
