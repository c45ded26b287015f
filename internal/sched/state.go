package sched

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/ringmaster/internal/backoff"
	"github.com/msageha/ringmaster/internal/model"
)

// Pool identifies which worker capacity class a run occupies.
type Pool int

const (
	PoolMain Pool = iota
	PoolFix
)

func (p Pool) String() string {
	if p == PoolFix {
		return "fix"
	}
	return "main"
}

// Decision is the outcome of one tick: at most one task to spawn.
type Decision struct {
	TaskID string
	Pool   Pool
}

// State owns all mutable scheduling state: cooldowns, aging counters, and
// the two slot pools. It is an explicit store so tests can run independent
// instances; all methods are safe for the tick loop and run-completion
// callbacks to call concurrently, but a task bound to a slot is only ever
// mutated by its own completion callback.
type State struct {
	mu sync.Mutex

	params        Params
	maxWorkers    int
	priorityLimit int

	// cooldown is the live skip counter decayed every tick. cooldownLevel
	// remembers the last value assigned by a failure: the live counter has
	// always decayed back to 0 by the time the task is respawnable, so the
	// consecutive-failure walk up the sequence has to advance from the
	// remembered level, not the decayed one.
	cooldown      map[string]int
	cooldownLevel map[string]int
	aging         map[string]int

	// mainSlots holds a snapshot of each spawned main-pool task so the
	// conflict detector can see its file set without re-reading the board.
	mainSlots map[string]model.Task
	fixSlots  map[string]bool

	runCount      int
	failCount     int
	totalDuration time.Duration
}

// NewState creates a scheduler state store from config.
func NewState(cfg model.SchedulerConfig) *State {
	return &State{
		params:        ParamsFromConfig(cfg),
		maxWorkers:    cfg.MaxWorkersOrDefault(),
		priorityLimit: cfg.PriorityLimitOrDefault(),
		cooldown:      make(map[string]int),
		cooldownLevel: make(map[string]int),
		aging:         make(map[string]int),
		mainSlots:     make(map[string]model.Task),
		fixSlots:      make(map[string]bool),
	}
}

// Tick runs one scheduling pass over the current board view: age eligible
// pending tasks, decay cooldowns, then pick at most one task for the main
// pool. The chosen task's slot is reserved here; the caller must either
// claim the task on the board or Rollback the reservation.
func (s *State) Tick(tasks []model.Task) *Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusByID := make(map[string]model.Status, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
	}

	for _, t := range tasks {
		if t.Status == model.StatusPending && depsMerged(t, statusByID) {
			s.aging[t.ID]++
		}
	}

	for id, cd := range s.cooldown {
		if cd > 0 {
			s.cooldown[id] = backoff.Prev(cd)
		}
	}

	if len(s.mainSlots) >= s.maxWorkers {
		return nil
	}

	activeMain := make([]model.Task, 0, len(s.mainSlots))
	for _, t := range s.mainSlots {
		activeMain = append(activeMain, t)
	}

	var eligible []model.Task
	for _, t := range tasks {
		if t.Status != model.StatusPending {
			continue
		}
		if s.cooldown[t.ID] > 0 {
			continue
		}
		if !depsMerged(t, statusByID) {
			continue
		}
		if HasFileConflict(t, activeMain) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil
	}

	blockedBy := countDependents(tasks)
	type ranked struct {
		task model.Task
		prio int
	}
	candidates := make([]ranked, 0, len(eligible))
	for _, t := range eligible {
		candidates = append(candidates, ranked{
			task: t,
			prio: EffectivePriority(t, s.params, s.aging[t.ID], blockedBy[t.ID], s.siblingsActiveLocked(t)),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prio != candidates[j].prio {
			return candidates[i].prio < candidates[j].prio
		}
		return candidates[i].task.ID < candidates[j].task.ID
	})

	chosen := candidates[0].task
	s.mainSlots[chosen.ID] = chosen
	return &Decision{TaskID: chosen.ID, Pool: PoolMain}
}

// Promote reserves a fix-pool slot for a failed task. Which failed task gets
// promoted is the caller's decision (external trigger); this only enforces
// the capacity gate and the not-already-bound rule.
func (s *State) Promote(task model.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Status != model.StatusFailed {
		return false
	}
	if len(s.fixSlots) >= s.priorityLimit {
		return false
	}
	if s.fixSlots[task.ID] {
		return false
	}
	if _, bound := s.mainSlots[task.ID]; bound {
		return false
	}
	s.fixSlots[task.ID] = true
	return true
}

// Rollback releases a reserved slot without touching cooldown state. Used
// when the board claim for a tick's decision loses the race to another
// coordinator.
func (s *State) Rollback(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mainSlots, taskID)
	delete(s.fixSlots, taskID)
}

// OnRunComplete releases the task's slot and applies completion effects:
// main-pool failure advances the skip-cooldown one step up the sequence;
// fix-pool failure leaves cooldown untouched; success clears the task's
// scheduling counters entirely.
func (s *State) OnRunComplete(taskID string, pool Pool, success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mainSlots, taskID)
	delete(s.fixSlots, taskID)

	s.runCount++
	s.totalDuration += duration
	if success {
		delete(s.cooldown, taskID)
		delete(s.cooldownLevel, taskID)
		delete(s.aging, taskID)
		return
	}

	s.failCount++
	if pool == PoolMain {
		level := backoff.Next(s.cooldownLevel[taskID])
		s.cooldownLevel[taskID] = level
		s.cooldown[taskID] = level
	}
}

// Cooldown returns the task's current skip-cooldown value.
func (s *State) Cooldown(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldown[taskID]
}

// Aging returns the task's current aging-tick count.
func (s *State) Aging(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aging[taskID]
}

// MainOccupancy returns the current main-pool slot count.
func (s *State) MainOccupancy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mainSlots)
}

// FixOccupancy returns the current fix-pool slot count.
func (s *State) FixOccupancy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fixSlots)
}

// Snapshot is a point-in-time view of scheduler state for status reporting.
type Snapshot struct {
	MainActive []string       `json:"main_active"`
	FixActive  []string       `json:"fix_active"`
	Cooldowns  map[string]int `json:"cooldowns,omitempty"`
	RunCount   int            `json:"run_count"`
	FailCount  int            `json:"fail_count"`
	AvgRunMs   int64          `json:"avg_run_ms"`
}

// Snapshot captures the current pools, cooldowns and run metrics.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		MainActive: make([]string, 0, len(s.mainSlots)),
		FixActive:  make([]string, 0, len(s.fixSlots)),
		Cooldowns:  make(map[string]int),
		RunCount:   s.runCount,
		FailCount:  s.failCount,
	}
	for id := range s.mainSlots {
		snap.MainActive = append(snap.MainActive, id)
	}
	for id := range s.fixSlots {
		snap.FixActive = append(snap.FixActive, id)
	}
	sort.Strings(snap.MainActive)
	sort.Strings(snap.FixActive)
	for id, cd := range s.cooldown {
		if cd > 0 {
			snap.Cooldowns[id] = cd
		}
	}
	if s.runCount > 0 {
		snap.AvgRunMs = s.totalDuration.Milliseconds() / int64(s.runCount)
	}
	return snap
}

// Forget drops all scheduling state for a task removed from the board.
func (s *State) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldown, taskID)
	delete(s.cooldownLevel, taskID)
	delete(s.aging, taskID)
	delete(s.mainSlots, taskID)
	delete(s.fixSlots, taskID)
}

func (s *State) siblingsActiveLocked(task model.Task) int {
	if task.Group == "" {
		return 0
	}
	count := 0
	for id, active := range s.mainSlots {
		if id == task.ID {
			continue
		}
		if active.Group == task.Group {
			count++
		}
	}
	return count
}

func depsMerged(task model.Task, statusByID map[string]model.Status) bool {
	for _, dep := range task.DependsOn {
		if statusByID[dep] != model.StatusMerged {
			return false
		}
	}
	return true
}

func countDependents(tasks []model.Task) map[string]int {
	counts := make(map[string]int)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			counts[dep]++
		}
	}
	return counts
}
