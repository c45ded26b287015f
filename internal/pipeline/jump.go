package pipeline

import "fmt"

// JumpTarget is the policy applied when a step cannot (or should not) run
// again: advance, repeat, back up, or abort the run.
type JumpTarget int

const (
	JumpNext JumpTarget = iota
	JumpSelf
	JumpPrev
	JumpAbort
)

func (j JumpTarget) String() string {
	switch j {
	case JumpNext:
		return "next"
	case JumpSelf:
		return "self"
	case JumpPrev:
		return "prev"
	case JumpAbort:
		return "abort"
	default:
		return fmt.Sprintf("JumpTarget(%d)", int(j))
	}
}

// ParseJumpTarget maps the definition string to a JumpTarget. Empty defaults
// to next.
func ParseJumpTarget(s string) (JumpTarget, error) {
	switch s {
	case "", "next":
		return JumpNext, nil
	case "self":
		return JumpSelf, nil
	case "prev":
		return JumpPrev, nil
	case "abort":
		return JumpAbort, nil
	default:
		return JumpNext, fmt.Errorf("invalid jump target %q", s)
	}
}

// ResolveJump computes the next step index for a jump from currentIndex in a
// table of stepCount steps. prev clamps at index 0; next past the last index
// reports completion; abort reports abort.
func ResolveJump(target JumpTarget, currentIndex, stepCount int) (nextIndex int, done bool, abort bool) {
	switch target {
	case JumpSelf:
		return currentIndex, false, false
	case JumpPrev:
		if currentIndex <= 0 {
			return 0, false, false
		}
		return currentIndex - 1, false, false
	case JumpAbort:
		return currentIndex, false, true
	default: // JumpNext
		if currentIndex+1 >= stepCount {
			return currentIndex, true, false
		}
		return currentIndex + 1, false, false
	}
}
