// Package backoff implements the skip-cooldown sequence applied to tasks
// whose main-pool worker failed.
package backoff

// sequence is the closed set of legal cooldown values. Failures walk it
// forward one step at a time; decay ticks walk it backward.
var sequence = []int{0, 1, 2, 4, 8, 16, 30}

// Max is the cooldown ceiling.
const Max = 30

// Next returns the cooldown after one more consecutive failure. Values
// outside the sequence snap to the next legal value above them.
func Next(current int) int {
	for _, v := range sequence {
		if v > current {
			return v
		}
	}
	return Max
}

// Prev returns the cooldown after one decay tick (halving, snapped to the
// sequence). Prev(1) == 0 and Prev(0) == 0.
func Prev(current int) int {
	if current <= 0 {
		return 0
	}
	for i := len(sequence) - 1; i >= 0; i-- {
		if sequence[i] < current {
			return sequence[i]
		}
	}
	return 0
}

// Valid reports whether v is a member of the cooldown sequence.
func Valid(v int) bool {
	for _, s := range sequence {
		if s == v {
			return true
		}
	}
	return false
}
