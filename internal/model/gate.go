package model

import "fmt"

// GateResult is the outcome token a pipeline step's agent reports back.
// It is the only signal the pipeline runner uses for control flow.
type GateResult string

const (
	GatePass    GateResult = "PASS"
	GateFail    GateResult = "FAIL"
	GateFix     GateResult = "FIX"
	GateSkip    GateResult = "SKIP"
	GateStop    GateResult = "STOP"
	GateUnknown GateResult = "UNKNOWN"
)

var validGateResults = map[GateResult]bool{
	GatePass: true,
	GateFail: true,
	GateFix:  true,
	GateSkip: true,
	GateStop: true,
}

// ParseGateResult maps a raw token to a GateResult. Anything outside the
// closed set (including the empty string) is GateUnknown.
func ParseGateResult(token string) GateResult {
	g := GateResult(token)
	if validGateResults[g] {
		return g
	}
	return GateUnknown
}

// Terminal reports whether the result settles a step. FIX, STOP and UNKNOWN
// are non-terminal for repetition-tracking purposes: a step that keeps
// producing them is not making progress.
func (g GateResult) Terminal() bool {
	return g == GatePass || g == GateFail || g == GateSkip
}

// Blocking reports whether the result halts a blocking step.
func (g GateResult) Blocking() bool {
	return g == GateFail || g == GateStop
}

func (g GateResult) String() string {
	return string(g)
}

// ValidateGateResult returns an error for tokens outside the closed set.
// Used by the result-persistence layer before a record is written.
func ValidateGateResult(token string) error {
	if !validGateResults[GateResult(token)] && token != string(GateUnknown) {
		return fmt.Errorf("invalid gate result token: %q", token)
	}
	return nil
}
