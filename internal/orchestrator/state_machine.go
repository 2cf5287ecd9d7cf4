// Package orchestrator wires the planner, import-state store and stream
// operators into the two recurring pipelines described in §4.8: a
// "recent" tail that chases the chain head and a "historical" backfill
// that works through the gap and the retry queue. It is grounded on the
// teacher's ingester Service, which runs the same forward/backward split
// as one ticking loop per service name (§4.8-4.9 of the specification).
package orchestrator

import "github.com/beefy-bi/import-engine/internal/importstate"

// RunState is the implicit per-import-key state from §4.9. It is never
// stored; every call derives it fresh from the current range set.
type RunState string

const (
	// StateNew means no import-state row exists yet for the key.
	StateNew RunState = "NEW"
	// StateActive means covered ranges have not yet reached the head
	// within the propagation margin.
	StateActive RunState = "ACTIVE"
	// StateCaughtUp means the covered ranges reach the head within the
	// margin. A key re-enters ACTIVE as the chain advances; it is never
	// retired.
	StateCaughtUp RunState = "CAUGHT_UP"
)

// Classify derives a key's run state from its covered block ranges and
// the current chain head. exists is false when no import-state row has
// been fetched yet for the key (the NEW case).
func Classify(exists bool, covered importstate.Ranges[int64], head int64, propagationMargin int64) RunState {
	if !exists {
		return StateNew
	}
	highest := highestCoveredBlock(covered)
	if highest >= head-propagationMargin {
		return StateCaughtUp
	}
	return StateActive
}

func highestCoveredBlock(r importstate.Ranges[int64]) int64 {
	return HighestCovered(r)
}

// HighestCovered returns the highest block or date already covered, or
// -1 if nothing has been covered yet. The recent tail reads it as its
// high-water mark to know where to resume; the historical backfill
// does not use it.
func HighestCovered(r importstate.Ranges[int64]) int64 {
	var max int64 = -1
	for _, rg := range r.Covered {
		if rg.To > max {
			max = rg.To
		}
	}
	return max
}
