package orchestrator

import (
	"testing"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

func TestClassifyNewWhenNoRow(t *testing.T) {
	got := Classify(false, importstate.Ranges[int64]{}, 1000, 5)
	if got != StateNew {
		t.Fatalf("expected NEW, got %s", got)
	}
}

func TestClassifyActiveWhenBehindHead(t *testing.T) {
	covered := importstate.Ranges[int64]{Covered: []rangeutil.Range[int64]{{From: 0, To: 900}}}
	got := Classify(true, covered, 1000, 5)
	if got != StateActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
}

func TestClassifyCaughtUpWithinPropagationMargin(t *testing.T) {
	covered := importstate.Ranges[int64]{Covered: []rangeutil.Range[int64]{{From: 0, To: 996}}}
	got := Classify(true, covered, 1000, 5)
	if got != StateCaughtUp {
		t.Fatalf("expected CAUGHT_UP, got %s", got)
	}
}

func TestClassifyReentersActiveAsChainAdvances(t *testing.T) {
	covered := importstate.Ranges[int64]{Covered: []rangeutil.Range[int64]{{From: 0, To: 996}}}
	if got := Classify(true, covered, 1000, 5); got != StateCaughtUp {
		t.Fatalf("expected CAUGHT_UP at head 1000, got %s", got)
	}
	if got := Classify(true, covered, 1100, 5); got != StateActive {
		t.Fatalf("expected ACTIVE once the head moves ahead, got %s", got)
	}
}

func TestHighestCoveredEmptyIsNegativeOne(t *testing.T) {
	if got := importstate.Ranges[int64]{}; HighestCovered(got) != -1 {
		t.Fatalf("expected -1 for no covered ranges")
	}
}
