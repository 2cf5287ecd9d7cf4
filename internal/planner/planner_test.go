package planner

import (
	"reflect"
	"testing"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

func TestHistoricalBlockRangesScenario2(t *testing.T) {
	// §8 Scenario 2: covered=[[900,950]], head=1000 -> gap [951,995]
	// split to 40 -> [956,995],[951,955].
	ranges := importstate.Ranges[int64]{Covered: []rangeutil.Range[int64]{{From: 900, To: 950}}}
	limits := Limits{MaxBlocksPerQuery: 40, MaxRangesToGenerate: 20}

	got := HistoricalBlockRanges(ranges, 900, 1000, limits)
	want := []rangeutil.Range[int64]{{From: 956, To: 995}, {From: 951, To: 955}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestHistoricalBlockRangesScenario3RetryOnly(t *testing.T) {
	// §8 Scenario 3: toRetry=[[910,915]], covered=[[900,950],[960,1000]]
	// -> primary empty, then retry [910,915].
	ranges := importstate.Ranges[int64]{
		Covered: []rangeutil.Range[int64]{{From: 900, To: 950}, {From: 960, To: 1000}},
		ToRetry: []rangeutil.Range[int64]{{From: 910, To: 915}},
	}
	limits := Limits{MaxBlocksPerQuery: 40, MaxRangesToGenerate: 20}

	got := HistoricalBlockRanges(ranges, 900, 955, limits)
	want := []rangeutil.Range[int64]{{From: 910, To: 915}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestHistoricalBlockRangesTruncatesToMax(t *testing.T) {
	ranges := importstate.Ranges[int64]{}
	limits := Limits{MaxBlocksPerQuery: 10, MaxRangesToGenerate: 3}

	got := HistoricalBlockRanges(ranges, 0, 1000, limits)
	if len(got) != 3 {
		t.Fatalf("expected truncation to 3 ranges, got %d", len(got))
	}
}

func TestHistoricalBlockRangesNeverExceedsHeadMinusMargin(t *testing.T) {
	// Invariant 4 (§8): planner output never includes a block strictly
	// greater than head - P.
	ranges := importstate.Ranges[int64]{}
	limits := Limits{MaxBlocksPerQuery: 40, MaxRangesToGenerate: 0}

	got := HistoricalBlockRanges(ranges, 900, 1000, limits)
	for _, r := range got {
		if r.To > 1000-PropagationMargin {
			t.Fatalf("range %v exceeds head-P bound %d", r, 1000-PropagationMargin)
		}
	}
}

func TestLatestRangeClampsToContractCreation(t *testing.T) {
	limits := Limits{MaxBlocksPerQuery: 2000, BlocksIn1Hour: 1200}
	got := LatestRange(899, 1000, 950, limits)
	if got == nil {
		t.Fatal("expected a range")
	}
	if got.From < 950 {
		t.Fatalf("expected From clamped to contract creation 950, got %d", got.From)
	}
}

func TestLatestRangeNoNewBlocksReturnsNil(t *testing.T) {
	limits := Limits{MaxBlocksPerQuery: 2000, BlocksIn1Hour: 1200}
	got := LatestRange(999, 1000, 0, limits)
	if got != nil {
		t.Fatalf("expected nil when nothing new is available, got %v", got)
	}
}

func TestPlannerDeterminism(t *testing.T) {
	// Invariant 6 (§8): identical inputs produce byte-identical outputs.
	ranges := importstate.Ranges[int64]{
		Covered: []rangeutil.Range[int64]{{From: 900, To: 950}},
		ToRetry: []rangeutil.Range[int64]{{From: 910, To: 912}},
	}
	limits := Limits{MaxBlocksPerQuery: 40, MaxRangesToGenerate: 20}

	a := HistoricalBlockRanges(ranges, 900, 1000, limits)
	b := HistoricalBlockRanges(ranges, 900, 1000, limits)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("two invocations diverged: %v vs %v", a, b)
	}
}
