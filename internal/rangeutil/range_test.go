package rangeutil

import (
	"reflect"
	"testing"
)

func TestMergeOverlappingAndAdjacent(t *testing.T) {
	in := []Range[int64]{
		{From: 10, To: 20},
		{From: 21, To: 25}, // adjacent to previous
		{From: 30, To: 40},
		{From: 35, To: 50}, // overlaps previous
	}
	got := Merge(in, BlockAdjacency[int64])
	want := []Range[int64]{{From: 10, To: 25}, {From: 30, To: 50}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMergeDateAdjacency(t *testing.T) {
	in := []Range[int64]{{From: 100, To: 200}, {From: 200, To: 300}}
	got := Merge(in, DateAdjacency[int64])
	want := []Range[int64]{{From: 100, To: 300}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExcludeFullCoverageIsEmpty(t *testing.T) {
	a := []Range[int64]{{From: 1, To: 100}}
	b := []Range[int64]{{From: 1, To: 100}}
	got := Exclude(a, b, BlockAdjacency[int64])
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestExcludeGap(t *testing.T) {
	a := []Range[int64]{{From: 900, To: 995}}
	b := []Range[int64]{{From: 900, To: 950}}
	got := Exclude(a, b, BlockAdjacency[int64])
	want := []Range[int64]{{From: 951, To: 995}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExcludePropertyContainsEquivalence(t *testing.T) {
	a := []Range[int64]{{From: 0, To: 50}, {From: 80, To: 120}}
	b := []Range[int64]{{From: 10, To: 30}, {From: 90, To: 90}}
	got := Exclude(a, b, BlockAdjacency[int64])
	for v := int64(-5); v <= 130; v++ {
		inA := ContainsAny(a, v)
		inB := ContainsAny(b, v)
		inResult := ContainsAny(got, v)
		want := inA && !inB
		if inResult != want {
			t.Fatalf("v=%d: contains(result)=%v, want %v (inA=%v inB=%v)", v, inResult, want, inA, inB)
		}
	}
}

func TestSplitToMaxLengthUnionAndBound(t *testing.T) {
	in := []Range[int64]{{From: 951, To: 995}}
	got := SplitToMaxLength(in, 40)
	want := []Range[int64]{{From: 956, To: 995}, {From: 951, To: 955}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, r := range got {
		if r.Len() > 40 {
			t.Fatalf("range %v exceeds max length 40", r)
		}
	}
	// union must equal input
	rebuilt := Merge(got, BlockAdjacency[int64])
	if !reflect.DeepEqual(rebuilt, in) {
		t.Fatalf("union mismatch: rebuilt=%v want=%v", rebuilt, in)
	}
}

func TestSplitToMaxLengthExactMultiple(t *testing.T) {
	in := []Range[int64]{{From: 0, To: 79}}
	got := SplitToMaxLength(in, 40)
	want := []Range[int64]{{From: 40, To: 79}, {From: 0, To: 39}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSortStableOnTies(t *testing.T) {
	in := []Range[int64]{{From: 5, To: 9}, {From: 5, To: 20}, {From: 1, To: 2}}
	got := Sort(in)
	want := []Range[int64]{{From: 1, To: 2}, {From: 5, To: 9}, {From: 5, To: 20}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestContains(t *testing.T) {
	r := Range[int64]{From: 10, To: 20}
	if !r.Contains(10) || !r.Contains(20) || !r.Contains(15) {
		t.Fatal("expected endpoints and midpoint to be contained")
	}
	if r.Contains(9) || r.Contains(21) {
		t.Fatal("expected values outside the range to be excluded")
	}
}
