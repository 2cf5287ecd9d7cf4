// Package planner implements the pure query-planner transformation of
// §4.5: given an import state and the current chain head, it produces a
// bounded, prioritized list of ranges for the stream engine to fetch
// next. Every function here is deterministic and side-effect free
// (testable property 6, §8) — no RPC calls, no database reads.
package planner

import (
	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// PropagationMargin is the fixed number of blocks near the chain head
// the planner never reads from, so a request never races a reorg still
// settling at the tip (§4.5's P).
const PropagationMargin = 5

// Limits bundles the per-chain tunables the planner needs; callers load
// these from configuration (§13) rather than hardcoding them here.
type Limits struct {
	MaxBlocksPerQuery    int64
	BlocksIn1Hour        int64
	MaxRangesToGenerate  int
	PriceMaxQueryRangeMs int64
}

// LatestRange computes the recent-tail window (§4.5 "Latest-range").
// lastImported is the highest block already covered; head is the
// current chain tip (or a caller-supplied forceHead). Returns nil if
// there is nothing new to fetch.
func LatestRange(lastImported, head int64, contractCreatedAtBlock int64, limits Limits) *rangeutil.Range[int64] {
	available := head - lastImported - 1
	target := min3(limits.MaxBlocksPerQuery, limits.BlocksIn1Hour, available)
	if target <= 0 {
		return nil
	}

	from := head - target - PropagationMargin
	to := head - PropagationMargin
	if from < contractCreatedAtBlock {
		// Open question 2: clamp instead of underflowing past contract
		// creation.
		from = contractCreatedAtBlock
	}
	if from > to {
		return nil
	}
	return &rangeutil.Range[int64]{From: from, To: to}
}

func min3(a, b, c int64) int64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// HistoricalBlockRanges implements §4.5's "Historical block ranges":
// the gap between contract creation and head-minus-margin, split to
// maxBlocksPerQuery and sorted newest-first, followed by toRetry split
// and sorted oldest-first, truncated to MaxRangesToGenerate (open
// question 1: oldest-first retries, appended after newest-first primary
// work).
func HistoricalBlockRanges(ranges importstate.Ranges[int64], contractCreatedAtBlock, head int64, limits Limits) []rangeutil.Range[int64] {
	upper := head - PropagationMargin
	if upper < contractCreatedAtBlock {
		return nil
	}

	full := []rangeutil.Range[int64]{{From: contractCreatedAtBlock, To: upper}}
	gaps := rangeutil.Exclude(full, ranges.Covered, rangeutil.BlockAdjacency[int64])
	primary := rangeutil.SortDesc(rangeutil.SplitToMaxLength(gaps, limits.MaxBlocksPerQuery))

	retry := rangeutil.Sort(rangeutil.SplitToMaxLength(ranges.ToRetry, limits.MaxBlocksPerQuery))

	out := append(primary, retry...)
	return truncate(out, limits.MaxRangesToGenerate)
}

// HistoricalDateRanges mirrors HistoricalBlockRanges for oracle price
// feeds, operating on epoch-millisecond date ranges and
// PriceMaxQueryRangeMs instead of block counts.
func HistoricalDateRanges(ranges importstate.Ranges[int64], firstDateMs, nowMs int64, limits Limits) []rangeutil.Range[int64] {
	if nowMs < firstDateMs {
		return nil
	}
	full := []rangeutil.Range[int64]{{From: firstDateMs, To: nowMs}}
	gaps := rangeutil.Exclude(full, ranges.Covered, rangeutil.DateAdjacency[int64])
	primary := rangeutil.SortDesc(rangeutil.SplitToMaxLength(gaps, limits.PriceMaxQueryRangeMs))

	retry := rangeutil.Sort(rangeutil.SplitToMaxLength(ranges.ToRetry, limits.PriceMaxQueryRangeMs))

	out := append(primary, retry...)
	return truncate(out, limits.MaxRangesToGenerate)
}

// TimestepBlock is one entry of the precomputed timestep→block
// interpolation table RegularIntervalRanges consumes.
type TimestepBlock struct {
	TimestepMs  int64
	BlockNumber int64
}

// RegularIntervalRanges implements §4.5's share-rate sampling plan:
// keep only precomputed entries within the parent's covered ranges,
// extrapolate beyond them to the current head using the average block
// delta of the last N timesteps, form consecutive block ranges between
// successive sample points, then run the usual exclude/split/sort/
// truncate pipeline with rangeMaxLength = min(avgBlocksPerTimestep,
// maxBlocksPerQuery).
func RegularIntervalRanges(precomputed []TimestepBlock, parentCovered []rangeutil.Range[int64], ownRanges importstate.Ranges[int64], head int64, timeStepMs int64, limits Limits) []rangeutil.Range[int64] {
	const avgWindow = 40

	var kept []TimestepBlock
	for _, tb := range precomputed {
		if rangeutil.ContainsAny(parentCovered, tb.BlockNumber) {
			kept = append(kept, tb)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	avgDelta := averageBlockDelta(kept, avgWindow)
	last := kept[len(kept)-1]
	extrapolated := append([]TimestepBlock{}, kept...)
	if avgDelta > 0 {
		for ts, blk := last.TimestepMs+timeStepMs, last.BlockNumber+avgDelta; blk <= head-PropagationMargin; ts, blk = ts+timeStepMs, blk+avgDelta {
			extrapolated = append(extrapolated, TimestepBlock{TimestepMs: ts, BlockNumber: blk})
		}
	}

	var consecutive []rangeutil.Range[int64]
	for i := 1; i < len(extrapolated); i++ {
		from := extrapolated[i-1].BlockNumber
		to := extrapolated[i].BlockNumber
		if to < from {
			continue
		}
		consecutive = append(consecutive, rangeutil.Range[int64]{From: from, To: to})
	}
	merged := rangeutil.Merge(consecutive, rangeutil.BlockAdjacency[int64])

	rangeMaxLength := limits.MaxBlocksPerQuery
	if avgDelta > 0 && avgDelta < rangeMaxLength {
		rangeMaxLength = avgDelta
	}

	gaps := rangeutil.Exclude(merged, ownRanges.Covered, rangeutil.BlockAdjacency[int64])
	primary := rangeutil.SortDesc(rangeutil.SplitToMaxLength(gaps, rangeMaxLength))
	retry := rangeutil.Sort(rangeutil.SplitToMaxLength(ownRanges.ToRetry, rangeMaxLength))

	out := append(primary, retry...)
	return truncate(out, limits.MaxRangesToGenerate)
}

func averageBlockDelta(kept []TimestepBlock, window int) int64 {
	if len(kept) < 2 {
		return 0
	}
	start := 0
	if len(kept)-window > start {
		start = len(kept) - window
	}
	span := kept[len(kept)-1].BlockNumber - kept[start].BlockNumber
	steps := int64(len(kept) - 1 - start)
	if steps <= 0 {
		return 0
	}
	return span / steps
}

// truncate caps out at n entries, preserving order. A non-positive n
// disables truncation.
func truncate(out []rangeutil.Range[int64], n int) []rangeutil.Range[int64] {
	if n <= 0 || len(out) <= n {
		return out
	}
	return out[:n]
}
