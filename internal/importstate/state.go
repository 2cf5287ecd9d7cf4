// Package importstate models the durable, per-import-key record that
// tracks which block or date ranges an import key has already covered
// and which ranges are queued for retry (§3.3, §4.2 of the
// specification). The payload is polymorphic over its Kind; hydration
// of the range lists (block vs date) dispatches on that tag.
package importstate

import (
	"time"

	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// Kind tags the variant of data an import-state record carries.
type Kind string

const (
	KindProductInvestment Kind = "product:investment"
	KindProductShareRate  Kind = "product:share-rate"
	KindOraclePrice       Kind = "oracle:price"
)

// Adjacency picks the adjacency function appropriate for this Kind's
// range unit: block numbers for the two product kinds, epoch-millisecond
// dates for oracle price feeds.
func (k Kind) Adjacency() rangeutil.AdjacencyFunc[int64] {
	if k == KindOraclePrice {
		return rangeutil.DateAdjacency[int64]
	}
	return rangeutil.BlockAdjacency[int64]
}

// Ranges is the covered/to-retry pair every import-state variant carries,
// generic over the unit (block number or epoch-millisecond date).
type Ranges[T rangeutil.Ordered] struct {
	Covered []rangeutil.Range[T]
	ToRetry []rangeutil.Range[T]
}

// State is one import_state row, decoded into its Go shape. Exactly one
// of the typed payload fields is meaningful, selected by Kind.
type State struct {
	ImportKey string
	Kind      Kind

	// product:investment and product:share-rate
	ProductID              int64
	Chain                  models.Chain
	ContractCreatedAtBlock uint64
	ContractCreationDate   time.Time
	ChainLatestBlockNumber uint64
	BlockRanges            Ranges[int64]

	// product:share-rate only
	PriceFeedID int64

	// oracle:price
	FirstDate  time.Time
	DateRanges Ranges[int64]
}

// RangeUpdate describes one range's outcome to fold into an import
// state: it either succeeded (moves into Covered) or failed (moves into
// ToRetry), per §3.2's update law.
type RangeUpdate[T rangeutil.Ordered] struct {
	Range   rangeutil.Range[T]
	Success bool
}

// ApplyRangeUpdate folds a batch of success/error ranges into a Ranges
// pair, implementing the law from §3.2:
//
//	coveredRanges' = merge(coveredRanges ∪ successRanges)
//	toRetry'       = merge((toRetry ∪ errorRanges) \ successRanges)
//
// The result is always merged, sorted and keeps ToRetry disjoint from
// Covered (invariant 1, §8).
func ApplyRangeUpdate[T rangeutil.Ordered](cur Ranges[T], updates []RangeUpdate[T], adj rangeutil.AdjacencyFunc[T]) Ranges[T] {
	success := make([]rangeutil.Range[T], 0, len(updates))
	errs := make([]rangeutil.Range[T], 0, len(updates))
	for _, u := range updates {
		if u.Success {
			success = append(success, u.Range)
		} else {
			errs = append(errs, u.Range)
		}
	}

	covered := rangeutil.Merge(append(append([]rangeutil.Range[T]{}, cur.Covered...), success...), adj)
	retryCandidates := append(append([]rangeutil.Range[T]{}, cur.ToRetry...), errs...)
	toRetry := rangeutil.Exclude(retryCandidates, success, adj)

	return Ranges[T]{Covered: covered, ToRetry: toRetry}
}

// DefaultBlockRanges returns the empty Ranges a freshly-created
// product import-state starts with.
func DefaultBlockRanges() Ranges[int64] {
	return Ranges[int64]{}
}
