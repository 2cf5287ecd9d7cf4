package orchestrator

import (
	"context"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// Target is the unit the historical-recent factory schedules work for: a
// product's transfer/share-rate stream or a price feed's date stream
// (§4.8). ImportKey is the durable key its import-state row lives under.
type Target struct {
	ImportKey              string
	Kind                   importstate.Kind
	Chain                  models.Chain
	ContractCreatedAtBlock int64
	PriceFeedID            int64
}

// Lister enumerates the targets a pipeline tick should consider. The
// "live" set (recent pipeline) and the full set (historical pipeline)
// may differ, e.g. a retired product still needs historical backfill
// but is excluded from the live tail.
type Lister interface {
	ListLiveTargets(ctx context.Context) ([]Target, error)
	ListAllTargets(ctx context.Context) ([]Target, error)
}

// HeadResolver returns the current chain head for a chain, the way
// loaders.LatestBlockFetcher does once wrapped behind its cache.
type HeadResolver func(ctx context.Context, chain models.Chain) (int64, error)

// RangeProcessor runs the downstream work for one target's range
// (decode transfers, sample PPFS, fetch a price window, and persist the
// result) and reports whether the range should be considered covered.
type RangeProcessor func(ctx context.Context, target Target, r rangeutil.Range[int64]) error

// IndexingErrorLogger persists a failed range to the indexing-error
// ledger for operator visibility. A nil logger on a pipeline is a
// silent no-op, so tests and single-target callers can leave it unset.
type IndexingErrorLogger interface {
	LogIndexingError(ctx context.Context, importKey string, from, to int64, errorClass, message string) error
}
