package engine

import (
	"context"
	"fmt"

	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// processOraclePrice pulls off-chain price history for one feed over
// r (milliseconds since epoch on both ends, per planner.HistoricalDateRanges)
// and upserts whatever the provider
// returns. An empty window (provider has nothing new) is not an error.
func (d *Dispatcher) processOraclePrice(ctx context.Context, target orchestrator.Target, r rangeutil.Range[int64]) error {
	feed, err := d.PriceFeeds.GetPriceFeed(ctx, target.PriceFeedID)
	if err != nil {
		return err
	}

	points, err := d.PriceFeed.Fetch(ctx, loaders.PriceFeedQuery{
		Feed:       feed,
		FromDateMs: r.From,
		ToDateMs:   r.To,
	})
	if err != nil {
		return fmt.Errorf("fetch price history for %s: %w", target.ImportKey, err)
	}
	if len(points) == 0 {
		return nil
	}
	return d.Products.UpsertPricePoints(ctx, points)
}
