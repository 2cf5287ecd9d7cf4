package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// processShareRate samples getPricePerFullShare() once at r.To, the
// historical/recent pipeline's one-sample-per-range convention for PPFS
// (there is no per-transfer signal to key the sample off, unlike
// investment snapshots).
func (d *Dispatcher) processShareRate(ctx context.Context, target orchestrator.Target, r rangeutil.Range[int64]) error {
	productID, err := parseTrailingID(target.ImportKey)
	if err != nil {
		return err
	}
	product, err := d.Products.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if err := loaders.ValidateShareRateEligible(product); err != nil {
		return err
	}
	cc, err := d.chainClient(product.Chain)
	if err != nil {
		return err
	}

	fetcher := &loaders.PPFSFetcher{Client: cc.ETH}
	price, err := fetcher.Fetch(ctx, loaders.PPFSQuery{
		VaultAddress:  common.HexToAddress(product.ProductData.ContractAddress),
		VaultDecimals: product.ProductData.TokenDecimals,
		BlockNumber:   r.To,
	})
	if err != nil {
		return fmt.Errorf("fetch ppfs for %s at block %d: %w", target.ImportKey, r.To, err)
	}

	datetime, err := cc.BlockTime(ctx, r.To)
	if err != nil {
		return fmt.Errorf("resolve block time for %s block %d: %w", target.ImportKey, r.To, err)
	}

	blockNumber := uint64(r.To)
	return d.Products.UpsertPricePoints(ctx, []models.PricePoint{{
		Datetime:    datetime,
		PriceFeedID: target.PriceFeedID,
		BlockNumber: &blockNumber,
		Price:       price,
	}})
}
