package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
)

// GetProduct loads one product by its surrogate id.
func (r *Repository) GetProduct(ctx context.Context, productID int64) (models.Product, error) {
	var p models.Product
	var chain string
	var raw []byte
	err := r.db.QueryRow(ctx, `
		SELECT product_id, product_key, chain, price_feed_id, product_data
		FROM product WHERE product_id = $1`, productID,
	).Scan(&p.ProductID, &p.ProductKey, &chain, &p.PriceFeedID, &raw)
	if err != nil {
		return models.Product{}, fmt.Errorf("get product %d: %w", productID, err)
	}
	p.Chain = models.Chain(chain)
	if err := json.Unmarshal(raw, &p.ProductData); err != nil {
		return models.Product{}, fmt.Errorf("decode product_data for %d: %w", productID, err)
	}
	return p, nil
}

// GetPriceFeed loads one price feed by its surrogate id.
func (r *Repository) GetPriceFeed(ctx context.Context, priceFeedID int64) (models.PriceFeed, error) {
	var f models.PriceFeed
	var raw []byte
	err := r.db.QueryRow(ctx, `
		SELECT price_feed_id, feed_key, from_asset_key, to_asset_key, price_feed_data
		FROM price_feed WHERE price_feed_id = $1`, priceFeedID,
	).Scan(&f.PriceFeedID, &f.FeedKey, &f.FromAssetKey, &f.ToAssetKey, &raw)
	if err != nil {
		return models.PriceFeed{}, fmt.Errorf("get price feed %d: %w", priceFeedID, err)
	}
	if err := json.Unmarshal(raw, &f.PriceFeedData); err != nil {
		return models.PriceFeed{}, fmt.Errorf("decode price_feed_data for %d: %w", priceFeedID, err)
	}
	return f, nil
}

// GetLatestBalance returns the investor's most recently recorded
// balance for a product, used to seed the running total a gov vault's
// transfer-derived balance is accumulated from. The zero decimal and
// found=false mean the investor has no prior snapshot, i.e. their
// balance starts at zero.
func (r *Repository) GetLatestBalance(ctx context.Context, productID, investorID int64) (decimal.Decimal, bool, error) {
	var raw string
	err := r.db.QueryRow(ctx, `
		SELECT balance::text FROM investment_ts
		WHERE product_id = $1 AND investor_id = $2
		ORDER BY datetime DESC LIMIT 1`, productID, investorID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get latest balance for product %d investor %d: %w", productID, investorID, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse latest balance for product %d investor %d: %w", productID, investorID, err)
	}
	return balance, true, nil
}

// ListActiveProducts returns every row of product, unfiltered, the
// source of both the recent and historical target
// lists (product discovery itself is out of this engine's scope; it
// only reads what discovery already wrote to `product`).
func (r *Repository) ListActiveProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := r.db.Query(ctx, `SELECT product_id, product_key, chain, price_feed_id, product_data FROM product`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		var chain string
		var raw []byte
		if err := rows.Scan(&p.ProductID, &p.ProductKey, &chain, &p.PriceFeedID, &raw); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.Chain = models.Chain(chain)
		if err := json.Unmarshal(raw, &p.ProductData); err != nil {
			return nil, fmt.Errorf("decode product_data for %s: %w", p.ProductKey, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActivePriceFeeds returns every feed with priceFeedData.active set,
// the oracle-price pipeline's target list.
func (r *Repository) ListActivePriceFeeds(ctx context.Context) ([]models.PriceFeed, error) {
	rows, err := r.db.Query(ctx, `
		SELECT price_feed_id, feed_key, from_asset_key, to_asset_key, price_feed_data
		FROM price_feed WHERE (price_feed_data->>'active')::boolean IS TRUE`)
	if err != nil {
		return nil, fmt.Errorf("list price feeds: %w", err)
	}
	defer rows.Close()

	var out []models.PriceFeed
	for rows.Next() {
		var f models.PriceFeed
		var raw []byte
		if err := rows.Scan(&f.PriceFeedID, &f.FeedKey, &f.FromAssetKey, &f.ToAssetKey, &raw); err != nil {
			return nil, fmt.Errorf("scan price feed: %w", err)
		}
		if err := json.Unmarshal(raw, &f.PriceFeedData); err != nil {
			return nil, fmt.Errorf("decode price_feed_data for %s: %w", f.FeedKey, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// targetLister adapts the product/feed tables to orchestrator.Lister,
// producing one target per share-rate-eligible product, one per product
// (investment tracking applies to boosts too), and one per active price
// feed.
type targetLister struct {
	repo *Repository
}

// NewTargetLister builds the orchestrator.Lister backing both pipeline
// factories in cmd/importer.
func NewTargetLister(repo *Repository) orchestrator.Lister {
	return &targetLister{repo: repo}
}

func (l *targetLister) ListAllTargets(ctx context.Context) ([]orchestrator.Target, error) {
	products, err := l.repo.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	feeds, err := l.repo.ListActivePriceFeeds(ctx)
	if err != nil {
		return nil, err
	}
	return buildTargets(products, feeds), nil
}

// ListLiveTargets is the same set today: product discovery already
// excludes retired products from `product`, so there is no separate
// "paused but still backfilling" set to filter out here.
func (l *targetLister) ListLiveTargets(ctx context.Context) ([]orchestrator.Target, error) {
	return l.ListAllTargets(ctx)
}

func buildTargets(products []models.Product, feeds []models.PriceFeed) []orchestrator.Target {
	var out []orchestrator.Target
	for _, p := range products {
		out = append(out, orchestrator.Target{
			ImportKey:              fmt.Sprintf("product:investment:%d", p.ProductID),
			Kind:                   importstate.KindProductInvestment,
			Chain:                  p.Chain,
			ContractCreatedAtBlock: p.ProductData.ContractCreatedAtBlock,
		})
		if p.IsShareRateEligible() {
			out = append(out, orchestrator.Target{
				ImportKey:              fmt.Sprintf("product:share-rate:%d", p.ProductID),
				Kind:                   importstate.KindProductShareRate,
				Chain:                  p.Chain,
				ContractCreatedAtBlock: p.ProductData.ContractCreatedAtBlock,
				PriceFeedID:            p.PriceFeedID,
			})
		}
	}
	for _, f := range feeds {
		out = append(out, orchestrator.Target{
			ImportKey:   fmt.Sprintf("oracle:price:%d", f.PriceFeedID),
			Kind:        importstate.KindOraclePrice,
			PriceFeedID: f.PriceFeedID,
		})
	}
	return out
}
