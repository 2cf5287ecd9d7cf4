package loaders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/models"
)

// PriceFeedQuery identifies one date-range price history request
// against the configured off-chain provider for a feed.
type PriceFeedQuery struct {
	Feed       models.PriceFeed
	FromDateMs int64
	ToDateMs   int64
}

// PriceFeedHTTPFetcher pulls historical off-chain prices for a feed's
// from-asset, the way the teacher's DefiLlama client pulls CoinGecko
// price history, generalized to any `fromAssetKey` identifier and a
// configurable base URL so a second provider (e.g. CryptoCompare) can
// be wired the same way.
type PriceFeedHTTPFetcher struct {
	HTTPClient *http.Client
	BaseURL    string // e.g. "https://coins.llama.fi/chart"
	UserAgent  string
}

type defiLlamaResponse struct {
	Coins map[string]struct {
		Prices []struct {
			Timestamp float64 `json:"timestamp"`
			Price     float64 `json:"price"`
		} `json:"prices"`
	} `json:"coins"`
}

// Fetch returns oldest-first price points for the feed's asset within
// the requested date range, skipping non-positive prices the way the
// teacher's defillama client does.
func (f *PriceFeedHTTPFetcher) Fetch(ctx context.Context, q PriceFeedQuery) ([]models.PricePoint, error) {
	startSec := q.FromDateMs / 1000
	spanDays := (q.ToDateMs - q.FromDateMs) / (1000 * 60 * 60 * 24)
	if spanDays < 1 {
		spanDays = 1
	}

	url := fmt.Sprintf("%s/coingecko:%s?start=%d&span=%d&period=1d&searchWidth=600",
		f.BaseURL, q.Feed.FromAssetKey, startSec, spanDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed defiLlamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode price feed response for %s: %w", q.Feed.FeedKey, err)
	}

	var out []models.PricePoint
	for _, coinData := range parsed.Coins {
		for _, p := range coinData.Prices {
			if p.Price <= 0 {
				continue
			}
			out = append(out, models.PricePoint{
				Datetime:    time.Unix(int64(p.Timestamp), 0).UTC(),
				PriceFeedID: q.Feed.PriceFeedID,
				Price:       decimal.NewFromFloat(p.Price),
			})
		}
	}
	return out, nil
}

func (f *PriceFeedHTTPFetcher) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}
