package loaders

import (
	"context"
	"fmt"
	"math/big"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/beefy-bi/import-engine/internal/stream"
)

// HeaderFetcher is the subset of ethclient.Client block-metadata
// loaders need.
type HeaderFetcher interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// BlockDatetimeFetcher resolves a block number to its timestamp,
// wrapped in a stream.Cache by the caller since the mapping never
// changes once a block is final (§4.7).
type BlockDatetimeFetcher struct {
	Client HeaderFetcher
}

func (f *BlockDatetimeFetcher) Fetch(ctx context.Context, blockNumber int64) (time.Time, error) {
	header, err := f.Client.HeaderByNumber(ctx, big.NewInt(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch header for block %d: %w", blockNumber, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// WithCache returns a memoizing version of Fetch: the mapping is stable
// once mined, so a generous TTL is safe.
func (f *BlockDatetimeFetcher) WithCache(backend stream.CacheBackend, ttl time.Duration) func(context.Context, int64) (time.Time, error) {
	c := stream.NewCache[int64, time.Time](backend, func(b int64) string {
		return fmt.Sprintf("block-datetime:%d", b)
	}, ttl)
	return c.Wrap(f.Fetch)
}

// LatestBlockFetcher resolves the chain head. Cached with a 60s TTL per
// §4.7; forceHead lets a caller bypass the cache entirely.
type LatestBlockFetcher struct {
	Client interface {
		BlockNumber(ctx context.Context) (uint64, error)
	}
}

// latestBlockCacheTTL is the fixed 60s freshness window §4.7 specifies
// for the chain-head lookup.
const latestBlockCacheTTL = 60 * time.Second

func (f *LatestBlockFetcher) fetch(ctx context.Context, _ string) (int64, error) {
	n, err := f.Client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// WithCache returns a memoizing Fetch keyed by chain, sharing the
// cached head across every loader reading the same endpoint.
func (f *LatestBlockFetcher) WithCache(backend stream.CacheBackend, chainKey string) func(ctx context.Context, forceHead *int64) (int64, error) {
	c := stream.NewCache[string, int64](backend, func(k string) string { return "latest-block:" + k }, latestBlockCacheTTL)
	cached := c.Wrap(f.fetch)
	return func(ctx context.Context, forceHead *int64) (int64, error) {
		if forceHead != nil {
			return *forceHead, nil
		}
		return cached(ctx, chainKey)
	}
}
