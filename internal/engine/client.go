// Package engine wires the loaders and stream operators together into
// the three RangeProcessor implementations the orchestrator drives: one
// per import-state Kind (investment transfers, share-rate PPFS samples,
// oracle price history). It is the glue layer the teacher's ingester
// package plays for block/transaction processing, generalized from a
// fixed Flow decode pipeline to a dispatch over Kind.
package engine

import (
	"context"
	"math/big"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/rpcgate"
	"github.com/beefy-bi/import-engine/internal/rpctransport"
	"github.com/beefy-bi/import-engine/internal/stream"
)

// ChainClient bundles everything one configured RPC endpoint needs to
// serve loaders: a typed ethclient for the simple one-call-per-item
// fetchers, the raw rpctransport.Endpoint for the batch-RPC owner
// balance stage, and the gate every call against this endpoint is
// serialized through.
type ChainClient struct {
	Chain       string
	EndpointKey string // log-safe URL, also the rpcgate registration key

	ETH      *ethclient.Client
	Endpoint *rpctransport.Endpoint
	Gate     *rpcgate.Gate

	Limits rpctransport.Limitations

	LatestBlock func(ctx context.Context, forceHead *int64) (int64, error)
	BlockTime   func(ctx context.Context, blockNumber int64) (time.Time, error)
}

// NewChainClient dials url once and builds both the ethclient and the
// lower-level rpc.Client the batch path needs, sharing the same
// underlying connection the way the teacher's flow.Client wraps one
// grpc.ClientConn for every RPC it exposes.
func NewChainClient(ctx context.Context, chain, url, logSafeURL string, limits rpctransport.Limitations, gate *rpcgate.Gate, cacheBackend stream.CacheBackend) (*ChainClient, error) {
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	ethClient := ethclient.NewClient(rpcClient)
	endpoint := rpctransport.NewEndpoint(logSafeURL, rpcClient, limits, rpctransport.DefaultEVMAdapter{})

	gate.Register(logSafeURL, limits.MinDelayBetweenCalls)

	cc := &ChainClient{
		Chain:       chain,
		EndpointKey: logSafeURL,
		ETH:         ethClient,
		Endpoint:    endpoint,
		Gate:        gate,
		Limits:      limits,
	}

	latest := &loaders.LatestBlockFetcher{Client: gatedBlockNumber{cc}}
	cc.LatestBlock = latest.WithCache(cacheBackend, chain)

	blockTime := &loaders.BlockDatetimeFetcher{Client: gatedHeaderFetcher{cc}}
	cc.BlockTime = blockTime.WithCache(cacheBackend, 24*time.Hour)

	return cc, nil
}

// gatedBlockNumber and gatedHeaderFetcher route the loaders' own calls
// back through this client's gate, so the 60s-cached head lookup and
// the 24h-cached block-timestamp lookup still respect the
// endpoint's declared minimum delay on a cache miss.
type gatedBlockNumber struct{ cc *ChainClient }

func (g gatedBlockNumber) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := g.cc.Gate.Call(ctx, g.cc.EndpointKey, func(ctx context.Context) error {
		v, err := g.cc.ETH.BlockNumber(ctx)
		n = v
		return err
	}, rpcgate.Options{})
	return n, err
}

type gatedHeaderFetcher struct{ cc *ChainClient }

func (g gatedHeaderFetcher) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	var h *gethtypes.Header
	err := g.cc.Gate.Call(ctx, g.cc.EndpointKey, func(ctx context.Context) error {
		v, err := g.cc.ETH.HeaderByNumber(ctx, number)
		h = v
		return err
	}, rpcgate.Options{})
	return h, err
}
