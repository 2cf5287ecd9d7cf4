package engine

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/stream"
)

// balanceOfSelector is the first 4 bytes of keccak256("balanceOf(address)"),
// computed once rather than pulled through go-ethereum's full ABI
// machinery since the call only ever has the one argument shape.
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// callArgs mirrors the JSON shape the eth_call RPC method expects on
// every geth-derived node: lowercase hex-prefixed fields, "to"/"data"
// only (no gas/value needed for a pure view call).
type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// BalanceBatchProvider supplies the batch and linear providers that
// FetchBalances hands to the stream.BatchRPC operator (§4.6.1) for
// OwnerBalanceQuery reads.
type BalanceBatchProvider struct {
	cc *ChainClient
}

func NewBalanceBatchProvider(cc *ChainClient) *BalanceBatchProvider {
	return &BalanceBatchProvider{cc: cc}
}

func encodeBalanceOf(owner common.Address) []byte {
	return append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(owner.Bytes(), 32)...)
}

// Batch issues one eth_call per query through cc.Endpoint's batched
// path. The calls are made one after another, each waiting for its own
// result, so the queries of one group do not share a JSON-RPC batch
// request. The endpoint's gate is not taken here: stream.BatchRPC
// already holds it for the whole group.
func (p *BalanceBatchProvider) Batch(ctx context.Context, queries []loaders.OwnerBalanceQuery) (map[loaders.OwnerBalanceQuery]decimal.Decimal, error) {
	results := make([]hexutil.Bytes, len(queries))

	for i, q := range queries {
		args := callArgs{To: q.TokenAddress, Data: encodeBalanceOf(q.Owner)}
		blockTag := hexutil.EncodeBig(big.NewInt(q.BlockNumber))
		if err := p.cc.Endpoint.CallBatched(ctx, "eth_call", &results[i], args, blockTag); err != nil {
			return nil, err
		}
	}

	out := make(map[loaders.OwnerBalanceQuery]decimal.Decimal, len(queries))
	for i, q := range queries {
		raw := new(big.Int).SetBytes(results[i])
		scale := decimal.New(1, int32(q.TokenDecimals))
		out[q] = decimal.NewFromBigInt(raw, 0).Div(scale)
	}
	return out, nil
}

// Linear falls back to one eth_call per query when the endpoint
// declares no batch limit for eth_call, reusing the same
// loaders.OwnerBalanceFetcher a single-item caller would use directly.
// Like Batch, it runs under the gate stream.BatchRPC holds for the group.
func (p *BalanceBatchProvider) Linear(ctx context.Context, queries []loaders.OwnerBalanceQuery) (map[loaders.OwnerBalanceQuery]decimal.Decimal, error) {
	fetcher := &loaders.OwnerBalanceFetcher{Client: p.cc.ETH}
	out := make(map[loaders.OwnerBalanceQuery]decimal.Decimal, len(queries))
	for _, q := range queries {
		v, err := fetcher.Fetch(ctx, q)
		if err != nil {
			return nil, err
		}
		out[q] = v
	}
	return out, nil
}

type balanceResult struct {
	query   loaders.OwnerBalanceQuery
	balance decimal.Decimal
}

const (
	balanceBatchWait = 20 * time.Millisecond
	balanceBatchCap  = 50
)

// FetchBalances runs every query in queries through stream.BatchRPC,
// returning whatever the batch resolved; a query the batch could not
// resolve is reported to emitErrors and absent from the result map.
func FetchBalances(ctx context.Context, cc *ChainClient, queries []loaders.OwnerBalanceQuery, emitErrors stream.ErrorEmitter[loaders.OwnerBalanceQuery]) map[loaders.OwnerBalanceQuery]decimal.Decimal {
	provider := NewBalanceBatchProvider(cc)

	in := make(chan loaders.OwnerBalanceQuery, len(queries))
	for _, q := range queries {
		in <- q
	}
	close(in)

	cfg := stream.BatchRPCConfig[loaders.OwnerBalanceQuery, loaders.OwnerBalanceQuery, decimal.Decimal]{
		GetQuery:             func(q loaders.OwnerBalanceQuery) loaders.OwnerBalanceQuery { return q },
		BatchProvider:        provider.Batch,
		LinearProvider:       provider.Linear,
		RPCCallsPerInputObj:  map[string]int{"eth_call": 1},
		Limits:               cc.Limits,
		FormatOutput:         func(q loaders.OwnerBalanceQuery, r decimal.Decimal) any { return balanceResult{q, r} },
		MaxInputWait:         balanceBatchWait,
		MaxInputObjsPerBatch: balanceBatchCap,
		Gate:                 cc.Gate,
		EndpointKey:          cc.EndpointKey,
	}

	out := make(map[loaders.OwnerBalanceQuery]decimal.Decimal, len(queries))
	for v := range stream.BatchRPC(ctx, in, cfg, emitErrors) {
		br := v.(balanceResult)
		out[br.query] = br.balance
	}
	return out
}
