package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/beefy-bi/import-engine/internal/ierr"
	"github.com/beefy-bi/import-engine/internal/rpcgate"
	"github.com/beefy-bi/import-engine/internal/rpctransport"
)

// Provider runs one batch of queries against an RPC endpoint and
// returns a result keyed by query. processBatch in §4.6.1's terms.
type Provider[Q comparable, R any] func(ctx context.Context, queries []Q) (map[Q]R, error)

// BatchRPCConfig configures one BatchRPC stage.
type BatchRPCConfig[TObj any, Q comparable, R any] struct {
	// GetQuery extracts the RPC query key from an input item.
	GetQuery func(TObj) Q

	// BatchProvider and LinearProvider both implement Provider; the
	// batch one is used when every method in RPCCallsPerInputObj
	// declares a non-null limit, the linear one otherwise.
	BatchProvider  Provider[Q, R]
	LinearProvider Provider[Q, R]

	// RPCCallsPerInputObj declares how many calls to each method one
	// input item costs; a nil-valued limit for any of these methods in
	// Limits disables batching for the whole stage.
	RPCCallsPerInputObj map[string]int
	Limits              rpctransport.Limitations

	// FormatOutput builds the downstream emission from an input item
	// and its looked-up result.
	FormatOutput func(TObj, R) any

	MaxInputWait         time.Duration
	MaxTotalRetry        time.Duration
	MaxInputObjsPerBatch int

	Gate        *rpcgate.Gate
	EndpointKey string
}

// capacity implements §4.6.1 step 1: the largest group size that stays
// within every declared per-method batch limit, or 1 (optionally scaled
// for a no-limit endpoint) when batching is unavailable.
func capacity[TObj any, Q comparable, R any](cfg BatchRPCConfig[TObj, Q, R]) (cap int, canBatch bool) {
	cap = -1
	for method, count := range cfg.RPCCallsPerInputObj {
		if count <= 0 {
			continue
		}
		limit, ok := cfg.Limits.BatchLimitFor(method)
		if !ok {
			fallback := 1
			if cfg.Limits.MinDelayBetweenCalls <= 0 && cfg.MaxInputObjsPerBatch > 10 {
				fallback = cfg.MaxInputObjsPerBatch / 10
			}
			return fallback, false
		}
		perItem := limit / count
		if perItem < 1 {
			perItem = 1
		}
		if cap < 0 || perItem < cap {
			cap = perItem
		}
	}
	if cap < 0 {
		cap = 1
	}
	return cap, true
}

// BatchRPC is the centerpiece operator of §4.6.1: it groups items into
// capacity-sized batches, dispatches each group through the rate-limited
// gate against the batch or linear provider, and emits exactly one
// output or exactly one emitErrors call per input item — never both,
// never neither (testable property 7, §8).
func BatchRPC[TObj any, Q comparable, R any](ctx context.Context, in <-chan TObj, cfg BatchRPCConfig[TObj, Q, R], emitErrors ErrorEmitter[TObj]) <-chan any {
	out := make(chan any)

	cap, canBatch := capacity(cfg)
	provider := cfg.LinearProvider
	if canBatch {
		provider = cfg.BatchProvider
	}

	groups := BufferTime(ctx, in, cfg.MaxInputWait, cap)

	go func() {
		defer close(out)
		for group := range groups {
			processGroup(ctx, group, provider, cfg, emitErrors, out)
		}
	}()

	return out
}

func processGroup[TObj any, Q comparable, R any](ctx context.Context, group []TObj, provider Provider[Q, R], cfg BatchRPCConfig[TObj, Q, R], emitErrors ErrorEmitter[TObj], out chan<- any) {
	queries := make([]Q, len(group))
	for i, item := range group {
		queries[i] = cfg.GetQuery(item)
	}

	var results map[Q]R
	err := cfg.Gate.Call(ctx, cfg.EndpointKey, func(ctx context.Context) error {
		res, callErr := provider(ctx, queries)
		if callErr != nil {
			return callErr
		}
		results = res
		return nil
	}, rpcgate.Options{MaxTotalRetry: cfg.MaxTotalRetry})

	if err != nil {
		// Terminal failure: fan the error out to every item in the
		// group and drop it (§4.6.1 step 5).
		for _, item := range group {
			emitErrors(item, err)
		}
		return
	}

	for i, item := range group {
		result, found := results[queries[i]]
		if !found {
			// Fail-fast: a missing result is a programmer error, never
			// silently skipped (§4.6.1 step 4).
			emitErrors(item, &ierr.ProgrammerError{
				Msg: fmt.Sprintf("batch-RPC result missing for query %v", queries[i]),
			})
			continue
		}
		select {
		case out <- cfg.FormatOutput(item, result):
		case <-ctx.Done():
			return
		}
	}
}
