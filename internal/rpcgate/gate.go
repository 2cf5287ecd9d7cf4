// Package rpcgate provides the process-wide serializing primitive that
// sits in front of every RPC endpoint URL (§4.4): at most one in-flight
// linear call when the endpoint declares a minimum inter-call delay,
// and jittered exponential backoff for transient errors, aborted early
// on a fatal or archive-node-needed classification.
package rpcgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/beefy-bi/import-engine/internal/ierr"
)

// Work is the operation a gated call performs. It returns the
// classified error it hit, if any, so Call can decide whether to retry.
type Work func(ctx context.Context) error

// Options bound a single Call invocation.
type Options struct {
	// MaxTotalRetry caps cumulative time spent retrying. Zero means the
	// gate's default of 2 minutes.
	MaxTotalRetry time.Duration
}

// keyGate is the per-endpoint-URL state: a limiter enforcing the
// minimum delay between calls (or an unlimited limiter when the
// endpoint declares no-limit) plus a mutex standing in for "at most one
// in-flight call", mirroring the per-IP ipLimiter map the teacher keys
// its API rate limiter by.
type keyGate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// Gate is the process-wide registry of per-endpoint-URL serializing
// gates. A single Gate is shared by every loader and transport Endpoint
// in the process; endpoint URLs are logged with secrets stripped, never
// the raw DSN.
type Gate struct {
	mu    sync.Mutex
	gates map[string]*keyGate

	defaultMaxTotalRetry time.Duration
}

// New constructs an empty Gate. defaultMaxTotalRetry bounds Call's
// cumulative retry budget when Options.MaxTotalRetry is left zero.
func New(defaultMaxTotalRetry time.Duration) *Gate {
	if defaultMaxTotalRetry <= 0 {
		defaultMaxTotalRetry = 2 * time.Minute
	}
	return &Gate{
		gates:                make(map[string]*keyGate),
		defaultMaxTotalRetry: defaultMaxTotalRetry,
	}
}

// Register declares the serializing behavior for one endpoint key.
// minDelayBetweenCalls of zero means no limit: the limiter is
// effectively infinite-rate, and only the exclusive in-flight slot
// applies.
func (g *Gate) Register(endpointKey string, minDelayBetweenCalls time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := rate.Inf
	burst := 1
	if minDelayBetweenCalls > 0 {
		limit = rate.Every(minDelayBetweenCalls)
	}
	g.gates[endpointKey] = &keyGate{limiter: rate.NewLimiter(limit, burst)}
}

func (g *Gate) gateFor(endpointKey string) *keyGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	kg, ok := g.gates[endpointKey]
	if !ok {
		kg = &keyGate{limiter: rate.NewLimiter(rate.Inf, 1)}
		g.gates[endpointKey] = kg
	}
	return kg
}

// classify decides whether a work error warrants another attempt.
// rpctransport.ToDomainError already produces exactly the *ierr types
// this switches on, so the gate never needs to import rpctransport.
func classify(err error) (retry bool) {
	switch {
	case ierr.IsRpcTransient(err), ierr.IsConnectionTimeout(err):
		return true
	default:
		// ArchiveNodeNeeded, ProgrammerError and DomainInvariant all
		// abort retry immediately (§4.4): the first propagates to the
		// batch instead, the other two are fatal.
		return false
	}
}

// Call runs work under the named endpoint's gate: it waits for the
// limiter (enforcing the minimum inter-call delay) and holds the
// endpoint's mutex for the duration of one attempt, retrying with
// jittered exponential backoff on a transient classification. Retry
// aborts immediately on a fatal or archive-node-needed error, or once
// cumulative elapsed time exceeds opts.MaxTotalRetry.
func (g *Gate) Call(ctx context.Context, endpointKey string, work Work, opts Options) error {
	kg := g.gateFor(endpointKey)
	maxTotal := opts.MaxTotalRetry
	if maxTotal <= 0 {
		maxTotal = g.defaultMaxTotalRetry
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxTotal
	policy := backoff.WithContext(bo, ctx)

	op := func() error {
		if err := kg.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		kg.mu.Lock()
		err := work(ctx)
		kg.mu.Unlock()

		if err == nil {
			return nil
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("gated call to %s: %w", endpointKey, err)
	}
	return nil
}
