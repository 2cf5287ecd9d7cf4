package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beefy-bi/import-engine/internal/ierr"
	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/planner"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
	"github.com/beefy-bi/import-engine/internal/stream"
)

// RecentPipeline chases the chain head for every live target, the way
// the teacher's forward-mode Service ticks once per second and fetches
// whatever lies between the last checkpoint and the tip (§4.8
// "Recent"). It never writes to the import-state store: a live tail has
// no retry queue, it simply reprocesses the newest window on the next
// tick if a call fails.
type RecentPipeline struct {
	Lister  Lister
	Store   *importstate.Store // read-only here; used for the high-water mark
	Head    HeadResolver
	Limits  planner.Limits
	Process RangeProcessor

	TickInterval time.Duration
	Concurrency  int

	// Name identifies this pipeline in log output, mirroring the
	// teacher's per-Service ServiceName tag.
	Name string

	// ErrorLedger persists every failed range, deduplicated by
	// (importKey, range, errorClass). Nil disables the ledger.
	ErrorLedger IndexingErrorLogger
}

// Run ticks until ctx is cancelled, logging and continuing past
// per-tick errors the same way the teacher's Start loop backs off and
// retries rather than exiting on a processing error. A ProgrammerError
// or DomainInvariant from a tick is returned and stops Run.
func (p *RecentPipeline) Run(ctx context.Context) error {
	interval := p.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				if ierr.IsProgrammerError(err) || ierr.IsDomainInvariant(err) {
					return err
				}
				log.Printf("[%s] recent tick failed: %v", p.Name, err)
			}
		}
	}
}

func (p *RecentPipeline) tick(ctx context.Context) error {
	targets, err := p.Lister.ListLiveTargets(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	keys := make([]string, len(targets))
	for i, t := range targets {
		keys[i] = t.ImportKey
	}
	states, err := p.Store.Fetch(ctx, keys)
	if err != nil {
		return err
	}

	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	in := make(chan Target, len(targets))
	for _, t := range targets {
		in <- t
	}
	close(in)

	// A ProgrammerError or DomainInvariant coming out of Process is fatal
	// per §7 and must abort the pipeline run rather than simply being
	// logged and reprocessed on the next tick like an ordinary transient
	// failure.
	var fatalMu sync.Mutex
	var fatalErr error

	emitErrors := func(t Target, err error) {
		if ierr.IsProgrammerError(err) || ierr.IsDomainInvariant(err) {
			fatalMu.Lock()
			if fatalErr == nil {
				fatalErr = fmt.Errorf("target %s: %w", t.ImportKey, err)
			}
			fatalMu.Unlock()
		}
		log.Printf("[%s] recent range for %s failed: %v", p.Name, t.ImportKey, err)
	}

	out := stream.MapConcurrent(ctx, in, concurrency, func(ctx context.Context, t Target) (struct{}, error) {
		head, err := p.Head(ctx, t.Chain)
		if err != nil {
			return struct{}{}, err
		}
		st := states[t.ImportKey]
		lastImported := int64(-1)
		if st != nil {
			lastImported = HighestCovered(st.BlockRanges)
		}
		r := planner.LatestRange(lastImported, head, t.ContractCreatedAtBlock, p.Limits)
		if r == nil {
			return struct{}{}, nil
		}
		if err := p.Process(ctx, t, *r); err != nil {
			p.logToLedger(ctx, t.ImportKey, *r, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, emitErrors)

	for range out {
	}

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

// logToLedger records a failed range's error class and message. A nil
// ErrorLedger or a logging failure itself is swallowed: the ledger is
// diagnostic, never allowed to turn a processing failure into a bigger
// one.
func (p *RecentPipeline) logToLedger(ctx context.Context, importKey string, span rangeutil.Range[int64], err error) {
	if p.ErrorLedger == nil {
		return
	}
	if logErr := p.ErrorLedger.LogIndexingError(ctx, importKey, span.From, span.To, ierr.ClassName(err), err.Error()); logErr != nil {
		log.Printf("[%s] failed to log indexing error for %s: %v", p.Name, importKey, logErr)
	}
}
