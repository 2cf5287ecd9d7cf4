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

// rangeOutcome is one processed range's success flag, scoped to the
// target it belongs to, ready to fold back into that target's
// import-state row.
type rangeOutcome struct {
	target Target
	update importstate.RangeUpdate[int64]
}

// HistoricalPipeline works the backlog between a target's contract
// creation block and the chain head, plus its retry queue, the way the
// teacher's backward-mode Service walks from the tip down to height 0
// (§4.8 "Historical"). Unlike the recent tail, every outcome here folds
// back into the durable import-state row so a later tick knows what's
// left.
type HistoricalPipeline struct {
	Lister  Lister
	Store   *importstate.Store
	Head    HeadResolver
	Limits  planner.Limits
	Process RangeProcessor

	TickInterval time.Duration
	Concurrency  int
	Name         string

	// ErrorLedger persists every failed range, deduplicated by
	// (importKey, range, errorClass), so an operator can see why a
	// target is retrying instead of only seeing it reappear in
	// toRetry. Nil disables the ledger.
	ErrorLedger IndexingErrorLogger
}

func (p *HistoricalPipeline) Run(ctx context.Context) error {
	interval := p.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
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
				log.Printf("[%s] historical tick failed: %v", p.Name, err)
			}
		}
	}
}

func (p *HistoricalPipeline) tick(ctx context.Context) error {
	targets, err := p.Lister.ListAllTargets(ctx)
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

	if err := p.ensureDefaults(ctx, targets, states); err != nil {
		return err
	}

	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	type work struct {
		target Target
		span   rangeutil.Range[int64]
	}

	var items []work
	for _, t := range targets {
		st := states[t.ImportKey]
		if st == nil {
			continue
		}
		head, err := p.Head(ctx, t.Chain)
		if err != nil {
			log.Printf("[%s] head lookup for %s failed: %v", p.Name, t.ImportKey, err)
			continue
		}
		ranges := planner.HistoricalBlockRanges(st.BlockRanges, t.ContractCreatedAtBlock, head, p.Limits)
		for _, r := range ranges {
			items = append(items, work{target: t, span: r})
		}
	}
	if len(items) == 0 {
		return nil
	}

	in := make(chan work, len(items))
	for _, w := range items {
		in <- w
	}
	close(in)

	// A ProgrammerError or DomainInvariant is fatal per §7: it aborts the
	// pipeline run rather than being folded into the range's retry
	// state. fatalMu/fatalErr capture the first one seen across the
	// concurrent workers; everything else still folds success/failure
	// into rangeOutcome so a failed-but-retryable range reaches the
	// import-state update below.
	var fatalMu sync.Mutex
	var fatalErr error

	outcomes := stream.MapConcurrent(ctx, in, concurrency, func(ctx context.Context, w work) (rangeOutcome, error) {
		err := p.Process(ctx, w.target, w.span)
		if err != nil {
			p.logToLedger(ctx, w.target.ImportKey, w.span, err)
		}
		if err != nil && (ierr.IsProgrammerError(err) || ierr.IsDomainInvariant(err)) {
			fatalMu.Lock()
			if fatalErr == nil {
				fatalErr = fmt.Errorf("target %s: %w", w.target.ImportKey, err)
			}
			fatalMu.Unlock()
			return rangeOutcome{}, err
		}
		return rangeOutcome{
			target: w.target,
			update: importstate.RangeUpdate[int64]{Range: w.span, Success: err == nil},
		}, nil
	}, func(w work, err error) {
		log.Printf("[%s] fatal error processing %s: %v", p.Name, w.target.ImportKey, err)
	})

	if err := p.applyOutcomes(ctx, outcomes); err != nil {
		return err
	}

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

// logToLedger records a failed range's error class and message, so the
// retry queue isn't the only trace of why a target keeps failing. A nil
// ErrorLedger or a logging failure itself is swallowed: the ledger is
// diagnostic, never allowed to turn a processing failure into a bigger
// one.
func (p *HistoricalPipeline) logToLedger(ctx context.Context, importKey string, span rangeutil.Range[int64], err error) {
	if p.ErrorLedger == nil {
		return
	}
	if logErr := p.ErrorLedger.LogIndexingError(ctx, importKey, span.From, span.To, ierr.ClassName(err), err.Error()); logErr != nil {
		log.Printf("[%s] failed to log indexing error for %s: %v", p.Name, importKey, logErr)
	}
}

// ensureDefaults creates a zero-range import-state row for every target
// seen for the first time, per §4.8's "creating a default on first
// sight".
func (p *HistoricalPipeline) ensureDefaults(ctx context.Context, targets []Target, states map[string]*importstate.State) error {
	var missing []string
	byKey := make(map[string]Target, len(targets))
	for _, t := range targets {
		byKey[t.ImportKey] = t
		if states[t.ImportKey] == nil {
			missing = append(missing, t.ImportKey)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	err := p.Store.Update(ctx, missing, func(key string, current *importstate.State) (*importstate.State, error) {
		if current != nil {
			return current, nil
		}
		t := byKey[key]
		return &importstate.State{
			ImportKey:              t.ImportKey,
			Kind:                   t.Kind,
			Chain:                  t.Chain,
			ContractCreatedAtBlock: uint64(t.ContractCreatedAtBlock),
			PriceFeedID:            t.PriceFeedID,
			BlockRanges:            importstate.DefaultBlockRanges(),
		}, nil
	})
	if err != nil {
		return err
	}

	fresh, err := p.Store.Fetch(ctx, missing)
	if err != nil {
		return err
	}
	for k, v := range fresh {
		states[k] = v
	}
	return nil
}

// applyOutcomes groups every processed range by its target's import key
// and folds the success/failure set back into that key's row in one
// locked update, independent of the order results arrived in.
func (p *HistoricalPipeline) applyOutcomes(ctx context.Context, outcomes <-chan rangeOutcome) error {
	grouped := make(map[string][]importstate.RangeUpdate[int64])
	kinds := make(map[string]importstate.Kind)

	for o := range outcomes {
		grouped[o.target.ImportKey] = append(grouped[o.target.ImportKey], o.update)
		kinds[o.target.ImportKey] = o.target.Kind
	}
	if len(grouped) == 0 {
		return nil
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}

	return p.Store.Update(ctx, keys, func(key string, current *importstate.State) (*importstate.State, error) {
		if current == nil {
			// ensureDefaults already ran this tick, so this only happens
			// if the row was deleted out from under us; recreate it bare
			// rather than losing the fold.
			current = &importstate.State{ImportKey: key, Kind: kinds[key]}
		}
		adj := kinds[key].Adjacency()
		current.BlockRanges = importstate.ApplyRangeUpdate(current.BlockRanges, grouped[key], adj)
		return current, nil
	})
}
