package orchestrator

import (
	"time"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/planner"
)

// Factory builds the recent/historical pipeline pair for one chain's
// worth of targets, sharing the lister, head resolver and import-state
// store between them (§4.8).
type Factory struct {
	Lister Lister
	Store  *importstate.Store
	Head   HeadResolver
	Limits planner.Limits

	RecentTickInterval     time.Duration
	HistoricalTickInterval time.Duration
	Concurrency            int

	// ErrorLedger is shared by both pipelines this factory builds. Nil
	// disables the indexing-error ledger entirely.
	ErrorLedger IndexingErrorLogger
}

// Build returns the two long-running pipelines for name (typically a
// chain key or a chain+kind combination), sharing Process across both:
// a live tail and a backfill walking the same target set.
func (f *Factory) Build(name string, process RangeProcessor) (*RecentPipeline, *HistoricalPipeline) {
	recent := &RecentPipeline{
		Lister:       f.Lister,
		Store:        f.Store,
		Head:         f.Head,
		Limits:       f.Limits,
		Process:      process,
		TickInterval: f.RecentTickInterval,
		Concurrency:  f.Concurrency,
		Name:         name + ":recent",
		ErrorLedger:  f.ErrorLedger,
	}
	historical := &HistoricalPipeline{
		Lister:       f.Lister,
		Store:        f.Store,
		Head:         f.Head,
		Limits:       f.Limits,
		Process:      process,
		TickInterval: f.HistoricalTickInterval,
		Concurrency:  f.Concurrency,
		Name:         name + ":historical",
		ErrorLedger:  f.ErrorLedger,
	}
	return recent, historical
}
