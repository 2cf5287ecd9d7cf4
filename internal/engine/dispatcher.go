package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/eventbus"
	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
	"github.com/beefy-bi/import-engine/internal/repository"
)

// ProductStore and PriceFeedStore are the narrow slices of
// *repository.Repository the dispatcher needs, so tests can substitute
// an in-memory fake instead of a pgx pool.
type ProductStore interface {
	GetProduct(ctx context.Context, productID int64) (models.Product, error)
	GetLatestBalance(ctx context.Context, productID, investorID int64) (decimal.Decimal, bool, error)
	UpsertInvestors(ctx context.Context, addresses []string) (map[string]int64, error)
	UpsertInvestments(ctx context.Context, investments []models.Investment) error
	UpsertPricePoints(ctx context.Context, points []models.PricePoint) error
}

type PriceFeedStore interface {
	GetPriceFeed(ctx context.Context, priceFeedID int64) (models.PriceFeed, error)
}

// Dispatcher implements orchestrator.RangeProcessor by routing a target
// to one of three handlers keyed on its Kind, the way the teacher's
// ingester package dispatches a Flow event payload to one of several
// per-event-type processors.
type Dispatcher struct {
	Products   ProductStore
	PriceFeeds PriceFeedStore
	Chains     map[models.Chain]*ChainClient
	PriceFeed  *loaders.PriceFeedHTTPFetcher

	// Events is optional; when set, Process publishes one event per
	// successfully processed range for operational observability. A nil
	// Bus is a silent no-op, so tests and single-target callers can
	// leave it unset.
	Events *eventbus.Bus
}

func NewDispatcher(repo *repository.Repository, chains map[models.Chain]*ChainClient, priceFeed *loaders.PriceFeedHTTPFetcher) *Dispatcher {
	return &Dispatcher{Products: repo, PriceFeeds: repo, Chains: chains, PriceFeed: priceFeed}
}

// Process satisfies orchestrator.RangeProcessor.
func (d *Dispatcher) Process(ctx context.Context, target orchestrator.Target, r rangeutil.Range[int64]) error {
	var err error
	switch target.Kind {
	case importstate.KindProductInvestment:
		err = d.processInvestment(ctx, target, r)
	case importstate.KindProductShareRate:
		err = d.processShareRate(ctx, target, r)
	case importstate.KindOraclePrice:
		err = d.processOraclePrice(ctx, target, r)
	default:
		return fmt.Errorf("engine: unhandled target kind %q for key %q", target.Kind, target.ImportKey)
	}
	if err == nil {
		d.publishProcessed(target, r)
	}
	return err
}

// publishProcessed is a no-op when Events is unset.
func (d *Dispatcher) publishProcessed(target orchestrator.Target, r rangeutil.Range[int64]) {
	if d.Events == nil {
		return
	}
	d.Events.Publish(eventbus.Event{
		Kind:      string(target.Kind) + ".processed",
		ImportKey: target.ImportKey,
		ToBlock:   uint64(r.To),
		At:        time.Now(),
	})
}

func (d *Dispatcher) chainClient(chain models.Chain) (*ChainClient, error) {
	cc, ok := d.Chains[chain]
	if !ok {
		return nil, fmt.Errorf("engine: no configured rpc client for chain %q", chain)
	}
	return cc, nil
}

// parseTrailingID pulls the numeric id suffix out of an import key of
// the form "product:investment:42" or "oracle:price:7".
func parseTrailingID(key string) (int64, error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("engine: import key %q has no numeric suffix", key)
	}
	id, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("engine: import key %q: %w", key, err)
	}
	return id, nil
}

func logDropped[A any](item A, err error) {
	// A query the batch couldn't resolve is surfaced here; the
	// range as a whole still fails (processInvestment returns an error
	// when any balance query is left unresolved), this only pinpoints
	// which item caused it.
	log.Printf("[engine] dropped query %+v: %v", item, err)
}
