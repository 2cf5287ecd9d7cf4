package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/eventbus"
	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

func TestParseTrailingIDExtractsSuffix(t *testing.T) {
	id, err := parseTrailingID("product:investment:42")
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Fatalf("expected 42, got %d", id)
	}
}

func TestParseTrailingIDRejectsMissingSuffix(t *testing.T) {
	if _, err := parseTrailingID("product-investment"); err == nil {
		t.Fatal("expected error for key with no colon-delimited suffix")
	}
	if _, err := parseTrailingID("product:investment:"); err == nil {
		t.Fatal("expected error for key ending in a bare colon")
	}
}

func TestParseTrailingIDRejectsNonNumericSuffix(t *testing.T) {
	if _, err := parseTrailingID("product:investment:abc"); err == nil {
		t.Fatal("expected error for non-numeric suffix")
	}
}

func TestDedupeBalanceQueriesDropsRepeats(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	q := loaders.OwnerBalanceQuery{TokenAddress: token, TokenDecimals: 18, Owner: owner, BlockNumber: 10}

	deduped := dedupeBalanceQueries([]loaders.OwnerBalanceQuery{q, q, q})
	if len(deduped) != 1 {
		t.Fatalf("expected 1 deduped query, got %d", len(deduped))
	}
}

func TestDedupeBalanceQueriesKeepsDistinctBlocks(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	q1 := loaders.OwnerBalanceQuery{TokenAddress: token, TokenDecimals: 18, Owner: owner, BlockNumber: 10}
	q2 := loaders.OwnerBalanceQuery{TokenAddress: token, TokenDecimals: 18, Owner: owner, BlockNumber: 11}

	deduped := dedupeBalanceQueries([]loaders.OwnerBalanceQuery{q1, q2})
	if len(deduped) != 2 {
		t.Fatalf("expected 2 distinct queries, got %d", len(deduped))
	}
}

// fakeStore is a narrow in-memory ProductStore/PriceFeedStore double, the
// way loaders' own tests substitute a fake ContractCaller instead of
// dialing a real node.
type fakeStore struct {
	products   map[int64]models.Product
	priceFeeds map[int64]models.PriceFeed
	balances   map[[2]int64]decimal.Decimal
}

func (f *fakeStore) GetProduct(ctx context.Context, productID int64) (models.Product, error) {
	p, ok := f.products[productID]
	if !ok {
		return models.Product{}, errNotFound
	}
	return p, nil
}

func (f *fakeStore) GetPriceFeed(ctx context.Context, priceFeedID int64) (models.PriceFeed, error) {
	feed, ok := f.priceFeeds[priceFeedID]
	if !ok {
		return models.PriceFeed{}, errNotFound
	}
	return feed, nil
}

func (f *fakeStore) GetLatestBalance(ctx context.Context, productID, investorID int64) (decimal.Decimal, bool, error) {
	balance, ok := f.balances[[2]int64{productID, investorID}]
	if !ok {
		return decimal.Zero, false, nil
	}
	return balance, true, nil
}

func (f *fakeStore) UpsertInvestors(ctx context.Context, addresses []string) (map[string]int64, error) {
	return nil, errNotFound
}

func (f *fakeStore) UpsertInvestments(ctx context.Context, investments []models.Investment) error {
	return errNotFound
}

func (f *fakeStore) UpsertPricePoints(ctx context.Context, points []models.PricePoint) error {
	return nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

func TestDispatcherProcessRejectsUnknownKind(t *testing.T) {
	d := &Dispatcher{Products: &fakeStore{}, PriceFeeds: &fakeStore{}}
	target := orchestrator.Target{ImportKey: "mystery:1", Kind: importstate.Kind("mystery")}
	err := d.Process(context.Background(), target, rangeutil.Range[int64]{From: 1, To: 2})
	if err == nil {
		t.Fatal("expected an error for an unhandled target kind")
	}
}

func TestDispatcherProcessDoesNotPublishOnFailure(t *testing.T) {
	store := &fakeStore{
		priceFeeds: map[int64]models.PriceFeed{
			7: {PriceFeedID: 7, FeedKey: "btc-usd"},
		},
	}
	bus := eventbus.New()
	defer bus.Close()
	received := make(chan eventbus.Event, 1)
	bus.Subscribe("oracle:price.processed", received)

	d := &Dispatcher{
		Products:   store,
		PriceFeeds: store,
		PriceFeed:  &loaders.PriceFeedHTTPFetcher{BaseURL: "http://example.invalid"},
		Events:     bus,
	}

	target := orchestrator.Target{ImportKey: "oracle:price:7", Kind: importstate.KindOraclePrice, PriceFeedID: 7}
	r := rangeutil.Range[int64]{From: 1000, To: 2000}

	// processOraclePrice will hit the network via PriceFeed.Fetch; since
	// there's no live endpoint this is expected to error, so assert the
	// no-publish-on-error half of the contract instead of forcing a
	// successful round trip through a fake HTTP server.
	_ = d.Process(context.Background(), target, r)

	select {
	case <-received:
		t.Fatal("expected no event to be published when processing fails")
	default:
	}
}

func TestDispatcherPublishProcessedIsNoOpWithoutBus(t *testing.T) {
	d := &Dispatcher{}
	target := orchestrator.Target{ImportKey: "product:investment:1", Kind: importstate.KindProductInvestment}
	// Must not panic with a nil Events bus.
	d.publishProcessed(target, rangeutil.Range[int64]{From: 1, To: 2})
}

func TestDispatcherPublishProcessedUsesKindPrefixedType(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	received := make(chan eventbus.Event, 1)
	bus.Subscribe("product:investment.processed", received)

	d := &Dispatcher{Events: bus}
	target := orchestrator.Target{ImportKey: "product:investment:9", Kind: importstate.KindProductInvestment}
	d.publishProcessed(target, rangeutil.Range[int64]{From: 100, To: 200})

	select {
	case evt := <-received:
		if evt.Kind != "product:investment.processed" {
			t.Fatalf("unexpected event kind %q", evt.Kind)
		}
		if evt.ToBlock != 200 {
			t.Fatalf("expected ToBlock 200, got %d", evt.ToBlock)
		}
		if evt.ImportKey != "product:investment:9" {
			t.Fatalf("expected import key %q, got %v", "product:investment:9", evt.ImportKey)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
