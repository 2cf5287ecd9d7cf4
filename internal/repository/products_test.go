package repository

import (
	"testing"

	"github.com/beefy-bi/import-engine/internal/importstate"
	"github.com/beefy-bi/import-engine/internal/models"
)

func TestBuildTargetsProducesInvestmentAndShareRateForEligibleVault(t *testing.T) {
	products := []models.Product{
		{
			ProductID:   1,
			ProductKey:  "vault:standard",
			Chain:       "bsc",
			PriceFeedID: 9,
			ProductData: models.ProductData{Type: models.ProductTypeVault, ContractCreatedAtBlock: 100},
		},
	}
	targets := buildTargets(products, nil)
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets (investment + share-rate), got %d", len(targets))
	}

	var sawInvestment, sawShareRate bool
	for _, tg := range targets {
		switch tg.Kind {
		case importstate.KindProductInvestment:
			sawInvestment = true
			if tg.ImportKey != "product:investment:1" {
				t.Fatalf("unexpected investment import key: %s", tg.ImportKey)
			}
		case importstate.KindProductShareRate:
			sawShareRate = true
			if tg.PriceFeedID != 9 {
				t.Fatalf("expected price feed id carried onto share-rate target")
			}
		}
		if tg.ContractCreatedAtBlock != 100 {
			t.Fatalf("expected contract creation block carried from product data, got %d", tg.ContractCreatedAtBlock)
		}
	}
	if !sawInvestment || !sawShareRate {
		t.Fatal("expected both investment and share-rate targets for an eligible vault")
	}
}

func TestBuildTargetsSkipsShareRateForBoostAndGovVault(t *testing.T) {
	products := []models.Product{
		{ProductID: 2, ProductKey: "boost:1", ProductData: models.ProductData{Type: models.ProductTypeBoost}},
		{ProductID: 3, ProductKey: "vault:gov", ProductData: models.ProductData{Type: models.ProductTypeVault, IsGovVault: true}},
	}
	targets := buildTargets(products, nil)
	if len(targets) != 2 {
		t.Fatalf("expected only 2 investment targets (no share-rate), got %d", len(targets))
	}
	for _, tg := range targets {
		if tg.Kind != importstate.KindProductInvestment {
			t.Fatalf("expected only investment targets, got %s", tg.Kind)
		}
	}
}

func TestBuildTargetsIncludesActivePriceFeeds(t *testing.T) {
	feeds := []models.PriceFeed{{PriceFeedID: 5, FeedKey: "eth-usd"}}
	targets := buildTargets(nil, feeds)
	if len(targets) != 1 {
		t.Fatalf("expected 1 oracle target, got %d", len(targets))
	}
	if targets[0].Kind != importstate.KindOraclePrice || targets[0].ImportKey != "oracle:price:5" {
		t.Fatalf("unexpected oracle target: %+v", targets[0])
	}
}

func TestDedupeStringsPreservesFirstOccurrenceOrder(t *testing.T) {
	got := dedupeStrings([]string{"b", "a", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
