// Package models holds the domain records the import engine produces and
// the persistence facade stores: products, price feeds, transfers, price
// points and investments (§3.4 of the specification).
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Chain identifies an EVM-compatible network by its short key, e.g. "bsc".
type Chain string

// ProductType distinguishes the two product shapes the engine imports.
type ProductType string

const (
	ProductTypeVault ProductType = "beefy:vault"
	ProductTypeBoost ProductType = "beefy:boost"
)

// ProductData is the tagged payload stored in product.product_data.
type ProductData struct {
	Type ProductType `json:"type"`

	ContractAddress        string `json:"contract_address"`
	TokenDecimals          int    `json:"token_decimals"`
	ContractCreatedAtBlock int64  `json:"contract_created_at_block"`

	// Vault-only.
	IsGovVault bool `json:"is_gov_vault,omitempty"`

	// UnderlyingTokenAddress is the ERC-20 a gov vault holds custody of.
	// A gov vault has no share token of its own (IsGovVault==true means
	// ContractAddress is the vault/staking contract, not a token), so its
	// investors' balances come from this token's Transfer events into
	// and out of the vault contract rather than from balanceOf on
	// ContractAddress.
	UnderlyingTokenAddress string `json:"underlying_token_address,omitempty"`

	// Boost-only: the vault whose share token this boost stakes.
	StakedVaultID int64 `json:"staked_vault_id,omitempty"`
}

// Product is a yield-bearing contract the engine tracks.
type Product struct {
	ProductID   int64
	ProductKey  string
	Chain       Chain
	PriceFeedID int64
	ProductData ProductData
}

// IsShareRateEligible reports whether PPFS sampling applies to this
// product. Boosts and gov vaults have no share token, so PPFS has no
// meaning for them (§4.7, PPFS fetcher invariant).
func (p Product) IsShareRateEligible() bool {
	return p.ProductData.Type == ProductTypeVault && !p.ProductData.IsGovVault
}

// PriceFeed identifies a time series of asset prices.
type PriceFeed struct {
	PriceFeedID   int64
	FeedKey       string
	FromAssetKey  string
	ToAssetKey    string
	PriceFeedData PriceFeedData
}

type PriceFeedData struct {
	Active bool `json:"active"`
}

// ERC20Transfer is a decoded, possibly net-of-same-block-activity,
// signed transfer of an ERC-20-style token.
type ERC20Transfer struct {
	Chain             Chain
	TokenAddress      string
	TokenDecimals     int
	OwnerAddress      string
	BlockNumber       uint64
	TransactionHash   string
	LogIndex          uint
	AmountTransferred decimal.Decimal // signed: negative on outflow, positive on inflow
}

// PricePoint is a single (feed, block|date) price sample.
type PricePoint struct {
	Datetime      time.Time
	PriceFeedID   int64
	BlockNumber   *uint64 // nil for pure off-chain oracle prices
	Price         decimal.Decimal
	DebugDataUUID *uuid.UUID
}

// Investment is an investor's balance snapshot for a product at a point
// in time.
type Investment struct {
	Datetime       time.Time
	ProductID      int64
	InvestorID     int64
	Balance        decimal.Decimal
	InvestmentData map[string]any
}

// Investor is the natural-key identity behind an on-chain address.
type Investor struct {
	InvestorID int64
	Address    string
}
