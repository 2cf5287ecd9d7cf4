package loaders

import (
	"context"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ContractCaller is the subset of ethclient.Client the contract-read
// loaders need.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var shareRateABI = mustParseABI(`[
	{"constant":true,"inputs":[],"name":"getPricePerFullShare","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("loaders: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// PPFSQuery identifies one getPricePerFullShare() read at a block.
type PPFSQuery struct {
	VaultAddress  common.Address
	VaultDecimals int
	BlockNumber   int64
}

// PPFSFetcher reads a vault's share-to-underlying exchange rate per
// block. Callers must reject boost and gov-vault products before
// reaching this operator (see ValidateShareRateEligible) — PPFS has no
// meaning for them (§4.7).
type PPFSFetcher struct {
	Client ContractCaller
}

func (f *PPFSFetcher) Fetch(ctx context.Context, q PPFSQuery) (decimal.Decimal, error) {
	data, err := shareRateABI.Pack("getPricePerFullShare")
	if err != nil {
		return decimal.Zero, err
	}
	result, err := f.Client.CallContract(ctx, ethereum.CallMsg{To: &q.VaultAddress, Data: data}, big.NewInt(q.BlockNumber))
	if err != nil {
		return decimal.Zero, err
	}

	var raw *big.Int
	if err := shareRateABI.UnpackIntoInterface(&raw, "getPricePerFullShare", result); err != nil {
		return decimal.Zero, err
	}
	scale := decimal.New(1, int32(q.VaultDecimals))
	return decimal.NewFromBigInt(raw, 0).Div(scale), nil
}

// OwnerBalanceQuery identifies one balanceOf(owner) read at a block.
type OwnerBalanceQuery struct {
	TokenAddress  common.Address
	TokenDecimals int
	Owner         common.Address
	BlockNumber   int64
}

// OwnerBalanceFetcher reads an investor's token balance at a block.
type OwnerBalanceFetcher struct {
	Client ContractCaller
}

func (f *OwnerBalanceFetcher) Fetch(ctx context.Context, q OwnerBalanceQuery) (decimal.Decimal, error) {
	data, err := shareRateABI.Pack("balanceOf", q.Owner)
	if err != nil {
		return decimal.Zero, err
	}
	result, err := f.Client.CallContract(ctx, ethereum.CallMsg{To: &q.TokenAddress, Data: data}, big.NewInt(q.BlockNumber))
	if err != nil {
		return decimal.Zero, err
	}

	var raw *big.Int
	if err := shareRateABI.UnpackIntoInterface(&raw, "balanceOf", result); err != nil {
		return decimal.Zero, err
	}
	scale := decimal.New(1, int32(q.TokenDecimals))
	return decimal.NewFromBigInt(raw, 0).Div(scale), nil
}
