package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/beefy-bi/import-engine/internal/loaders"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/orchestrator"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// processInvestment decodes every ERC-20 transfer the token contract
// emitted in r, resolves each owner's post-transfer balance at the
// block it moved, and upserts one investment snapshot per (owner,
// block) pair. TrackAddress is left nil: a vault's transfer stream is
// read in full, not narrowed to one watched owner.
//
// A gov vault has no share token of its own (ContractAddress is the
// staking contract, not an ERC-20), so balanceOf can't answer "what is
// this investor's position" the way it can for a standard vault.
// processGovVaultInvestment handles that case by netting the
// underlying token's transfers into and out of the vault instead.
func (d *Dispatcher) processInvestment(ctx context.Context, target orchestrator.Target, r rangeutil.Range[int64]) error {
	productID, err := parseTrailingID(target.ImportKey)
	if err != nil {
		return err
	}
	product, err := d.Products.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	cc, err := d.chainClient(product.Chain)
	if err != nil {
		return err
	}

	if product.ProductData.IsGovVault {
		return d.processGovVaultInvestment(ctx, target, r, productID, product, cc)
	}

	tokenAddress := common.HexToAddress(product.ProductData.ContractAddress)
	fetcher := &loaders.TransferFetcher{Client: cc.ETH}
	transfers, err := fetcher.Fetch(ctx, loaders.TransferQuery{
		Chain:         product.Chain,
		TokenAddress:  tokenAddress,
		TokenDecimals: product.ProductData.TokenDecimals,
		BlockRange:    r,
	})
	if err != nil {
		return fmt.Errorf("fetch transfers for %s: %w", target.ImportKey, err)
	}
	if len(transfers) == 0 {
		return nil
	}

	addresses := make([]string, 0, len(transfers))
	seenOwner := make(map[string]struct{}, len(transfers))
	queries := make([]loaders.OwnerBalanceQuery, 0, len(transfers))
	for _, t := range transfers {
		if _, ok := seenOwner[t.OwnerAddress]; !ok {
			seenOwner[t.OwnerAddress] = struct{}{}
			addresses = append(addresses, t.OwnerAddress)
		}
		queries = append(queries, loaders.OwnerBalanceQuery{
			TokenAddress:  tokenAddress,
			TokenDecimals: product.ProductData.TokenDecimals,
			Owner:         common.HexToAddress(t.OwnerAddress),
			BlockNumber:   int64(t.BlockNumber),
		})
	}

	investorIDs, err := d.Products.UpsertInvestors(ctx, addresses)
	if err != nil {
		return fmt.Errorf("upsert investors for %s: %w", target.ImportKey, err)
	}

	deduped := dedupeBalanceQueries(queries)
	balances := FetchBalances(ctx, cc, deduped, logDropped[loaders.OwnerBalanceQuery])
	if len(balances) < len(deduped) {
		return fmt.Errorf("fetch balances for %s: %d of %d balance queries unresolved", target.ImportKey, len(deduped)-len(balances), len(deduped))
	}

	investments := make([]models.Investment, 0, len(queries))
	for _, t := range transfers {
		investorID, ok := investorIDs[t.OwnerAddress]
		if !ok {
			continue
		}
		q := loaders.OwnerBalanceQuery{
			TokenAddress:  tokenAddress,
			TokenDecimals: product.ProductData.TokenDecimals,
			Owner:         common.HexToAddress(t.OwnerAddress),
			BlockNumber:   int64(t.BlockNumber),
		}
		balance, ok := balances[q]
		if !ok {
			continue
		}
		datetime, err := cc.BlockTime(ctx, int64(t.BlockNumber))
		if err != nil {
			return fmt.Errorf("resolve block time for %s block %d: %w", target.ImportKey, t.BlockNumber, err)
		}
		investments = append(investments, models.Investment{
			Datetime:   datetime,
			ProductID:  productID,
			InvestorID: investorID,
			Balance:    balance,
			InvestmentData: map[string]any{
				"tx_hash": t.TransactionHash,
			},
		})
	}

	if err := d.Products.UpsertInvestments(ctx, investments); err != nil {
		return fmt.Errorf("upsert investments for %s: %w", target.ImportKey, err)
	}
	return nil
}

// processGovVaultInvestment derives gov-vault investor balances from the
// underlying token's Transfer events into and out of the vault contract,
// netted per (owner, block) and applied in block order on top of each
// investor's last persisted balance. There is no balanceOf to call: the
// vault contract holds custody of the underlying token but never mints a
// share token recording who owns what.
func (d *Dispatcher) processGovVaultInvestment(ctx context.Context, target orchestrator.Target, r rangeutil.Range[int64], productID int64, product models.Product, cc *ChainClient) error {
	vaultAddress := common.HexToAddress(product.ProductData.ContractAddress)
	underlyingToken := common.HexToAddress(product.ProductData.UnderlyingTokenAddress)

	fetcher := &loaders.TransferFetcher{Client: cc.ETH}
	positions, err := fetcher.FetchGovVaultPositions(ctx, loaders.TransferQuery{
		Chain:         product.Chain,
		TokenAddress:  underlyingToken,
		TokenDecimals: product.ProductData.TokenDecimals,
		TrackAddress:  &vaultAddress,
		BlockRange:    r,
	})
	if err != nil {
		return fmt.Errorf("fetch gov vault positions for %s: %w", target.ImportKey, err)
	}
	if len(positions) == 0 {
		return nil
	}

	addresses := make([]string, 0, len(positions))
	byOwner := make(map[string][]models.ERC20Transfer, len(positions))
	var ownerOrder []string
	for _, t := range positions {
		if _, ok := byOwner[t.OwnerAddress]; !ok {
			ownerOrder = append(ownerOrder, t.OwnerAddress)
			addresses = append(addresses, t.OwnerAddress)
		}
		byOwner[t.OwnerAddress] = append(byOwner[t.OwnerAddress], t)
	}

	investorIDs, err := d.Products.UpsertInvestors(ctx, addresses)
	if err != nil {
		return fmt.Errorf("upsert investors for %s: %w", target.ImportKey, err)
	}

	investments := make([]models.Investment, 0, len(positions))
	for _, owner := range ownerOrder {
		investorID, ok := investorIDs[owner]
		if !ok {
			continue
		}
		deltas := byOwner[owner]
		sort.Slice(deltas, func(i, j int) bool { return deltas[i].BlockNumber < deltas[j].BlockNumber })

		running, _, err := d.Products.GetLatestBalance(ctx, productID, investorID)
		if err != nil {
			return fmt.Errorf("seed gov vault balance for %s investor %d: %w", target.ImportKey, investorID, err)
		}
		for _, t := range deltas {
			running = running.Add(t.AmountTransferred)
			datetime, err := cc.BlockTime(ctx, int64(t.BlockNumber))
			if err != nil {
				return fmt.Errorf("resolve block time for %s block %d: %w", target.ImportKey, t.BlockNumber, err)
			}
			investments = append(investments, models.Investment{
				Datetime:   datetime,
				ProductID:  productID,
				InvestorID: investorID,
				Balance:    running,
				InvestmentData: map[string]any{
					"tx_hash": t.TransactionHash,
				},
			})
		}
	}

	if err := d.Products.UpsertInvestments(ctx, investments); err != nil {
		return fmt.Errorf("upsert investments for %s: %w", target.ImportKey, err)
	}
	return nil
}

func dedupeBalanceQueries(qs []loaders.OwnerBalanceQuery) []loaders.OwnerBalanceQuery {
	seen := make(map[loaders.OwnerBalanceQuery]struct{}, len(qs))
	out := make([]loaders.OwnerBalanceQuery, 0, len(qs))
	for _, q := range qs {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
