// Package loaders holds the concrete fetchers
// of §4.7: transfer, PPFS, owner-balance, block-datetime and
// latest-block fetchers, plus the off-chain price-feed HTTP fetcher.
package loaders

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/ierr"
	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

// transferEventSignature is keccak256("Transfer(address,address,uint256)"),
// the ERC-20 Transfer topic every standard token log carries.
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LogFilterer is the subset of ethclient.Client the transfer fetcher
// needs; loaders depend on this interface rather than a concrete client
// so tests can substitute a fake.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// TransferQuery identifies one (contract, block range[, tracked owner])
// log filter to run. It is the query type TransferFetcher.Fetch and
// FetchGovVaultPositions take.
type TransferQuery struct {
	Chain           models.Chain
	TokenAddress    common.Address
	TokenDecimals   int
	TrackAddress    *common.Address // optional: narrow to sender or receiver
	BlockRange      rangeutil.Range[int64]
}

// TransferFetcher runs ERC-20 Transfer log queries and decodes,
// signs and nets the results per §4.7.
type TransferFetcher struct {
	Client LogFilterer
}

// Fetch executes one query's log filter and returns the merged,
// signed, decimal-scaled transfer records it produced. When TrackAddress
// is set, the filter narrows to transfers where it is sender OR
// receiver: go-ethereum's FilterQuery only ANDs across topic slots, so
// "from OR to" is run as two separate queries (topic slot 1, then slot
// 2) and the results are deduped before decoding.
func (f *TransferFetcher) Fetch(ctx context.Context, q TransferQuery) ([]models.ERC20Transfer, error) {
	logs, err := f.filterTransferLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	decoded, err := DecodeTransferLogs(q.Chain, q.TokenAddress, q.TokenDecimals, logs)
	if err != nil {
		return nil, err
	}
	return MergeSameBlockTransfers(decoded), nil
}

// FetchGovVaultPositions runs the same sender-OR-receiver log filter as
// Fetch, but decodes each log relative to q.TrackAddress (the gov
// vault's own contract address) instead of the two ERC-20-ownership
// records DecodeTransferLogs produces: a gov vault has no share token,
// so what matters is how each transfer moved an investor's position in
// the vault, not how it moved their raw token balance.
func (f *TransferFetcher) FetchGovVaultPositions(ctx context.Context, q TransferQuery) ([]models.ERC20Transfer, error) {
	if q.TrackAddress == nil {
		return nil, fmt.Errorf("loaders: FetchGovVaultPositions requires TrackAddress set to the vault contract")
	}
	logs, err := f.filterTransferLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	decoded, err := DecodeGovVaultTransfers(q.Chain, q.TokenAddress, *q.TrackAddress, q.TokenDecimals, logs)
	if err != nil {
		return nil, err
	}
	return MergeSameBlockTransfers(decoded), nil
}

func (f *TransferFetcher) filterTransferLogs(ctx context.Context, q TransferQuery) ([]types.Log, error) {
	if q.TrackAddress == nil {
		return f.Client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: big.NewInt(q.BlockRange.From),
			ToBlock:   big.NewInt(q.BlockRange.To),
			Addresses: []common.Address{q.TokenAddress},
			Topics:    buildTopics(nil, 0),
		})
	}

	fromLogs, err := f.Client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(q.BlockRange.From),
		ToBlock:   big.NewInt(q.BlockRange.To),
		Addresses: []common.Address{q.TokenAddress},
		Topics:    buildTopics(q.TrackAddress, 1),
	})
	if err != nil {
		return nil, err
	}
	toLogs, err := f.Client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(q.BlockRange.From),
		ToBlock:   big.NewInt(q.BlockRange.To),
		Addresses: []common.Address{q.TokenAddress},
		Topics:    buildTopics(q.TrackAddress, 2),
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(fromLogs)+len(toLogs))
	out := make([]types.Log, 0, len(fromLogs)+len(toLogs))
	for _, lg := range append(fromLogs, toLogs...) {
		key := fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, lg)
	}
	return out, nil
}

// buildTopics narrows the filter to transfers where trackAddress
// matches the given indexed topic slot (1 for "from", 2 for "to"); a
// nil trackAddress or zero slot returns the unnarrowed filter.
func buildTopics(trackAddress *common.Address, slot int) [][]common.Hash {
	topics := [][]common.Hash{{transferEventSignature}}
	if trackAddress == nil || slot == 0 {
		return topics
	}
	for len(topics) <= slot {
		topics = append(topics, nil)
	}
	topics[slot] = []common.Hash{common.BytesToHash(trackAddress.Bytes())}
	return topics
}

// DecodeTransferLogs converts raw ERC-20 Transfer logs into signed,
// decimal-scaled records: the sender's record is negative, the
// receiver's positive, each scaled by 10^-decimals.
func DecodeTransferLogs(chain models.Chain, token common.Address, decimals int, logs []types.Log) ([]models.ERC20Transfer, error) {
	scale := decimal.New(1, int32(decimals))
	out := make([]models.ERC20Transfer, 0, len(logs)*2)

	for _, lg := range logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferEventSignature {
			continue
		}
		from := common.HexToAddress(lg.Topics[1].Hex())
		to := common.HexToAddress(lg.Topics[2].Hex())
		rawValue := new(big.Int).SetBytes(lg.Data)
		value := decimal.NewFromBigInt(rawValue, 0).Div(scale)

		out = append(out,
			models.ERC20Transfer{
				Chain:             chain,
				TokenAddress:      token.Hex(),
				TokenDecimals:     decimals,
				OwnerAddress:      from.Hex(),
				BlockNumber:       lg.BlockNumber,
				TransactionHash:   lg.TxHash.Hex(),
				LogIndex:          lg.Index,
				AmountTransferred: value.Neg(),
			},
			models.ERC20Transfer{
				Chain:             chain,
				TokenAddress:      token.Hex(),
				TokenDecimals:     decimals,
				OwnerAddress:      to.Hex(),
				BlockNumber:       lg.BlockNumber,
				TransactionHash:   lg.TxHash.Hex(),
				LogIndex:          lg.Index,
				AmountTransferred: value,
			},
		)
	}
	return out, nil
}

// DecodeGovVaultTransfers converts raw underlying-token Transfer logs
// into one signed position-delta record per log for whichever party
// isn't the vault: a deposit (investor -> vault) is a positive delta on
// the investor's gov-vault position, a withdrawal (vault -> investor)
// is negative. Logs where neither side is vaultAddress are skipped.
func DecodeGovVaultTransfers(chain models.Chain, underlyingToken, vaultAddress common.Address, decimals int, logs []types.Log) ([]models.ERC20Transfer, error) {
	scale := decimal.New(1, int32(decimals))
	out := make([]models.ERC20Transfer, 0, len(logs))

	for _, lg := range logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferEventSignature {
			continue
		}
		from := common.HexToAddress(lg.Topics[1].Hex())
		to := common.HexToAddress(lg.Topics[2].Hex())
		rawValue := new(big.Int).SetBytes(lg.Data)
		value := decimal.NewFromBigInt(rawValue, 0).Div(scale)

		var investor common.Address
		var delta decimal.Decimal
		switch {
		case to == vaultAddress:
			investor, delta = from, value
		case from == vaultAddress:
			investor, delta = to, value.Neg()
		default:
			continue
		}

		out = append(out, models.ERC20Transfer{
			Chain:             chain,
			TokenAddress:      underlyingToken.Hex(),
			TokenDecimals:     decimals,
			OwnerAddress:      investor.Hex(),
			BlockNumber:       lg.BlockNumber,
			TransactionHash:   lg.TxHash.Hex(),
			LogIndex:          lg.Index,
			AmountTransferred: delta,
		})
	}
	return out, nil
}

// MergeSameBlockTransfers nets every group of transfers sharing
// (token, owner, block) into a single record, summing the signed
// amounts and keeping the transaction hash of the highest log index
// event in the group (§8 Scenario 6).
func MergeSameBlockTransfers(transfers []models.ERC20Transfer) []models.ERC20Transfer {
	type key struct {
		token string
		owner string
		block uint64
	}
	groups := make(map[key][]models.ERC20Transfer)
	var order []key
	for _, t := range transfers {
		k := key{token: t.TokenAddress, owner: t.OwnerAddress, block: t.BlockNumber}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}

	out := make([]models.ERC20Transfer, 0, len(order))
	for _, k := range order {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].LogIndex < group[j].LogIndex })

		sum := decimal.Zero
		for _, t := range group {
			sum = sum.Add(t.AmountTransferred)
		}
		highest := group[len(group)-1]
		out = append(out, models.ERC20Transfer{
			Chain:             highest.Chain,
			TokenAddress:      highest.TokenAddress,
			TokenDecimals:     highest.TokenDecimals,
			OwnerAddress:      highest.OwnerAddress,
			BlockNumber:       highest.BlockNumber,
			TransactionHash:   highest.TransactionHash,
			LogIndex:          highest.LogIndex,
			AmountTransferred: sum,
		})
	}
	return out
}

// ValidateShareRateEligible enforces §4.7's PPFS-fetcher invariant:
// boost and gov-vault products must never reach the PPFS operator.
func ValidateShareRateEligible(p models.Product) error {
	if !p.IsShareRateEligible() {
		return &ierr.DomainInvariant{Msg: fmt.Sprintf("product %s is not share-rate eligible (type=%s, govVault=%v)", p.ProductKey, p.ProductData.Type, p.ProductData.IsGovVault)}
	}
	return nil
}
