package loaders

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/beefy-bi/import-engine/internal/models"
	"github.com/beefy-bi/import-engine/internal/rangeutil"
)

func transferLog(from, to common.Address, amount int64, block uint64, logIndex uint, txHash string) types.Log {
	value := make([]byte, 32)
	bi := decimal.NewFromInt(amount).BigInt()
	bi.FillBytes(value)
	return types.Log{
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        value,
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       logIndex,
	}
}

func TestDecodeTransferLogsSignsSenderAndReceiver(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")

	logs := []types.Log{transferLog(owner, other, 100, 10, 0, "0xaa")}
	decoded, err := DecodeTransferLogs(models.Chain("bsc"), token, 0, logs)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 records (sender+receiver), got %d", len(decoded))
	}

	var senderRec, receiverRec *models.ERC20Transfer
	for i := range decoded {
		if decoded[i].OwnerAddress == owner.Hex() {
			senderRec = &decoded[i]
		}
		if decoded[i].OwnerAddress == other.Hex() {
			receiverRec = &decoded[i]
		}
	}
	if senderRec == nil || receiverRec == nil {
		t.Fatal("expected both sender and receiver records")
	}
	if !senderRec.AmountTransferred.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("expected sender amount -100, got %s", senderRec.AmountTransferred)
	}
	if !receiverRec.AmountTransferred.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected receiver amount 100, got %s", receiverRec.AmountTransferred)
	}
}

func TestMergeSameBlockTransfersNetsInAndOut(t *testing.T) {
	// §8 Scenario 6: same-block in-and-out transfers of 100 and 30 for
	// owner O in token T net to a single record of -70 (or +70),
	// transaction hash from the higher logIndex event.
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	transfers := []models.ERC20Transfer{
		{TokenAddress: "T", OwnerAddress: owner.Hex(), BlockNumber: 10, LogIndex: 1, TransactionHash: "0xaaa", AmountTransferred: decimal.NewFromInt(-100)},
		{TokenAddress: "T", OwnerAddress: owner.Hex(), BlockNumber: 10, LogIndex: 3, TransactionHash: "0xbbb", AmountTransferred: decimal.NewFromInt(30)},
	}

	merged := MergeSameBlockTransfers(transfers)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged record, got %d", len(merged))
	}
	got := merged[0]
	if !got.AmountTransferred.Equal(decimal.NewFromInt(-70)) {
		t.Fatalf("expected net -70, got %s", got.AmountTransferred)
	}
	if got.TransactionHash != "0xbbb" {
		t.Fatalf("expected tx hash from highest log index (0xbbb), got %s", got.TransactionHash)
	}
}

func TestMergeSameBlockTransfersKeepsDistinctGroupsSeparate(t *testing.T) {
	transfers := []models.ERC20Transfer{
		{TokenAddress: "T", OwnerAddress: "A", BlockNumber: 10, LogIndex: 0, AmountTransferred: decimal.NewFromInt(5)},
		{TokenAddress: "T", OwnerAddress: "B", BlockNumber: 10, LogIndex: 1, AmountTransferred: decimal.NewFromInt(7)},
		{TokenAddress: "T", OwnerAddress: "A", BlockNumber: 11, LogIndex: 0, AmountTransferred: decimal.NewFromInt(3)},
	}
	merged := MergeSameBlockTransfers(transfers)
	if len(merged) != 3 {
		t.Fatalf("expected 3 distinct (token,owner,block) groups, got %d", len(merged))
	}
}

func TestValidateShareRateEligibleRejectsBoost(t *testing.T) {
	boost := models.Product{
		ProductKey:  "boost:1",
		ProductData: models.ProductData{Type: models.ProductTypeBoost},
	}
	if err := ValidateShareRateEligible(boost); err == nil {
		t.Fatal("expected DomainInvariant error for a boost product")
	}
}

func TestValidateShareRateEligibleRejectsGovVault(t *testing.T) {
	gov := models.Product{
		ProductKey:  "vault:gov",
		ProductData: models.ProductData{Type: models.ProductTypeVault, IsGovVault: true},
	}
	if err := ValidateShareRateEligible(gov); err == nil {
		t.Fatal("expected DomainInvariant error for a gov vault")
	}
}

func TestValidateShareRateEligibleAcceptsStandardVault(t *testing.T) {
	v := models.Product{
		ProductKey:  "vault:standard",
		ProductData: models.ProductData{Type: models.ProductTypeVault},
	}
	if err := ValidateShareRateEligible(v); err != nil {
		t.Fatalf("expected standard vault to be eligible, got %v", err)
	}
}

func TestDecodeGovVaultTransfersSignsDepositAndWithdrawal(t *testing.T) {
	vault := common.HexToAddress("0x4444444444444444444444444444444444444444")
	investor := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")

	logs := []types.Log{
		transferLog(investor, vault, 100, 10, 0, "0xaa"), // deposit
		transferLog(vault, investor, 40, 11, 0, "0xbb"),  // withdrawal
	}
	decoded, err := DecodeGovVaultTransfers(models.Chain("bsc"), token, vault, 0, logs)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 position records, got %d", len(decoded))
	}
	if decoded[0].OwnerAddress != investor.Hex() || !decoded[0].AmountTransferred.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected deposit of +100 for investor, got %+v", decoded[0])
	}
	if decoded[1].OwnerAddress != investor.Hex() || !decoded[1].AmountTransferred.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("expected withdrawal of -40 for investor, got %+v", decoded[1])
	}
}

func TestDecodeGovVaultTransfersSkipsLogsNotTouchingVault(t *testing.T) {
	vault := common.HexToAddress("0x4444444444444444444444444444444444444444")
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")

	logs := []types.Log{transferLog(a, b, 100, 10, 0, "0xaa")}
	decoded, err := DecodeGovVaultTransfers(models.Chain("bsc"), token, vault, 0, logs)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected 0 records for a transfer not touching the vault, got %d", len(decoded))
	}
}

func TestBuildTopicsNarrowsToGivenSlot(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	unnarrowed := buildTopics(nil, 0)
	if len(unnarrowed) != 1 {
		t.Fatalf("expected unnarrowed filter to carry only the signature topic, got %d slots", len(unnarrowed))
	}

	fromSlot := buildTopics(&addr, 1)
	if len(fromSlot) != 2 || len(fromSlot[1]) != 1 || fromSlot[1][0] != common.BytesToHash(addr.Bytes()) {
		t.Fatalf("expected slot 1 narrowed to the tracked address, got %+v", fromSlot)
	}

	toSlot := buildTopics(&addr, 2)
	if len(toSlot) != 3 || toSlot[1] != nil || len(toSlot[2]) != 1 {
		t.Fatalf("expected slot 2 narrowed with slot 1 left open, got %+v", toSlot)
	}
}

type fakeLogFilterer struct {
	byFromTopic map[common.Hash][]types.Log
	byToTopic   map[common.Hash][]types.Log
}

func (f *fakeLogFilterer) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if len(q.Topics) >= 2 && len(q.Topics[1]) == 1 {
		return f.byFromTopic[q.Topics[1][0]], nil
	}
	if len(q.Topics) >= 3 && len(q.Topics[2]) == 1 {
		return f.byToTopic[q.Topics[2][0]], nil
	}
	return nil, nil
}

func TestFetchGovVaultPositionsDedupesOverlappingFromAndTo(t *testing.T) {
	vault := common.HexToAddress("0x4444444444444444444444444444444444444444")
	investor := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	vaultTopic := common.BytesToHash(vault.Bytes())

	// A deposit log has the vault in the "to" slot, so it is returned by
	// the slot-2 query; a withdrawal has the vault in "from", returned by
	// the slot-1 query. Neither query should return the other's log, but
	// the fake returns the same log for both slots to prove
	// filterTransferLogs dedupes by (txHash, logIndex) regardless.
	deposit := transferLog(investor, vault, 100, 10, 0, "0xaa")
	fake := &fakeLogFilterer{
		byFromTopic: map[common.Hash][]types.Log{vaultTopic: {deposit}},
		byToTopic:   map[common.Hash][]types.Log{vaultTopic: {deposit}},
	}

	fetcher := &TransferFetcher{Client: fake}
	positions, err := fetcher.FetchGovVaultPositions(context.Background(), TransferQuery{
		Chain:         models.Chain("bsc"),
		TokenAddress:  token,
		TokenDecimals: 0,
		TrackAddress:  &vault,
		BlockRange:    rangeutil.Range[int64]{From: 1, To: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected the duplicate log to be deduped into 1 position, got %d", len(positions))
	}
	if !positions[0].AmountTransferred.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected deposit amount +100, got %s", positions[0].AmountTransferred)
	}
}

func TestFetchGovVaultPositionsRequiresTrackAddress(t *testing.T) {
	fetcher := &TransferFetcher{Client: &fakeLogFilterer{}}
	_, err := fetcher.FetchGovVaultPositions(context.Background(), TransferQuery{
		TokenAddress: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		BlockRange:   rangeutil.Range[int64]{From: 1, To: 100},
	})
	if err == nil {
		t.Fatal("expected an error when TrackAddress is unset")
	}
}

func TestTransferEventSignatureMatchesKeccak(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if transferEventSignature != want {
		t.Fatalf("got %s, want %s", transferEventSignature.Hex(), want.Hex())
	}
}
