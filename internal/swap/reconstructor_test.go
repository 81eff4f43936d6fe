package swap

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	wallet   = common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	router   = common.HexToAddress("0xBBBB000000000000000000000000000000000002")
	pool     = common.HexToAddress("0xCCCC000000000000000000000000000000000003")
	tokenX   = common.HexToAddress("0x1111000000000000000000000000000000000001")
	tokenY   = common.HexToAddress("0x2222000000000000000000000000000000000002")
	txHashA  = common.HexToHash("0x01")
	txHashB  = common.HexToHash("0x02")
)

func transferLog(token, from, to common.Address, amount int64, tx common.Hash, block uint64, index uint) types.Log {
	amt := new(big.Int).SetInt64(amount)
	data := make([]byte, 32)
	amt.FillBytes(data)
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopicForTest(),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        data,
		TxHash:      tx,
		BlockNumber: block,
		Index:       index,
	}
}

// TransferTopicForTest returns the ERC-20 Transfer topic hash.
func TransferTopicForTest() common.Hash {
	return common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
}

func TestReconstructRoutedSwap(t *testing.T) {
	// A -> router (100 X), router -> pool (100 X), pool -> A (40 Y)
	logs := []types.Log{
		transferLog(tokenX, wallet, router, 100, txHashA, 10, 0),
		transferLog(tokenX, router, pool, 100, txHashA, 10, 1),
		transferLog(tokenY, pool, wallet, 40, txHashA, 10, 2),
	}

	candidates := Reconstruct(wallet, logs)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	c := candidates[0]
	if c.TokenSent != tokenX || c.AmountSent.Int64() != 100 {
		t.Fatalf("sent leg incorrect: %s %s", c.TokenSent.Hex(), c.AmountSent)
	}
	if c.TokenReceived != tokenY || c.AmountReceived.Int64() != 40 {
		t.Fatalf("received leg incorrect: %s %s", c.TokenReceived.Hex(), c.AmountReceived)
	}
	if c.BlockNumber != 10 {
		t.Fatalf("expected block 10, got %d", c.BlockNumber)
	}
}

func TestReconstructDiscardsOneSidedTransactions(t *testing.T) {
	logs := []types.Log{
		// Pure send split over two transfers.
		transferLog(tokenX, wallet, router, 50, txHashA, 10, 0),
		transferLog(tokenX, wallet, pool, 50, txHashA, 10, 1),
		// Pure receive.
		transferLog(tokenY, pool, wallet, 10, txHashB, 11, 0),
	}

	if candidates := Reconstruct(wallet, logs); len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestReconstructIgnoresSelfTransfers(t *testing.T) {
	// A pure send plus a wallet-to-wallet transfer in the same transaction
	// is still one-sided, not a swap.
	logs := []types.Log{
		transferLog(tokenX, wallet, router, 50, txHashA, 10, 0),
		transferLog(tokenX, wallet, wallet, 50, txHashA, 10, 1),
	}
	if candidates := Reconstruct(wallet, logs); len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}

	// Same for a pure receive plus a self-transfer.
	logs = []types.Log{
		transferLog(tokenY, pool, wallet, 10, txHashB, 11, 0),
		transferLog(tokenY, wallet, wallet, 10, txHashB, 11, 1),
	}
	if candidates := Reconstruct(wallet, logs); len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestReconstructSingleTransferIgnored(t *testing.T) {
	logs := []types.Log{
		transferLog(tokenX, wallet, router, 100, txHashA, 10, 0),
	}
	if candidates := Reconstruct(wallet, logs); len(candidates) != 0 {
		t.Fatalf("single transfer should not yield a swap")
	}
}

func TestReconstructFirstOutLastIn(t *testing.T) {
	// Multi-leg: two outbound, two inbound. Pairing uses first out, last in.
	logs := []types.Log{
		transferLog(tokenX, wallet, router, 70, txHashA, 12, 0),
		transferLog(tokenX, wallet, router, 30, txHashA, 12, 1),
		transferLog(tokenY, pool, wallet, 15, txHashA, 12, 2),
		transferLog(tokenY, pool, wallet, 25, txHashA, 12, 3),
	}

	candidates := Reconstruct(wallet, logs)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if got := candidates[0].AmountSent.Int64(); got != 70 {
		t.Fatalf("sent leg should be the first outbound transfer, got %d", got)
	}
	if got := candidates[0].AmountReceived.Int64(); got != 25 {
		t.Fatalf("received leg should be the last inbound transfer, got %d", got)
	}
}

func TestReconstructOrdersByBlock(t *testing.T) {
	logs := []types.Log{
		transferLog(tokenX, wallet, router, 1, txHashB, 20, 0),
		transferLog(tokenY, pool, wallet, 2, txHashB, 20, 1),
		transferLog(tokenY, wallet, router, 3, txHashA, 15, 0),
		transferLog(tokenX, pool, wallet, 4, txHashA, 15, 1),
	}

	candidates := Reconstruct(wallet, logs)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].BlockNumber != 15 || candidates[1].BlockNumber != 20 {
		t.Fatalf("candidates not ordered by block: %d, %d", candidates[0].BlockNumber, candidates[1].BlockNumber)
	}
}

func TestDecodeTransferRejectsMalformedLogs(t *testing.T) {
	lg := transferLog(tokenX, wallet, router, 1, txHashA, 1, 0)
	lg.Topics = lg.Topics[:2]
	if _, ok := DecodeTransfer(lg); ok {
		t.Fatal("log with two topics should not decode")
	}

	lg = transferLog(tokenX, wallet, router, 1, txHashA, 1, 0)
	lg.Data = nil
	if _, ok := DecodeTransfer(lg); ok {
		t.Fatal("log without data should not decode")
	}
}
