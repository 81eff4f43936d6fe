package swap

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transfer is one decoded ERC-20 Transfer event.
type Transfer struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Candidate is a heuristically reconstructed token-for-token exchange within
// one transaction. Sent is the leg leaving the wallet, Received the leg
// arriving at it.
type Candidate struct {
	TxHash         common.Hash
	BlockNumber    uint64
	TokenSent      common.Address
	TokenReceived  common.Address
	AmountSent     *big.Int
	AmountReceived *big.Int
}

// DecodeTransfer parses a raw log as an ERC-20 Transfer event. Returns false
// for logs that do not match the expected shape.
func DecodeTransfer(lg types.Log) (Transfer, bool) {
	if len(lg.Topics) != 3 || len(lg.Data) == 0 {
		return Transfer{}, false
	}
	return Transfer{
		Token:       lg.Address,
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      new(big.Int).SetBytes(lg.Data),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}, true
}

// Reconstruct infers swap candidates for a wallet from its transfer logs.
//
// Transfers are grouped by transaction. A transaction with at least two
// transfers, where the wallet appears on both sides, yields exactly one
// candidate: the first outbound transfer is the sent leg, the last inbound
// transfer the received leg (log index ascending). One-sided transactions
// are plain sends or receives, not swaps.
//
// The first-out/last-in pairing is a best-effort guess: multi-hop routed
// swaps and batched transactions can be misclassified. Decoding the router
// calldata would be required for ground truth; the approximation is accepted.
func Reconstruct(wallet common.Address, logs []types.Log) []Candidate {
	byTx := make(map[common.Hash][]Transfer)
	for _, lg := range logs {
		transfer, ok := DecodeTransfer(lg)
		if !ok {
			continue
		}
		byTx[transfer.TxHash] = append(byTx[transfer.TxHash], transfer)
	}

	candidates := make([]Candidate, 0, len(byTx))
	for txHash, transfers := range byTx {
		if len(transfers) < 2 {
			continue
		}

		sort.Slice(transfers, func(i, j int) bool {
			return transfers[i].LogIndex < transfers[j].LogIndex
		})

		var outbound, inbound []Transfer
		for _, t := range transfers {
			// Self-transfers count for neither side; they would otherwise
			// turn a pure send or receive into a fake swap.
			if t.From == wallet && t.To != wallet {
				outbound = append(outbound, t)
			}
			if t.To == wallet && t.From != wallet {
				inbound = append(inbound, t)
			}
		}
		if len(outbound) == 0 || len(inbound) == 0 {
			continue
		}

		sent := outbound[0]
		received := inbound[len(inbound)-1]

		candidates = append(candidates, Candidate{
			TxHash:         txHash,
			BlockNumber:    sent.BlockNumber,
			TokenSent:      sent.Token,
			TokenReceived:  received.Token,
			AmountSent:     sent.Amount,
			AmountReceived: received.Amount,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].BlockNumber != candidates[j].BlockNumber {
			return candidates[i].BlockNumber < candidates[j].BlockNumber
		}
		return candidates[i].TxHash.Hex() < candidates[j].TxHash.Hex()
	})
	return candidates
}
