package storage

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Agent carries the wallet identity of a registered agent plus its
// aggregate trading stats. Registration owns the row; this pipeline only
// reads the wallet address and writes the aggregate fields.
type Agent struct {
	ID             int64
	Name           string
	WalletAddress  string
	TotalProfitUSD decimal.Decimal
	TotalVolumeUSD decimal.Decimal
	WinRate        decimal.Decimal
	TotalTrades    int64
	UpdatedAt      time.Time
}

// AgentStats is the aggregate written back after an indexing pass.
type AgentStats struct {
	TotalProfitUSD decimal.Decimal
	TotalVolumeUSD decimal.Decimal
	WinRate        decimal.Decimal
	TotalTrades    int64
}

// TokenLeg identifies one side of a swap.
type TokenLeg struct {
	Address  string
	Symbol   string
	Decimals uint8
}

// Trade is one reconstructed swap. Rows are immutable once written; the
// (agent_id, tx_hash) pair is the idempotency key.
type Trade struct {
	ID            int64
	AgentID       int64
	TxHash        string
	BlockNumber   uint64
	Timestamp     time.Time
	TokenIn       TokenLeg
	TokenOut      TokenLeg
	AmountIn      *big.Int
	AmountOut     *big.Int
	ValueUSD      decimal.Decimal
	ProfitLossUSD decimal.Decimal
	CreatedAt     time.Time
}
