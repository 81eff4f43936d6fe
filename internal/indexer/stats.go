package indexer

import (
	"github.com/shopspring/decimal"

	"github.com/0toBillions/clawtrade/internal/storage"
)

var decHundred = decimal.NewFromInt(100)

// ComputeStats recomputes an agent's aggregates from its full trade history.
// Trades are immutable and per-agent sets stay small, so a full recompute is
// simpler than maintaining running deltas under concurrent writers.
func ComputeStats(trades []storage.Trade) storage.AgentStats {
	stats := storage.AgentStats{
		TotalProfitUSD: decimal.Zero,
		TotalVolumeUSD: decimal.Zero,
		WinRate:        decimal.Zero,
		TotalTrades:    int64(len(trades)),
	}
	if len(trades) == 0 {
		return stats
	}

	var wins int64
	for _, trade := range trades {
		stats.TotalVolumeUSD = stats.TotalVolumeUSD.Add(trade.ValueUSD)
		stats.TotalProfitUSD = stats.TotalProfitUSD.Add(trade.ProfitLossUSD)
		if trade.ProfitLossUSD.IsPositive() {
			wins++
		}
	}

	stats.WinRate = decimal.NewFromInt(wins).
		Mul(decHundred).
		Div(decimal.NewFromInt(stats.TotalTrades))

	return stats
}
