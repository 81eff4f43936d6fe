package indexer

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/0toBillions/clawtrade/internal/storage"
)

func tradeWithPnL(profit string) storage.Trade {
	return storage.Trade{
		ValueUSD:      decimal.NewFromInt(100),
		ProfitLossUSD: decimal.RequireFromString(profit),
	}
}

func TestComputeStatsMixedOutcomes(t *testing.T) {
	trades := []storage.Trade{
		tradeWithPnL("50"),
		tradeWithPnL("-20"),
		tradeWithPnL("5"),
	}

	stats := ComputeStats(trades)

	if got := stats.TotalProfitUSD.String(); got != "35" {
		t.Errorf("total profit = %s, want 35", got)
	}
	if got := stats.TotalVolumeUSD.String(); got != "300" {
		t.Errorf("total volume = %s, want 300", got)
	}
	if stats.TotalTrades != 3 {
		t.Errorf("total trades = %d, want 3", stats.TotalTrades)
	}
	// Two winners out of three.
	if got := stats.WinRate.StringFixed(1); got != "66.7" {
		t.Errorf("win rate = %s, want 66.7", got)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil)

	if !stats.TotalProfitUSD.IsZero() || !stats.TotalVolumeUSD.IsZero() || !stats.WinRate.IsZero() {
		t.Errorf("empty stats not zero: %+v", stats)
	}
	if stats.TotalTrades != 0 {
		t.Errorf("total trades = %d, want 0", stats.TotalTrades)
	}
}

func TestComputeStatsBreakevenNotAWin(t *testing.T) {
	trades := []storage.Trade{
		tradeWithPnL("0"),
		tradeWithPnL("10"),
	}

	stats := ComputeStats(trades)

	if got := stats.WinRate.StringFixed(1); got != "50.0" {
		t.Errorf("win rate = %s, want 50.0", got)
	}
}
