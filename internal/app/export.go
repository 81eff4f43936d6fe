package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/0toBillions/clawtrade/internal/storage"
)

// Export writes an agent's trade history as CSV and/or a cumulative
// profit chart as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.AgentID <= 0 {
		return errors.New("--agent must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	trades, err := store.ListTradesByAgent(ctx, opts.AgentID)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		a.Logger.Info().Int64("agent_id", opts.AgentID).Msg("no trades to export")
		return nil
	}

	downsampled := downsampleTrades(trades, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(trades)).
		Int("exported", len(downsampled)).
		Msg("exporting trades")

	if opts.CSVPath != "" {
		if err := writeTradesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeProfitPNG(opts.PNGPath, trades, opts.MaxPoints); err != nil {
			return err
		}
	}

	return nil
}

func downsampleTrades(trades []storage.Trade, max int) []storage.Trade {
	if max <= 0 || len(trades) <= max {
		return trades
	}

	result := make([]storage.Trade, 0, max)
	step := float64(len(trades)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(trades) {
			idx = len(trades) - 1
		}
		result = append(result, trades[idx])
	}
	return result
}

func writeTradesCSV(path string, trades []storage.Trade) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "block_number", "tx_hash", "token_in", "amount_in", "token_out", "amount_out", "value_usd", "profit_loss_usd"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, trade := range trades {
		record := []string{
			trade.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatUint(trade.BlockNumber, 10),
			trade.TxHash,
			trade.TokenIn.Symbol,
			trade.AmountIn.String(),
			trade.TokenOut.Symbol,
			trade.AmountOut.String(),
			trade.ValueUSD.String(),
			trade.ProfitLossUSD.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeProfitPNG charts cumulative realised profit over time. Cumulative
// sums are computed over the full history before downsampling so the curve
// stays accurate however few points survive.
func writeProfitPNG(path string, trades []storage.Trade, maxPoints int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type point struct {
		ts     time.Time
		profit float64
	}
	points := make([]point, len(trades))
	running := 0.0
	for i, trade := range trades {
		running += trade.ProfitLossUSD.InexactFloat64()
		points[i] = point{ts: trade.Timestamp, profit: running}
	}

	if maxPoints > 0 && len(points) > maxPoints {
		sampled := make([]point, 0, maxPoints)
		step := float64(len(points)-1) / float64(maxPoints-1)
		for i := 0; i < maxPoints; i++ {
			idx := int(math.Round(step * float64(i)))
			if idx >= len(points) {
				idx = len(points) - 1
			}
			sampled = append(sampled, points[idx])
		}
		points = sampled
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.ts
		y[i] = p.profit
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative profit (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Profit",
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
