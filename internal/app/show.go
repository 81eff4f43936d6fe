package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
)

// Show prints an agent's current standing and its recent trades.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.AgentID <= 0 {
		return errors.New("--agent must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	agent, err := store.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "agent:     %s (#%d)\n", agent.Name, agent.ID)
	fmt.Fprintf(os.Stdout, "wallet:    %s\n", agent.WalletAddress)
	fmt.Fprintf(os.Stdout, "profit:    %s USD\n", agent.TotalProfitUSD.StringFixed(2))
	fmt.Fprintf(os.Stdout, "volume:    %s USD\n", agent.TotalVolumeUSD.StringFixed(2))
	fmt.Fprintf(os.Stdout, "win rate:  %s%% over %d trades\n", agent.WinRate.StringFixed(1), agent.TotalTrades)

	if a.Config.Chain.RPCURL != "" {
		a.printNativeBalance(ctx, agent.WalletAddress)
	}

	trades, err := store.ListRecentTrades(ctx, agent.ID, opts.Limit)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Fprintln(os.Stdout, "no trades indexed")
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBlock\tIn\tOut\tValue USD\tPnL USD\tTx")

	for _, trade := range trades {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			trade.Timestamp.UTC().Format(time.RFC3339),
			trade.BlockNumber,
			trade.TokenIn.Symbol,
			trade.TokenOut.Symbol,
			trade.ValueUSD.StringFixed(2),
			trade.ProfitLossUSD.StringFixed(2),
			shortHash(trade.TxHash),
		)
	}

	return writer.Flush()
}

// printNativeBalance is informational only; an unreachable RPC endpoint
// should not fail the command.
func (a *App) printNativeBalance(ctx context.Context, wallet string) {
	reader := a.newReader()
	defer reader.Close()

	balance, err := reader.NativeBalance(ctx, common.HexToAddress(wallet))
	if err != nil {
		a.Logger.Warn().Err(err).Msg("native balance lookup failed")
		return
	}

	ether := decimal.NewFromBigInt(balance, 0).Div(decimal.NewFromInt(params.Ether))
	fmt.Fprintf(os.Stdout, "balance:   %s native\n", ether.StringFixed(4))
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + ".." + h[len(h)-4:]
}
