package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0toBillions/clawtrade/internal/bus"
	"github.com/0toBillions/clawtrade/internal/chain"
	"github.com/0toBillions/clawtrade/internal/storage"
	"github.com/0toBillions/clawtrade/internal/swap"
)

// State of one agent's scan driver.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateReconciling State = "reconciling"
	StateFailed      State = "failed"
)

// ChainReader is the subset of chain reads the indexer needs.
type ChainReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error)
	TokenMetadata(ctx context.Context, token common.Address) (chain.TokenMeta, error)
}

// PriceResolver resolves USD unit prices; zero means unpriced.
type PriceResolver interface {
	Resolve(ctx context.Context, token common.Address) decimal.Decimal
}

// Publisher pushes domain events onto the shared bus.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Options tune the scan range.
type Options struct {
	// LookbackBlocks bounds the first scan for an agent with no trades.
	LookbackBlocks uint64
	// MaxBlockSpan caps one tick's range so a long-idle agent cannot issue
	// an unbounded log query.
	MaxBlockSpan uint64
}

// Indexer drives the incremental per-agent trade scan: watermark, log
// fetch, swap reconstruction, valuation, idempotent persistence, stats
// recompute, and event emission.
type Indexer struct {
	trades storage.TradeStore
	agents storage.AgentStore
	reader ChainReader
	prices PriceResolver
	pub    Publisher
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	states map[int64]State
}

// New constructs an indexer.
func New(trades storage.TradeStore, agents storage.AgentStore, reader ChainReader, prices PriceResolver, pub Publisher, opts Options, logger zerolog.Logger) *Indexer {
	return &Indexer{
		trades: trades,
		agents: agents,
		reader: reader,
		prices: prices,
		pub:    pub,
		opts:   opts,
		logger: logger.With().Str("component", "indexer").Logger(),
		states: make(map[int64]State),
	}
}

// AgentState reports the scan driver state for one agent.
func (ix *Indexer) AgentState(agentID int64) State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if state, ok := ix.states[agentID]; ok {
		return state
	}
	return StateIdle
}

func (ix *Indexer) setState(agentID int64, state State) {
	ix.mu.Lock()
	ix.states[agentID] = state
	ix.mu.Unlock()
}

// IndexAgent runs one scan tick for an agent. Individual candidates that
// fail are skipped, never aborting the batch; partial progress within a
// tick is expected. A scan-completed event is published even for an empty
// tick.
func (ix *Indexer) IndexAgent(ctx context.Context, agent storage.Agent) error {
	logger := ix.logger.With().Int64("agent_id", agent.ID).Logger()

	ix.setState(agent.ID, StateScanning)
	err := ix.indexAgent(ctx, agent, logger)
	if err != nil {
		ix.setState(agent.ID, StateFailed)
		return err
	}
	ix.setState(agent.ID, StateIdle)
	return nil
}

func (ix *Indexer) indexAgent(ctx context.Context, agent storage.Agent, logger zerolog.Logger) error {
	wallet := common.HexToAddress(agent.WalletAddress)

	watermark, err := ix.trades.MaxBlockNumber(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	latest, err := ix.reader.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}

	fromBlock := watermark + 1
	if watermark == 0 && latest > ix.opts.LookbackBlocks {
		fromBlock = latest - ix.opts.LookbackBlocks
	}
	if fromBlock > latest {
		return ix.finishScan(ctx, agent.ID, 0, watermark, logger)
	}

	// Walk the whole backlog in capped windows. The cap bounds each log
	// query; stopping after one window would strand the watermark whenever
	// the next trade sits further out than the cap.
	var logs []types.Log
	for from := fromBlock; from <= latest; {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		to := latest
		if ix.opts.MaxBlockSpan > 0 && to-from >= ix.opts.MaxBlockSpan {
			to = from + ix.opts.MaxBlockSpan - 1
		}
		window, err := ix.reader.TransferLogs(ctx, wallet, from, to)
		if err != nil {
			return fmt.Errorf("fetch transfer logs: %w", err)
		}
		logs = append(logs, window...)
		from = to + 1
	}

	candidates := swap.Reconstruct(wallet, logs)
	logger.Debug().
		Uint64("from_block", fromBlock).
		Uint64("to_block", latest).
		Int("logs", len(logs)).
		Int("candidates", len(candidates)).
		Msg("scan window reconstructed")

	ix.setState(agent.ID, StateReconciling)

	indexed := 0
	newWatermark := watermark
	blockTimes := make(map[uint64]time.Time)

	for _, candidate := range candidates {
		inserted, err := ix.indexCandidate(ctx, agent, candidate, blockTimes)
		if err != nil {
			// Isolate the failing candidate; the rest of the batch proceeds.
			logger.Warn().Err(err).
				Str("tx_hash", candidate.TxHash.Hex()).
				Msg("skipping candidate")
			continue
		}
		if !inserted {
			continue
		}
		indexed++
		if candidate.BlockNumber > newWatermark {
			newWatermark = candidate.BlockNumber
		}
	}

	if indexed > 0 {
		if err := ix.reconcileStats(ctx, agent.ID, logger); err != nil {
			return err
		}
	}

	return ix.finishScan(ctx, agent.ID, indexed, newWatermark, logger)
}

// ScanRange reindexes an explicit block range for one agent, outside the
// watermark flow. With dryRun set, candidates are reconstructed and counted
// but nothing is persisted and no events are emitted. Returns the number of
// trades indexed, or that would have been.
func (ix *Indexer) ScanRange(ctx context.Context, agent storage.Agent, fromBlock, toBlock uint64, dryRun bool) (int, error) {
	logger := ix.logger.With().
		Int64("agent_id", agent.ID).
		Uint64("from_block", fromBlock).
		Uint64("to_block", toBlock).
		Bool("dry_run", dryRun).
		Logger()

	wallet := common.HexToAddress(agent.WalletAddress)
	logs, err := ix.reader.TransferLogs(ctx, wallet, fromBlock, toBlock)
	if err != nil {
		return 0, fmt.Errorf("fetch transfer logs: %w", err)
	}

	candidates := swap.Reconstruct(wallet, logs)
	indexed := 0
	blockTimes := make(map[uint64]time.Time)

	for _, candidate := range candidates {
		if dryRun {
			exists, err := ix.trades.TradeExists(ctx, agent.ID, candidate.TxHash.Hex())
			if err != nil {
				return indexed, fmt.Errorf("dedup check: %w", err)
			}
			if !exists {
				indexed++
			}
			continue
		}

		inserted, err := ix.indexCandidate(ctx, agent, candidate, blockTimes)
		if err != nil {
			logger.Warn().Err(err).Str("tx_hash", candidate.TxHash.Hex()).Msg("skipping candidate")
			continue
		}
		if inserted {
			indexed++
		}
	}

	if indexed > 0 && !dryRun {
		if err := ix.reconcileStats(ctx, agent.ID, logger); err != nil {
			return indexed, err
		}
	}

	logger.Info().Int("candidates", len(candidates)).Int("indexed", indexed).Msg("range scan finished")
	return indexed, nil
}

// indexCandidate values and persists one swap candidate. Returns false when
// the trade was already recorded.
func (ix *Indexer) indexCandidate(ctx context.Context, agent storage.Agent, candidate swap.Candidate, blockTimes map[uint64]time.Time) (bool, error) {
	txHash := candidate.TxHash.Hex()

	exists, err := ix.trades.TradeExists(ctx, agent.ID, txHash)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if exists {
		return false, nil
	}

	metaSent, err := ix.reader.TokenMetadata(ctx, candidate.TokenSent)
	if err != nil {
		return false, fmt.Errorf("sent token metadata: %w", err)
	}
	metaReceived, err := ix.reader.TokenMetadata(ctx, candidate.TokenReceived)
	if err != nil {
		return false, fmt.Errorf("received token metadata: %w", err)
	}

	timestamp, ok := blockTimes[candidate.BlockNumber]
	if !ok {
		timestamp, err = ix.reader.BlockTime(ctx, candidate.BlockNumber)
		if err != nil {
			return false, fmt.Errorf("block time: %w", err)
		}
		blockTimes[candidate.BlockNumber] = timestamp
	}

	// Unpriced legs value to zero so exotic tokens never block a batch.
	valueIn := legValue(candidate.AmountSent, metaSent.Decimals, ix.prices.Resolve(ctx, candidate.TokenSent))
	valueOut := legValue(candidate.AmountReceived, metaReceived.Decimals, ix.prices.Resolve(ctx, candidate.TokenReceived))

	trade := storage.Trade{
		AgentID:     agent.ID,
		TxHash:      txHash,
		BlockNumber: candidate.BlockNumber,
		Timestamp:   timestamp,
		TokenIn: storage.TokenLeg{
			Address:  candidate.TokenSent.Hex(),
			Symbol:   metaSent.Symbol,
			Decimals: metaSent.Decimals,
		},
		TokenOut: storage.TokenLeg{
			Address:  candidate.TokenReceived.Hex(),
			Symbol:   metaReceived.Symbol,
			Decimals: metaReceived.Decimals,
		},
		AmountIn:      candidate.AmountSent,
		AmountOut:     candidate.AmountReceived,
		ValueUSD:      tradeNotional(valueIn, valueOut),
		ProfitLossUSD: valueOut.Sub(valueIn),
	}

	inserted, err := ix.trades.InsertTrade(ctx, trade)
	if err != nil {
		return false, fmt.Errorf("persist trade: %w", err)
	}
	if !inserted {
		// Lost an insert race with an overlapping scan; same outcome as the
		// dedup check above.
		return false, nil
	}

	ix.publish(ctx, bus.TradeIndexed{
		AgentID:        agent.ID,
		TxHash:         txHash,
		BlockNumber:    candidate.BlockNumber,
		TokenInSymbol:  metaSent.Symbol,
		TokenOutSymbol: metaReceived.Symbol,
		ValueUSD:       trade.ValueUSD,
		ProfitLossUSD:  trade.ProfitLossUSD,
	})
	return true, nil
}

func (ix *Indexer) reconcileStats(ctx context.Context, agentID int64, logger zerolog.Logger) error {
	trades, err := ix.trades.ListTradesByAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("list trades for stats: %w", err)
	}

	stats := ComputeStats(trades)
	if err := ix.agents.UpdateAgentStats(ctx, agentID, stats); err != nil {
		return fmt.Errorf("write agent stats: %w", err)
	}

	logger.Info().
		Str("total_profit_usd", stats.TotalProfitUSD.String()).
		Str("win_rate", stats.WinRate.StringFixed(1)).
		Int64("total_trades", stats.TotalTrades).
		Msg("agent stats updated")

	ix.publish(ctx, bus.StatsUpdated{
		AgentID:        agentID,
		TotalProfitUSD: stats.TotalProfitUSD,
		TotalVolumeUSD: stats.TotalVolumeUSD,
		WinRate:        stats.WinRate,
		TotalTrades:    stats.TotalTrades,
	})
	return nil
}

func (ix *Indexer) finishScan(ctx context.Context, agentID int64, indexed int, watermark uint64, logger zerolog.Logger) error {
	logger.Info().Int("new_trades", indexed).Uint64("watermark", watermark).Msg("scan completed")
	ix.publish(ctx, bus.ScanCompleted{
		AgentID:   agentID,
		NewTrades: indexed,
		Watermark: watermark,
	})
	return nil
}

// publish is best-effort: event emission never fails a scan.
func (ix *Indexer) publish(ctx context.Context, event bus.Event) {
	if ix.pub == nil {
		return
	}
	if err := ix.pub.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		ix.logger.Warn().Err(err).Str("topic", event.Topic()).Msg("event publish failed")
	}
}

func legValue(amount *big.Int, decimals uint8, price decimal.Decimal) decimal.Decimal {
	if amount == nil || !price.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).Mul(price)
}

// tradeNotional picks the trade's recorded USD size: the sent leg when it
// priced, otherwise the received leg.
func tradeNotional(valueIn, valueOut decimal.Decimal) decimal.Decimal {
	if valueIn.IsPositive() {
		return valueIn
	}
	return valueOut
}
