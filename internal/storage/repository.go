package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAgentNotFound indicates the referenced agent row does not exist.
	ErrAgentNotFound = errors.New("storage: agent not found")
)

const (
	insertTradeSQL = `INSERT INTO trades (
        agent_id,
        tx_hash,
        block_number,
        traded_at,
        token_in_address,
        token_in_symbol,
        token_in_decimals,
        token_out_address,
        token_out_symbol,
        token_out_decimals,
        amount_in,
        amount_out,
        value_usd,
        profit_loss_usd
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (agent_id, tx_hash) DO NOTHING;`

	tradeExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM trades WHERE agent_id = $1 AND tx_hash = $2
    );`

	listTradesByAgentSQL = `SELECT
        id,
        agent_id,
        tx_hash,
        block_number,
        traded_at,
        token_in_address,
        token_in_symbol,
        token_in_decimals,
        token_out_address,
        token_out_symbol,
        token_out_decimals,
        amount_in,
        amount_out,
        value_usd,
        profit_loss_usd,
        created_at
    FROM trades
    WHERE agent_id = $1
    ORDER BY block_number, id;`

	listRecentTradesSQL = `SELECT
        id,
        agent_id,
        tx_hash,
        block_number,
        traded_at,
        token_in_address,
        token_in_symbol,
        token_in_decimals,
        token_out_address,
        token_out_symbol,
        token_out_decimals,
        amount_in,
        amount_out,
        value_usd,
        profit_loss_usd,
        created_at
    FROM trades
    WHERE agent_id = $1
    ORDER BY block_number DESC, id DESC
    LIMIT $2;`

	maxBlockNumberSQL = `SELECT COALESCE(MAX(block_number), 0) FROM trades WHERE agent_id = $1;`

	listAgentsSQL = `SELECT
        id,
        name,
        wallet_address,
        total_profit_usd,
        total_volume_usd,
        win_rate,
        total_trades,
        updated_at
    FROM agents
    ORDER BY id;`

	getAgentSQL = `SELECT
        id,
        name,
        wallet_address,
        total_profit_usd,
        total_volume_usd,
        win_rate,
        total_trades,
        updated_at
    FROM agents
    WHERE id = $1;`

	updateAgentStatsSQL = `UPDATE agents
    SET total_profit_usd = $2,
        total_volume_usd = $3,
        win_rate         = $4,
        total_trades     = $5,
        updated_at       = NOW()
    WHERE id = $1;`
)

// TradeStore defines operations for trade persistence.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade Trade) (bool, error)
	TradeExists(ctx context.Context, agentID int64, txHash string) (bool, error)
	ListTradesByAgent(ctx context.Context, agentID int64) ([]Trade, error)
	ListRecentTrades(ctx context.Context, agentID int64, limit int) ([]Trade, error)
	MaxBlockNumber(ctx context.Context, agentID int64) (uint64, error)
}

// AgentStore defines operations for agent rows.
type AgentStore interface {
	ListAgents(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, id int64) (Agent, error)
	UpdateAgentStats(ctx context.Context, id int64, stats AgentStats) error
}

// Store aggregates access to trades and agents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTrade persists a trade. Returns false when a row with the same
// (agent_id, tx_hash) already exists; the insert is then a no-op.
func (s *Store) InsertTrade(ctx context.Context, trade Trade) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertTradeSQL,
		trade.AgentID,
		trade.TxHash,
		int64(trade.BlockNumber),
		trade.Timestamp,
		trade.TokenIn.Address,
		trade.TokenIn.Symbol,
		int16(trade.TokenIn.Decimals),
		trade.TokenOut.Address,
		trade.TokenOut.Symbol,
		int16(trade.TokenOut.Decimals),
		bigIntString(trade.AmountIn),
		bigIntString(trade.AmountOut),
		trade.ValueUSD.String(),
		trade.ProfitLossUSD.String(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert trade: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// TradeExists reports whether a trade with the given hash was already recorded.
func (s *Store) TradeExists(ctx context.Context, agentID int64, txHash string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, tradeExistsSQL, agentID, txHash).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("trade exists: %w", scanErr)
	}
	return exists, nil
}

// ListTradesByAgent returns the full trade history ordered by block number.
func (s *Store) ListTradesByAgent(ctx context.Context, agentID int64) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesByAgentSQL, agentID)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades: %w", queryErr)
	}
	defer rows.Close()

	return collectTrades(rows, 0)
}

// ListRecentTrades returns the most recent trades ordered by descending block.
func (s *Store) ListRecentTrades(ctx context.Context, agentID int64, limit int) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, agentID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	return collectTrades(rows, limit)
}

// MaxBlockNumber derives the agent's scan watermark from persisted trades.
// Returns 0 when the agent has no trades yet.
func (s *Store) MaxBlockNumber(ctx context.Context, agentID int64) (uint64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var max int64
	if scanErr := pool.QueryRow(ctx, maxBlockNumberSQL, agentID).Scan(&max); scanErr != nil {
		return 0, fmt.Errorf("max block number: %w", scanErr)
	}
	return uint64(max), nil
}

// ListAgents returns all registered agents.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAgentsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list agents: %w", queryErr)
	}
	defer rows.Close()

	agents := make([]Agent, 0)
	for rows.Next() {
		agent, scanErr := scanAgent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		agents = append(agents, agent)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return agents, nil
}

// GetAgent fetches a single agent row.
func (s *Store) GetAgent(ctx context.Context, id int64) (Agent, error) {
	pool, err := s.getPool()
	if err != nil {
		return Agent{}, err
	}

	rows, queryErr := pool.Query(ctx, getAgentSQL, id)
	if queryErr != nil {
		return Agent{}, fmt.Errorf("get agent: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return Agent{}, rows.Err()
		}
		return Agent{}, ErrAgentNotFound
	}
	return scanAgent(rows)
}

// UpdateAgentStats writes the aggregate fields in a single statement.
func (s *Store) UpdateAgentStats(ctx context.Context, id int64, stats AgentStats) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, updateAgentStatsSQL,
		id,
		stats.TotalProfitUSD.String(),
		stats.TotalVolumeUSD.String(),
		stats.WinRate.String(),
		stats.TotalTrades,
	)
	if execErr != nil {
		return fmt.Errorf("update agent stats: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func collectTrades(rows pgx.Rows, capHint int) ([]Trade, error) {
	trades := make([]Trade, 0, capHint)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

func scanTrade(rows pgx.Rows) (Trade, error) {
	var (
		trade                     Trade
		blockNumber               int64
		inDecimals, outDecimals   int16
		amountInStr, amountOutStr string
		valueStr, profitStr       string
	)

	if err := rows.Scan(
		&trade.ID,
		&trade.AgentID,
		&trade.TxHash,
		&blockNumber,
		&trade.Timestamp,
		&trade.TokenIn.Address,
		&trade.TokenIn.Symbol,
		&inDecimals,
		&trade.TokenOut.Address,
		&trade.TokenOut.Symbol,
		&outDecimals,
		&amountInStr,
		&amountOutStr,
		&valueStr,
		&profitStr,
		&trade.CreatedAt,
	); err != nil {
		return Trade{}, err
	}

	trade.BlockNumber = uint64(blockNumber)
	trade.TokenIn.Decimals = uint8(inDecimals)
	trade.TokenOut.Decimals = uint8(outDecimals)

	var ok bool
	trade.AmountIn, ok = new(big.Int).SetString(amountInStr, 10)
	if !ok {
		return Trade{}, fmt.Errorf("parse amount_in: %q", amountInStr)
	}
	trade.AmountOut, ok = new(big.Int).SetString(amountOutStr, 10)
	if !ok {
		return Trade{}, fmt.Errorf("parse amount_out: %q", amountOutStr)
	}

	var err error
	trade.ValueUSD, err = decimal.NewFromString(valueStr)
	if err != nil {
		return Trade{}, fmt.Errorf("parse value_usd: %w", err)
	}
	trade.ProfitLossUSD, err = decimal.NewFromString(profitStr)
	if err != nil {
		return Trade{}, fmt.Errorf("parse profit_loss_usd: %w", err)
	}

	return trade, nil
}

func scanAgent(rows pgx.Rows) (Agent, error) {
	var (
		agent                        Agent
		profitStr, volumeStr, winStr string
	)

	if err := rows.Scan(
		&agent.ID,
		&agent.Name,
		&agent.WalletAddress,
		&profitStr,
		&volumeStr,
		&winStr,
		&agent.TotalTrades,
		&agent.UpdatedAt,
	); err != nil {
		return Agent{}, err
	}

	var err error
	agent.TotalProfitUSD, err = decimal.NewFromString(profitStr)
	if err != nil {
		return Agent{}, fmt.Errorf("parse total_profit_usd: %w", err)
	}
	agent.TotalVolumeUSD, err = decimal.NewFromString(volumeStr)
	if err != nil {
		return Agent{}, fmt.Errorf("parse total_volume_usd: %w", err)
	}
	agent.WinRate, err = decimal.NewFromString(winStr)
	if err != nil {
		return Agent{}, fmt.Errorf("parse win_rate: %w", err)
	}

	return agent, nil
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var (
	_ TradeStore = (*Store)(nil)
	_ AgentStore = (*Store)(nil)
)
