package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Topics of the closed event set.
const (
	TopicTradeIndexed  = "trade-indexed"
	TopicStatsUpdated  = "stats-updated"
	TopicScanCompleted = "scan-completed"
)

// Room names for local fan-out.
const (
	LeaderboardRoom = "leaderboard"
)

// AgentRoom returns the room name for one agent's subscribers.
func AgentRoom(agentID int64) string {
	return fmt.Sprintf("agent:%d", agentID)
}

// Event is one of the closed set of domain events. Rooms is the embedded
// routing hint: the local rooms a relaying instance delivers the event to.
type Event interface {
	Topic() string
	Rooms() []string
}

// TradeIndexed is emitted once per newly persisted trade.
type TradeIndexed struct {
	AgentID        int64           `json:"agent_id"`
	TxHash         string          `json:"tx_hash"`
	BlockNumber    uint64          `json:"block_number"`
	TokenInSymbol  string          `json:"token_in_symbol"`
	TokenOutSymbol string          `json:"token_out_symbol"`
	ValueUSD       decimal.Decimal `json:"value_usd"`
	ProfitLossUSD  decimal.Decimal `json:"profit_loss_usd"`
}

func (e TradeIndexed) Topic() string   { return TopicTradeIndexed }
func (e TradeIndexed) Rooms() []string { return []string{AgentRoom(e.AgentID)} }

// StatsUpdated is emitted after an indexing pass recomputed an agent's
// aggregates. It feeds both the agent's own subscribers and the leaderboard.
type StatsUpdated struct {
	AgentID        int64           `json:"agent_id"`
	TotalProfitUSD decimal.Decimal `json:"total_profit_usd"`
	TotalVolumeUSD decimal.Decimal `json:"total_volume_usd"`
	WinRate        decimal.Decimal `json:"win_rate"`
	TotalTrades    int64           `json:"total_trades"`
}

func (e StatsUpdated) Topic() string { return TopicStatsUpdated }
func (e StatsUpdated) Rooms() []string {
	return []string{AgentRoom(e.AgentID), LeaderboardRoom}
}

// ScanCompleted is emitted after every scan tick, including empty ones.
type ScanCompleted struct {
	AgentID   int64  `json:"agent_id"`
	NewTrades int    `json:"new_trades"`
	Watermark uint64 `json:"watermark"`
}

func (e ScanCompleted) Topic() string   { return TopicScanCompleted }
func (e ScanCompleted) Rooms() []string { return []string{AgentRoom(e.AgentID)} }

// Envelope is the wire form shared across instances and delivered to
// websocket subscribers.
type Envelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Wrap serialises an event into its envelope.
func Wrap(event Event) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event.Topic(), err)
	}
	return Envelope{
		Topic:     event.Topic(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode restores the typed event from an envelope. Unknown topics are an
// error; the event set is closed on purpose.
func Decode(env Envelope) (Event, error) {
	switch env.Topic {
	case TopicTradeIndexed:
		var e TradeIndexed
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Topic, err)
		}
		return e, nil
	case TopicStatsUpdated:
		var e StatsUpdated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Topic, err)
		}
		return e, nil
	case TopicScanCompleted:
		var e ScanCompleted
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Topic, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event topic %q", env.Topic)
	}
}
