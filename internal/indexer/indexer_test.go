package indexer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0toBillions/clawtrade/internal/bus"
	"github.com/0toBillions/clawtrade/internal/chain"
	"github.com/0toBillions/clawtrade/internal/storage"
)

var (
	testWallet = common.HexToAddress("0xAAAA000000000000000000000000000000000001")
	testRouter = common.HexToAddress("0xBBBB000000000000000000000000000000000002")
	testTokenX = common.HexToAddress("0x1111000000000000000000000000000000000001")
	testTokenY = common.HexToAddress("0x2222000000000000000000000000000000000002")
)

func testAgent() storage.Agent {
	return storage.Agent{ID: 7, Name: "scalper", WalletAddress: testWallet.Hex()}
}

func transferLog(token, from, to common.Address, amount int64, tx common.Hash, block uint64, index uint) types.Log {
	data := make([]byte, 32)
	new(big.Int).SetInt64(amount).FillBytes(data)
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			chain.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        data,
		TxHash:      tx,
		BlockNumber: block,
		Index:       index,
	}
}

// swapLogs builds a minimal two-leg swap in one transaction.
func swapLogs(tx common.Hash, block uint64, amountSent, amountReceived int64) []types.Log {
	return []types.Log{
		transferLog(testTokenX, testWallet, testRouter, amountSent, tx, block, 0),
		transferLog(testTokenY, testRouter, testWallet, amountReceived, tx, block, 1),
	}
}

type memStore struct {
	mu       sync.Mutex
	trades   map[string]storage.Trade
	stats    map[int64]storage.AgentStats
	statsUps int
}

func newMemStore() *memStore {
	return &memStore{
		trades: make(map[string]storage.Trade),
		stats:  make(map[int64]storage.AgentStats),
	}
}

func tradeKey(agentID int64, txHash string) string {
	return fmt.Sprintf("%d:%s", agentID, txHash)
}

func (s *memStore) InsertTrade(_ context.Context, trade storage.Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tradeKey(trade.AgentID, trade.TxHash)
	if _, ok := s.trades[key]; ok {
		return false, nil
	}
	s.trades[key] = trade
	return true, nil
}

func (s *memStore) TradeExists(_ context.Context, agentID int64, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.trades[tradeKey(agentID, txHash)]
	return ok, nil
}

func (s *memStore) ListTradesByAgent(_ context.Context, agentID int64) ([]storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Trade
	for _, trade := range s.trades {
		if trade.AgentID == agentID {
			out = append(out, trade)
		}
	}
	return out, nil
}

func (s *memStore) ListRecentTrades(ctx context.Context, agentID int64, _ int) ([]storage.Trade, error) {
	return s.ListTradesByAgent(ctx, agentID)
}

func (s *memStore) MaxBlockNumber(_ context.Context, agentID int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, trade := range s.trades {
		if trade.AgentID == agentID && trade.BlockNumber > max {
			max = trade.BlockNumber
		}
	}
	return max, nil
}

func (s *memStore) ListAgents(context.Context) ([]storage.Agent, error) {
	return []storage.Agent{testAgent()}, nil
}

func (s *memStore) GetAgent(_ context.Context, id int64) (storage.Agent, error) {
	return testAgent(), nil
}

func (s *memStore) UpdateAgentStats(_ context.Context, id int64, stats storage.AgentStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[id] = stats
	s.statsUps++
	return nil
}

type fakeReader struct {
	latest    uint64
	logs      []types.Log
	metaErrs  map[common.Address]error
	lastFrom  uint64
	lastTo    uint64
	fromCalls []uint64
}

func (r *fakeReader) LatestBlock(context.Context) (uint64, error) {
	return r.latest, nil
}

func (r *fakeReader) TransferLogs(_ context.Context, _ common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	r.lastFrom, r.lastTo = fromBlock, toBlock
	r.fromCalls = append(r.fromCalls, fromBlock)
	var out []types.Log
	for _, lg := range r.logs {
		if lg.BlockNumber >= fromBlock && lg.BlockNumber <= toBlock {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (r *fakeReader) BlockTime(_ context.Context, blockNumber uint64) (time.Time, error) {
	return time.Unix(int64(blockNumber)*12, 0).UTC(), nil
}

func (r *fakeReader) TokenMetadata(_ context.Context, token common.Address) (chain.TokenMeta, error) {
	if err, ok := r.metaErrs[token]; ok {
		return chain.TokenMeta{}, err
	}
	symbol := "X"
	if token == testTokenY {
		symbol = "Y"
	}
	return chain.TokenMeta{Symbol: symbol, Decimals: 0}, nil
}

type fakePrices struct {
	prices map[common.Address]decimal.Decimal
}

func (p *fakePrices) Resolve(_ context.Context, token common.Address) decimal.Decimal {
	if price, ok := p.prices[token]; ok {
		return price
	}
	return decimal.Zero
}

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePublisher) Publish(_ context.Context, event bus.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) byTopic(topic string) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, event := range p.events {
		if event.Topic() == topic {
			out = append(out, event)
		}
	}
	return out
}

func newTestIndexer(store *memStore, reader *fakeReader, prices *fakePrices, pub *capturePublisher) *Indexer {
	return New(store, store, reader, prices, pub, Options{LookbackBlocks: 1000}, zerolog.Nop())
}

func TestIndexAgentPersistsSwap(t *testing.T) {
	store := newMemStore()
	reader := &fakeReader{latest: 20, logs: swapLogs(common.HexToHash("0x01"), 10, 100, 40)}
	prices := &fakePrices{prices: map[common.Address]decimal.Decimal{
		testTokenX: decimal.NewFromInt(2),
		testTokenY: decimal.NewFromInt(10),
	}}
	pub := &capturePublisher{}
	ix := newTestIndexer(store, reader, prices, pub)

	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("IndexAgent: %v", err)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	var trade storage.Trade
	for _, stored := range store.trades {
		trade = stored
	}
	if got := trade.ValueUSD.String(); got != "200" {
		t.Errorf("value usd = %s, want 200", got)
	}
	if got := trade.ProfitLossUSD.String(); got != "200" {
		t.Errorf("profit = %s, want 200", got)
	}
	if trade.TokenIn.Symbol != "X" || trade.TokenOut.Symbol != "Y" {
		t.Errorf("legs = %s/%s, want X/Y", trade.TokenIn.Symbol, trade.TokenOut.Symbol)
	}

	if got := len(pub.byTopic(bus.TopicTradeIndexed)); got != 1 {
		t.Errorf("trade-indexed events = %d, want 1", got)
	}
	if got := len(pub.byTopic(bus.TopicStatsUpdated)); got != 1 {
		t.Errorf("stats-updated events = %d, want 1", got)
	}
	scans := pub.byTopic(bus.TopicScanCompleted)
	if len(scans) != 1 {
		t.Fatalf("scan-completed events = %d, want 1", len(scans))
	}
	if done := scans[0].(bus.ScanCompleted); done.NewTrades != 1 || done.Watermark != 10 {
		t.Errorf("scan summary = %+v", done)
	}

	if ix.AgentState(testAgent().ID) != StateIdle {
		t.Errorf("state = %s, want idle", ix.AgentState(testAgent().ID))
	}
}

func TestIndexAgentIsIdempotent(t *testing.T) {
	store := newMemStore()
	reader := &fakeReader{latest: 20, logs: swapLogs(common.HexToHash("0x01"), 10, 100, 40)}
	prices := &fakePrices{prices: map[common.Address]decimal.Decimal{
		testTokenX: decimal.NewFromInt(2),
	}}
	pub := &capturePublisher{}
	ix := newTestIndexer(store, reader, prices, pub)

	for i := 0; i < 2; i++ {
		if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade after rescans, got %d", len(store.trades))
	}
	if store.statsUps != 1 {
		t.Errorf("stats recomputed %d times, want 1", store.statsUps)
	}
	if got := len(pub.byTopic(bus.TopicScanCompleted)); got != 2 {
		t.Errorf("scan-completed events = %d, want 2", got)
	}
}

func TestIndexAgentAdvancesWatermark(t *testing.T) {
	store := newMemStore()
	reader := &fakeReader{latest: 20, logs: swapLogs(common.HexToHash("0x01"), 10, 100, 40)}
	prices := &fakePrices{prices: map[common.Address]decimal.Decimal{testTokenX: decimal.NewFromInt(1)}}
	pub := &capturePublisher{}
	ix := newTestIndexer(store, reader, prices, pub)

	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	reader.latest = 40
	reader.logs = append(reader.logs, swapLogs(common.HexToHash("0x02"), 30, 50, 60)...)
	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(reader.fromCalls) != 2 {
		t.Fatalf("log queries = %d, want 2", len(reader.fromCalls))
	}
	// Second scan resumes just past the recorded watermark.
	if reader.fromCalls[1] != 11 {
		t.Errorf("second scan from block %d, want 11", reader.fromCalls[1])
	}
	if len(store.trades) != 2 {
		t.Errorf("expected 2 trades, got %d", len(store.trades))
	}
}

func TestIndexAgentCrossesGapWiderThanSpan(t *testing.T) {
	store := newMemStore()
	reader := &fakeReader{latest: 20, logs: swapLogs(common.HexToHash("0x01"), 10, 100, 40)}
	prices := &fakePrices{prices: map[common.Address]decimal.Decimal{testTokenX: decimal.NewFromInt(1)}}
	pub := &capturePublisher{}
	ix := New(store, store, reader, prices, pub, Options{LookbackBlocks: 1000, MaxBlockSpan: 100}, zerolog.Nop())

	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Next trade sits several capped windows beyond the watermark.
	reader.latest = 520
	reader.logs = append(reader.logs, swapLogs(common.HexToHash("0x02"), 500, 10, 20)...)
	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(store.trades) != 2 {
		t.Fatalf("expected both trades, got %d; the scan stalled short of the gap", len(store.trades))
	}

	// One tick walks the backlog in consecutive capped windows.
	want := []uint64{1, 11, 111, 211, 311, 411, 511}
	if len(reader.fromCalls) != len(want) {
		t.Fatalf("log queries = %v, want windows starting at %v", reader.fromCalls, want)
	}
	for i, from := range want {
		if reader.fromCalls[i] != from {
			t.Errorf("window %d starts at %d, want %d", i, reader.fromCalls[i], from)
		}
	}
	if reader.lastTo != 520 {
		t.Errorf("final window ends at %d, want 520", reader.lastTo)
	}

	scans := pub.byTopic(bus.TopicScanCompleted)
	if len(scans) != 2 {
		t.Fatalf("scan-completed events = %d, want 2", len(scans))
	}
	if done := scans[1].(bus.ScanCompleted); done.NewTrades != 1 || done.Watermark != 500 {
		t.Errorf("second scan summary = %+v", done)
	}
}

func TestIndexAgentIsolatesFailingCandidate(t *testing.T) {
	store := newMemStore()
	logs := swapLogs(common.HexToHash("0x01"), 10, 100, 40)
	badToken := common.HexToAddress("0x3333000000000000000000000000000000000003")
	logs = append(logs,
		transferLog(badToken, testWallet, testRouter, 5, common.HexToHash("0x02"), 11, 0),
		transferLog(testTokenY, testRouter, testWallet, 9, common.HexToHash("0x02"), 11, 1),
	)
	reader := &fakeReader{
		latest:   20,
		logs:     logs,
		metaErrs: map[common.Address]error{badToken: chain.ErrUnresolvedToken},
	}
	prices := &fakePrices{prices: map[common.Address]decimal.Decimal{testTokenX: decimal.NewFromInt(2)}}
	pub := &capturePublisher{}
	ix := newTestIndexer(store, reader, prices, pub)

	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("IndexAgent: %v", err)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected the healthy candidate only, got %d trades", len(store.trades))
	}
	scans := pub.byTopic(bus.TopicScanCompleted)
	if len(scans) != 1 || scans[0].(bus.ScanCompleted).NewTrades != 1 {
		t.Errorf("scan summary = %+v", scans)
	}
}

func TestIndexAgentEmptyTickStillReports(t *testing.T) {
	store := newMemStore()
	reader := &fakeReader{latest: 20}
	pub := &capturePublisher{}
	ix := newTestIndexer(store, reader, &fakePrices{}, pub)

	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("IndexAgent: %v", err)
	}

	if len(store.trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(store.trades))
	}
	if store.statsUps != 0 {
		t.Errorf("stats updated on empty tick")
	}
	if got := len(pub.byTopic(bus.TopicScanCompleted)); got != 1 {
		t.Errorf("scan-completed events = %d, want 1", got)
	}
}

func TestIndexAgentUnpricedLegsValueToZero(t *testing.T) {
	store := newMemStore()
	reader := &fakeReader{latest: 20, logs: swapLogs(common.HexToHash("0x01"), 10, 100, 40)}
	pub := &capturePublisher{}
	ix := newTestIndexer(store, reader, &fakePrices{}, pub)

	if err := ix.IndexAgent(context.Background(), testAgent()); err != nil {
		t.Fatalf("IndexAgent: %v", err)
	}

	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(store.trades))
	}
	for _, trade := range store.trades {
		if !trade.ValueUSD.IsZero() || !trade.ProfitLossUSD.IsZero() {
			t.Errorf("unpriced trade valued: value=%s pnl=%s", trade.ValueUSD, trade.ProfitLossUSD)
		}
	}
}
