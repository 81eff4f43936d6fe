package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	erc20ABIJSON = `[
{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	pairABIJSON = `[
{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`
)

// TransferTopic is the keccak hash of the ERC-20 Transfer event signature.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ErrUnresolvedToken marks a token whose metadata cannot be read: the call
// reverted or the address carries no contract code. Callers skip, not abort.
var ErrUnresolvedToken = errors.New("chain: unresolved token")

var (
	erc20ABI abi.ABI
	pairABI  abi.ABI
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	pairABI, err = abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
}

// TokenMeta holds the on-chain identity of a token contract.
type TokenMeta struct {
	Symbol   string
	Decimals uint8
}

// Reserves is a snapshot of a V2-style pool's reserves.
type Reserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	Token0   common.Address
}

// Options parameterise the chain reader.
type Options struct {
	RPCURL  string
	Timeout time.Duration
}

// Reader is a stateless facade over blockchain RPC. All calls are read-only;
// failures are transient and retried by the caller.
type Reader struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewReader builds a chain reader. The RPC connection is dialled lazily.
func NewReader(opts Options, logger zerolog.Logger) *Reader {
	return &Reader{opts: opts, logger: logger.With().Str("component", "chain_reader").Logger()}
}

func (r *Reader) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if r.opts.RPCURL == "" {
		return nil, errors.New("chain rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// Close releases the RPC connection.
func (r *Reader) Close() {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

func (r *Reader) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// LatestBlock returns the most recent known block number.
func (r *Reader) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// TransferLogs returns all Transfer logs in the inclusive block range where
// address appears as sender or recipient, ordered by block then log index.
func (r *Reader) TransferLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}

	addrTopic := common.BytesToHash(address.Bytes())
	from := new(big.Int).SetUint64(fromBlock)
	to := new(big.Int).SetUint64(toBlock)

	outbound, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Topics:    [][]common.Hash{{TransferTopic}, {addrTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter outbound transfers: %w", err)
	}

	inbound, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Topics:    [][]common.Hash{{TransferTopic}, nil, {addrTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter inbound transfers: %w", err)
	}

	return mergeLogs(outbound, inbound), nil
}

// mergeLogs combines the two directional queries, dropping self-transfer
// duplicates that match both.
func mergeLogs(a, b []types.Log) []types.Log {
	type logKey struct {
		tx    common.Hash
		index uint
	}

	seen := make(map[logKey]struct{}, len(a)+len(b))
	merged := make([]types.Log, 0, len(a)+len(b))
	for _, lg := range append(a, b...) {
		key := logKey{tx: lg.TxHash, index: lg.Index}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, lg)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})
	return merged
}

// BlockTime returns the timestamp of the given block.
func (r *Reader) BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return time.Time{}, err
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("header by number: %w", err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Receipt returns the receipt for a transaction hash.
func (r *Reader) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, txHash)
}

// Transaction returns the originating transaction for a hash.
func (r *Reader) Transaction(ctx context.Context, txHash common.Hash) (*types.Transaction, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}
	tx, _, err := client.TransactionByHash(ctx, txHash)
	return tx, err
}

// TokenMetadata reads symbol and decimals from a token contract. Addresses
// without contract code, or contracts whose calls revert, yield
// ErrUnresolvedToken.
func (r *Reader) TokenMetadata(ctx context.Context, token common.Address) (TokenMeta, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return TokenMeta{}, err
	}

	code, err := client.CodeAt(ctx, token, nil)
	if err != nil {
		return TokenMeta{}, fmt.Errorf("code at %s: %w", token.Hex(), err)
	}
	if len(code) == 0 {
		return TokenMeta{}, fmt.Errorf("%w: no code at %s", ErrUnresolvedToken, token.Hex())
	}

	symbol, err := r.callString(ctx, client, token, "symbol")
	if err != nil {
		return TokenMeta{}, fmt.Errorf("%w: symbol(%s): %v", ErrUnresolvedToken, token.Hex(), err)
	}

	decimals, err := r.callUint8(ctx, client, token, "decimals")
	if err != nil {
		return TokenMeta{}, fmt.Errorf("%w: decimals(%s): %v", ErrUnresolvedToken, token.Hex(), err)
	}

	return TokenMeta{Symbol: symbol, Decimals: decimals}, nil
}

func (r *Reader) callString(ctx context.Context, client *ethclient.Client, contract common.Address, method string) (string, error) {
	payload, err := erc20ABI.Pack(method)
	if err != nil {
		return "", err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: payload}, nil)
	if err != nil {
		return "", err
	}
	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return "", err
	}
	if len(outputs) != 1 {
		return "", fmt.Errorf("unexpected %s response", method)
	}
	value, ok := outputs[0].(string)
	if !ok {
		return "", fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

func (r *Reader) callUint8(ctx context.Context, client *ethclient.Client, contract common.Address, method string) (uint8, error) {
	payload, err := erc20ABI.Pack(method)
	if err != nil {
		return 0, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("unexpected %s response", method)
	}
	value, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

// TokenBalance reads balanceOf(owner) on a token contract.
func (r *Reader) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, err
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode balanceOf output")
	}
	return balance, nil
}

// NativeBalance reads the native-asset balance of an address.
func (r *Reader) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.BalanceAt(ctx, owner, nil)
}

// PairReserves reads getReserves and token0 from a V2-style pool contract.
func (r *Reader) PairReserves(ctx context.Context, pool common.Address) (Reserves, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return Reserves{}, err
	}

	payload, err := pairABI.Pack("getReserves")
	if err != nil {
		return Reserves{}, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: payload}, nil)
	if err != nil {
		return Reserves{}, fmt.Errorf("getReserves(%s): %w", pool.Hex(), err)
	}
	outputs, err := pairABI.Unpack("getReserves", res)
	if err != nil {
		return Reserves{}, fmt.Errorf("decode getReserves: %w", err)
	}
	if len(outputs) != 3 {
		return Reserves{}, errors.New("unexpected getReserves response")
	}

	reserve0, ok0 := outputs[0].(*big.Int)
	reserve1, ok1 := outputs[1].(*big.Int)
	if !ok0 || !ok1 {
		return Reserves{}, errors.New("failed to decode reserves")
	}

	payload, err = pairABI.Pack("token0")
	if err != nil {
		return Reserves{}, err
	}
	res, err = client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: payload}, nil)
	if err != nil {
		return Reserves{}, fmt.Errorf("token0(%s): %w", pool.Hex(), err)
	}
	outputs, err = pairABI.Unpack("token0", res)
	if err != nil {
		return Reserves{}, fmt.Errorf("decode token0: %w", err)
	}
	token0, ok := outputs[0].(common.Address)
	if !ok {
		return Reserves{}, errors.New("failed to decode token0")
	}

	return Reserves{Reserve0: reserve0, Reserve1: reserve1, Token0: token0}, nil
}
