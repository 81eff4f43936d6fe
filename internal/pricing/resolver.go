package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0toBillions/clawtrade/internal/chain"
)

// Price source tags recorded alongside cached quotes.
const (
	SourceStablecoin = "stablecoin"
	SourceSpotFeed   = "spot_feed"
	SourceFallback   = "fallback_const"
	SourcePool       = "pool_reserves"
	SourceCache      = "cache"
)

// ChainSource is the subset of chain reads the resolver needs.
type ChainSource interface {
	PairReserves(ctx context.Context, pool common.Address) (chain.Reserves, error)
	TokenMetadata(ctx context.Context, token common.Address) (chain.TokenMeta, error)
}

// Pair maps a token to the liquidity pool used to price it and the base
// asset on the other side of that pool.
type Pair struct {
	Pool common.Address
	Base common.Address
}

// Options parameterise the resolver.
type Options struct {
	WrappedNative  common.Address
	Stablecoins    []common.Address
	Pairs          map[common.Address]Pair
	SpotFeedURL    string
	SpotTimeout    time.Duration
	NativeFallback decimal.Decimal
}

// Resolver resolves a token's USD unit price through a tiered fallback
// chain: stablecoin constant, cache, spot feed for the wrapped native asset,
// pool reserves for configured pairs. Tokens with no liquidity path resolve
// to zero; zero means "unpriced", never an error, so unrelated trades are
// not blocked on one exotic token.
type Resolver struct {
	opts    Options
	cache   *Cache
	chain   ChainSource
	client  *http.Client
	logger  zerolog.Logger
	stables map[common.Address]struct{}
}

// NewResolver constructs a resolver around an explicitly owned cache.
func NewResolver(opts Options, cache *Cache, source ChainSource, logger zerolog.Logger) *Resolver {
	timeout := opts.SpotTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	stables := make(map[common.Address]struct{}, len(opts.Stablecoins))
	for _, addr := range opts.Stablecoins {
		stables[addr] = struct{}{}
	}

	return &Resolver{
		opts:    opts,
		cache:   cache,
		chain:   source,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "price_resolver").Logger(),
		stables: stables,
	}
}

// Resolve returns the USD unit price of a token, or zero when unpriced.
func (r *Resolver) Resolve(ctx context.Context, token common.Address) decimal.Decimal {
	if _, ok := r.stables[token]; ok {
		return decimal.NewFromInt(1)
	}

	if quote, ok := r.cache.Get(token); ok {
		return quote.PriceUSD
	}

	price, source := r.resolveUncached(ctx, token)
	if price.IsPositive() {
		r.cache.Put(token, price, source)
	}
	return price
}

// Refresh re-resolves a token bypassing the cache, replacing any cached
// quote so readers between refreshes see a recent price. Stablecoins need
// no refresh and unpriced results leave the cache untouched.
func (r *Resolver) Refresh(ctx context.Context, token common.Address) decimal.Decimal {
	if _, ok := r.stables[token]; ok {
		return decimal.NewFromInt(1)
	}

	price, source := r.resolveUncached(ctx, token)
	if price.IsPositive() {
		r.cache.Put(token, price, source)
	}
	return price
}

func (r *Resolver) resolveUncached(ctx context.Context, token common.Address) (decimal.Decimal, string) {
	if token == r.opts.WrappedNative {
		return r.resolveNative(ctx)
	}

	pair, ok := r.opts.Pairs[token]
	if !ok {
		r.logger.Debug().Str("token", token.Hex()).Msg("no liquidity path configured, treating as unpriced")
		return decimal.Zero, ""
	}

	price, err := r.poolPrice(ctx, token, pair)
	if err != nil {
		r.logger.Warn().Err(err).Str("token", token.Hex()).Msg("pool price lookup failed, treating as unpriced")
		return decimal.Zero, ""
	}
	return price, SourcePool
}

// resolveNative prices the wrapped native asset via the external spot feed,
// falling back to a configured constant when the feed is unreachable.
func (r *Resolver) resolveNative(ctx context.Context) (decimal.Decimal, string) {
	price, err := r.fetchSpot(ctx)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("fallback_usd", r.opts.NativeFallback.String()).
			Msg("spot feed unavailable, using fallback constant")
		return r.opts.NativeFallback, SourceFallback
	}
	return price, SourceSpotFeed
}

func (r *Resolver) fetchSpot(ctx context.Context) (decimal.Decimal, error) {
	if r.opts.SpotFeedURL == "" {
		return decimal.Decimal{}, fmt.Errorf("spot feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.SpotFeedURL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("spot feed status %d", resp.StatusCode)
	}

	var payload struct {
		PriceUSD float64 `json:"price_usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode spot feed response: %w", err)
	}
	if payload.PriceUSD <= 0 {
		return decimal.Decimal{}, fmt.Errorf("spot feed returned non-positive price")
	}

	return decimal.NewFromFloat(payload.PriceUSD), nil
}

// poolPrice derives the token's USD price from V2-style pool reserves
// against a base asset whose own USD price is resolvable.
func (r *Resolver) poolPrice(ctx context.Context, token common.Address, pair Pair) (decimal.Decimal, error) {
	basePrice := r.basePrice(ctx, pair.Base)
	if !basePrice.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("base asset %s is unpriced", pair.Base.Hex())
	}

	reserves, err := r.chain.PairReserves(ctx, pair.Pool)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("read reserves: %w", err)
	}

	tokenMeta, err := r.chain.TokenMetadata(ctx, token)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("token metadata: %w", err)
	}
	baseMeta, err := r.chain.TokenMetadata(ctx, pair.Base)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("base metadata: %w", err)
	}

	tokenReserve := reserves.Reserve1
	baseReserve := reserves.Reserve0
	if reserves.Token0 == token {
		tokenReserve = reserves.Reserve0
		baseReserve = reserves.Reserve1
	}
	if tokenReserve.Sign() == 0 {
		return decimal.Decimal{}, fmt.Errorf("pool %s has no token reserve", pair.Pool.Hex())
	}

	tokenUnits := decimal.NewFromBigInt(tokenReserve, -int32(tokenMeta.Decimals))
	baseUnits := decimal.NewFromBigInt(baseReserve, -int32(baseMeta.Decimals))
	if !tokenUnits.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("pool %s token reserve rounds to zero", pair.Pool.Hex())
	}

	return baseUnits.Div(tokenUnits).Mul(basePrice), nil
}

// basePrice resolves a pool's base asset: stablecoins are 1.0, the wrapped
// native asset goes through the spot feed. Other bases are unsupported.
func (r *Resolver) basePrice(ctx context.Context, base common.Address) decimal.Decimal {
	if _, ok := r.stables[base]; ok {
		return decimal.NewFromInt(1)
	}
	if base == r.opts.WrappedNative {
		return r.Resolve(ctx, base)
	}
	return decimal.Zero
}
