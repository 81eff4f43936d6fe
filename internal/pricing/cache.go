package pricing

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Quote is one cached price resolution.
type Quote struct {
	PriceUSD   decimal.Decimal
	Source     string
	ResolvedAt time.Time
}

// Cache is a process-local price cache with a fixed TTL. Entries are not
// persisted and multiple processes may hold divergent values; prices are
// read-mostly and short-lived, so no cross-instance coherence is attempted.
type Cache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[common.Address]Quote
	now     func() time.Time
}

// NewCache constructs a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[common.Address]Quote),
		now:     time.Now,
	}
}

// Get returns the unexpired quote for a token, if any.
func (c *Cache) Get(token common.Address) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	quote, ok := c.entries[token]
	if !ok {
		return Quote{}, false
	}
	if c.now().Sub(quote.ResolvedAt) > c.ttl {
		return Quote{}, false
	}
	return quote, true
}

// Put stores a quote. Callers only write strictly positive prices.
func (c *Cache) Put(token common.Address, price decimal.Decimal, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = Quote{PriceUSD: price, Source: source, ResolvedAt: c.now()}
}

// Len reports the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
