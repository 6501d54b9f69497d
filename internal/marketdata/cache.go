// Package marketdata wraps a poll-shaped ticker fetch behind a short TTL
// cache, so every evaluation loop tick within the TTL window costs no
// network round trip.
//
// Grounded on internal/exchange/base/adapter.go's StartPollingStream idiom
// (periodic refetch on a ticker.C loop) adapted into an on-demand,
// expiry-checked cache rather than a background push loop, since the
// Strategy port pulls at its own cadence.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

// Cache wraps a core.MarketData source with a per-symbol TTL.
type Cache struct {
	source core.MarketData
	ttl    time.Duration

	mu      sync.Mutex
	entries map[core.Symbol]entry
}

type entry struct {
	ticker    core.Ticker
	expiresAt time.Time
}

// New builds a Cache that re-fetches from source whenever the cached
// ticker for a symbol is older than ttl.
func New(source core.MarketData, ttl time.Duration) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: make(map[core.Symbol]entry),
	}
}

// GetTicker returns the cached ticker for symbol if still fresh, otherwise
// fetches, caches and returns a new one. Concurrent callers for the same
// symbol may both miss and both fetch; the cache does not coalesce
// in-flight fetches because a poll-shaped source call is cheap relative to
// the evaluation cadence that drives it.
func (c *Cache) GetTicker(ctx context.Context, symbol core.Symbol) (core.Ticker, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[symbol]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.ticker, nil
	}
	c.mu.Unlock()

	ticker, err := c.source.GetTicker(ctx, symbol)
	if err != nil {
		return core.Ticker{}, err
	}

	c.mu.Lock()
	c.entries[symbol] = entry{ticker: ticker, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return ticker, nil
}

var _ core.MarketData = (*Cache)(nil)
