package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CachedOracle wraps an upstream PriceOracle with a per-asset TTL cache.
// Fresh entries are served without touching the upstream. When the
// upstream fails and an expired entry exists, the stale price is served
// as a fallback so portfolio reads survive short price-service outages.
type CachedOracle struct {
	upstream PriceOracle
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time // swapped in tests
}

type cacheEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// NewCachedOracle wraps upstream with a TTL cache. ttl must be positive;
// zero selects a 30s default.
func NewCachedOracle(upstream PriceOracle, ttl time.Duration) *CachedOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedOracle{
		upstream: upstream,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// GetPrice returns the cached price when fresh, otherwise refreshes from
// the upstream. On refresh failure a stale entry, if present, is served.
func (c *CachedOracle) GetPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	c.mu.RLock()
	entry, ok := c.entries[assetID]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.price, nil
	}

	price, err := c.upstream.GetPrice(ctx, assetID)
	if err != nil {
		if ok {
			slog.Warn("price refresh failed, serving stale price",
				"asset", assetID,
				"age", c.now().Sub(entry.fetchedAt).String(),
				"err", err,
			)
			return entry.price, nil
		}
		return decimal.Decimal{}, err
	}

	c.mu.Lock()
	c.entries[assetID] = cacheEntry{price: price, fetchedAt: c.now()}
	c.mu.Unlock()

	return price, nil
}
