package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/core"
)

// maxLookbackDays caps how far back the daily-high bootstrap reaches.
const maxLookbackDays = 365

// HighWaterCache serves the historical daily high of a symbol since its
// position opened, cached for a TTL. Live tick highs are never cached
// here; the monitor blends them in per tick.
type HighWaterCache struct {
	provider core.IMarketData
	ttl      time.Duration
	logger   core.ILogger

	mu      sync.Mutex
	entries map[string]highWaterEntry
}

type highWaterEntry struct {
	high      decimal.Decimal
	since     time.Time
	fetchedAt time.Time
}

// NewHighWaterCache creates a cache over the given bar provider.
func NewHighWaterCache(provider core.IMarketData, ttl time.Duration, logger core.ILogger) *HighWaterCache {
	return &HighWaterCache{
		provider: provider,
		ttl:      ttl,
		logger:   logger.WithField("component", "highwater_cache"),
		entries:  make(map[string]highWaterEntry),
	}
}

// DailyHigh returns the highest daily high observed since the given
// date. A zero value with a nil error means no bars were available; the
// caller falls back to live data only.
func (c *HighWaterCache) DailyHigh(ctx context.Context, stockCode string, since time.Time) (decimal.Decimal, error) {
	c.mu.Lock()
	entry, ok := c.entries[stockCode]
	c.mu.Unlock()
	if ok && entry.since.Equal(since) && time.Since(entry.fetchedAt) < c.ttl {
		return entry.high, nil
	}

	days := int(time.Since(since).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	if days > maxLookbackDays {
		days = maxLookbackDays
	}

	bars, err := c.provider.GetDailyBars(ctx, stockCode, days)
	if err != nil {
		// Serve stale data over nothing while the archive source flaps.
		if ok {
			return entry.high, nil
		}
		return decimal.Zero, err
	}

	high := decimal.Zero
	for _, b := range bars {
		if b.Date.Before(since.Truncate(24 * time.Hour)) {
			continue
		}
		if b.High.GreaterThan(high) {
			high = b.High
		}
	}

	c.mu.Lock()
	c.entries[stockCode] = highWaterEntry{high: high, since: since, fetchedAt: time.Now()}
	c.mu.Unlock()
	return high, nil
}

// Invalidate drops the cached entry for a symbol.
func (c *HighWaterCache) Invalidate(stockCode string) {
	c.mu.Lock()
	delete(c.entries, stockCode)
	c.mu.Unlock()
}
