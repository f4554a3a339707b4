package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                 {}
func (nopLogger) Info(string, ...interface{})                  {}
func (nopLogger) Warn(string, ...interface{})                  {}
func (nopLogger) Error(string, ...interface{})                 {}
func (nopLogger) Fatal(string, ...interface{})                 {}
func (l nopLogger) WithField(string, interface{}) core.ILogger { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger {
	return l
}

// barProvider scripts the archive endpoint and counts fetches so tests
// can observe cache hits.
type barProvider struct {
	bars  []core.DailyBar
	err   error
	calls int
}

func (p *barProvider) GetLatestTick(context.Context, string) (*core.Tick, error) {
	return nil, errors.New("not scripted")
}

func (p *barProvider) GetDailyBars(context.Context, string, int) ([]core.DailyBar, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.bars, nil
}

func (p *barProvider) CheckHealth(context.Context) error { return nil }

func bar(date string, high string) core.DailyBar {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return core.DailyBar{
		Date: d,
		High: decimal.RequireFromString(high),
	}
}

func TestDailyHighComputesMaxSinceDate(t *testing.T) {
	since := time.Date(2026, 8, 10, 9, 30, 0, 0, time.UTC)
	p := &barProvider{bars: []core.DailyBar{
		bar("2026-08-07", "99.00"), // before the position opened, excluded
		bar("2026-08-10", "10.20"),
		bar("2026-08-11", "10.85"),
		bar("2026-08-12", "10.40"),
	}}
	c := NewHighWaterCache(p, time.Minute, nopLogger{})

	high, err := c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)
	assert.Equal(t, "10.85", high.String())
}

func TestDailyHighCachesWithinTTL(t *testing.T) {
	since := time.Now().AddDate(0, 0, -5)
	p := &barProvider{bars: []core.DailyBar{bar("2026-08-22", "10.85")}}
	c := NewHighWaterCache(p, time.Minute, nopLogger{})

	_, err := c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)
	_, err = c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls, "second lookup within the TTL must hit the cache")

	// A different since date bypasses the cached entry.
	_, err = c.DailyHigh(context.Background(), "600000", since.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestDailyHighServesStaleOnProviderError(t *testing.T) {
	since := time.Now().AddDate(0, 0, -5)
	p := &barProvider{bars: []core.DailyBar{bar("2026-08-22", "10.85")}}
	c := NewHighWaterCache(p, time.Nanosecond, nopLogger{})

	high, err := c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)

	// The entry is expired and the provider is down: stale beats nothing.
	p.err = errors.New("archive unavailable")
	stale, err := c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)
	assert.True(t, stale.Equal(high))
}

func TestDailyHighErrorWithoutCachedEntry(t *testing.T) {
	p := &barProvider{err: errors.New("archive unavailable")}
	c := NewHighWaterCache(p, time.Minute, nopLogger{})

	_, err := c.DailyHigh(context.Background(), "600000", time.Now().AddDate(0, 0, -5))
	assert.Error(t, err)
}

func TestDailyHighEmptyBarsMeansNoHistory(t *testing.T) {
	p := &barProvider{}
	c := NewHighWaterCache(p, time.Minute, nopLogger{})

	high, err := c.DailyHigh(context.Background(), "600000", time.Now().AddDate(0, 0, -5))
	require.NoError(t, err)
	assert.True(t, high.IsZero(), "no bars yields a zero high, not an error")
}

func TestInvalidateForcesRefetch(t *testing.T) {
	since := time.Now().AddDate(0, 0, -5)
	p := &barProvider{bars: []core.DailyBar{bar("2026-08-22", "10.85")}}
	c := NewHighWaterCache(p, time.Minute, nopLogger{})

	_, err := c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)

	c.Invalidate("600000")
	_, err = c.DailyHigh(context.Background(), "600000", since)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}
