package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/core"
)

// MarketData implements core.IMarketData from scripted quotes. Tests
// push ticks and daily bars; the daemon reads them back as if they
// came from the live feed.
type MarketData struct {
	mu        sync.RWMutex
	ticks     map[string]*core.Tick
	dailyBars map[string][]core.DailyBar
	tickErr   map[string]error
	healthErr error
}

// NewMarketData creates an empty scripted feed.
func NewMarketData() *MarketData {
	return &MarketData{
		ticks:     make(map[string]*core.Tick),
		dailyBars: make(map[string][]core.DailyBar),
		tickErr:   make(map[string]error),
	}
}

// SetTick scripts the latest quote for a symbol.
func (m *MarketData) SetTick(tick *core.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tick.Time.IsZero() {
		tick.Time = time.Now()
	}
	m.ticks[tick.StockCode] = tick
	delete(m.tickErr, tick.StockCode)
}

// SetPrice is SetTick shorthand for a last-price-only quote.
func (m *MarketData) SetPrice(stockCode string, last decimal.Decimal) {
	m.SetTick(&core.Tick{
		StockCode: stockCode,
		Last:      last,
		High:      last,
		Low:       last,
	})
}

// FailTick makes GetLatestTick return err for one symbol until the
// next SetTick.
func (m *MarketData) FailTick(stockCode string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickErr[stockCode] = err
}

// SetDailyBars scripts the daily history for a symbol, newest last.
func (m *MarketData) SetDailyBars(stockCode string, bars []core.DailyBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyBars[stockCode] = bars
}

// SetHealthErr scripts the CheckHealth result.
func (m *MarketData) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// GetLatestTick returns the scripted quote for a symbol.
func (m *MarketData) GetLatestTick(ctx context.Context, stockCode string) (*core.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.tickErr[stockCode]; err != nil {
		return nil, err
	}
	tick, ok := m.ticks[stockCode]
	if !ok {
		return nil, fmt.Errorf("mock market data: no tick for %s", stockCode)
	}
	cp := *tick
	return &cp, nil
}

// GetDailyBars returns up to days of scripted history, newest last.
func (m *MarketData) GetDailyBars(ctx context.Context, stockCode string, days int) ([]core.DailyBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := m.dailyBars[stockCode]
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]core.DailyBar, len(bars))
	copy(out, bars)
	return out, nil
}

// CheckHealth returns the scripted health error.
func (m *MarketData) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}
