// Package monitor drives the per-tick position watch: quote fetch,
// highest-price maintenance, signal generation, validation, and
// hand-off to the order and grid managers.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/pkg/concurrency"
	"stock_sentinel/pkg/telemetry"
)

// dailyHighProvider is the slice of the high-water cache the monitor
// needs.
type dailyHighProvider interface {
	DailyHigh(ctx context.Context, stockCode string, since time.Time) (decimal.Decimal, error)
}

// sessionWindow is one trading window in minutes since midnight.
type sessionWindow struct {
	start int
	end   int
}

// Monitor is the C4 loop. One goroutine paces the passes; symbol work
// fans out to a bounded worker pool.
type Monitor struct {
	store     core.IStateStore
	market    core.IMarketData
	breaker   core.IMarketDataBreaker
	grid      core.IGridManager
	orders    core.IOrderManager
	highWater dailyHighProvider
	alerter   core.IAlerter
	logger    core.ILogger

	tradingCfg config.TradingConfig
	monitorCfg config.MonitorConfig
	loc        *time.Location
	windows    []sessionWindow

	pool *concurrency.WorkerPool

	mu     sync.Mutex
	latest map[string]*core.Signal

	heartbeat       atomic.Int64
	tradingDisabled atomic.Bool
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewMonitor builds the monitor. Trading windows and the market
// timezone are resolved here so a bad config fails at startup, not
// mid-session.
func NewMonitor(
	store core.IStateStore,
	market core.IMarketData,
	breaker core.IMarketDataBreaker,
	grid core.IGridManager,
	orders core.IOrderManager,
	highWater dailyHighProvider,
	tradingCfg config.TradingConfig,
	monitorCfg config.MonitorConfig,
	timezone string,
	logger core.ILogger,
	alerter core.IAlerter,
) (*Monitor, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	windows, err := parseWindows(monitorCfg.TradingSessions)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		store:      store,
		market:     market,
		breaker:    breaker,
		grid:       grid,
		orders:     orders,
		highWater:  highWater,
		alerter:    alerter,
		logger:     logger.WithField("component", "monitor"),
		tradingCfg: tradingCfg,
		monitorCfg: monitorCfg,
		loc:        loc,
		windows:    windows,
		latest:     make(map[string]*core.Signal),
	}
	m.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "monitor",
		MaxWorkers: monitorCfg.Workers,
	}, logger)
	return m, nil
}

// parseWindows parses "HH:MM-HH:MM" windows.
func parseWindows(sessions []string) ([]sessionWindow, error) {
	windows := make([]sessionWindow, 0, len(sessions))
	for _, s := range sessions {
		var sh, sm, eh, em int
		if _, err := fmt.Sscanf(s, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
			return nil, fmt.Errorf("invalid trading session %q: %w", s, err)
		}
		w := sessionWindow{start: sh*60 + sm, end: eh*60 + em}
		if w.start >= w.end {
			return nil, fmt.Errorf("invalid trading session %q: start not before end", s)
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// Start repairs stored state once, then launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.heartbeat.Store(time.Now().UnixNano())

	repairCtx, cancelRepair := context.WithTimeout(ctx,
		time.Duration(m.monitorCfg.CallTimeoutSeconds)*time.Second)
	m.repairStoredState(repairCtx)
	cancelRepair()

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(runCtx)
	m.logger.Info("Position monitor started",
		"interval_seconds", m.monitorCfg.LoopIntervalSeconds,
		"workers", m.monitorCfg.Workers,
		"sessions", m.monitorCfg.TradingSessions)
	return nil
}

// Stop terminates the loop and drains the worker pool.
func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pool.Stop()
	return nil
}

// CheckHealth reports unhealthy when the loop heartbeat goes stale.
// Outside trading hours the loop sleeps the non-trade interval, so the
// staleness bound covers both cadences.
func (m *Monitor) CheckHealth() error {
	bound := 3 * time.Duration(m.monitorCfg.NonTradeSleepSeconds) * time.Second
	if fast := 3 * time.Duration(m.monitorCfg.LoopIntervalSeconds) * time.Second; fast > bound {
		bound = fast
	}
	last := time.Unix(0, m.heartbeat.Load())
	if stale := time.Since(last); stale > bound {
		return fmt.Errorf("monitor loop stale for %s", stale.Round(time.Second))
	}
	return nil
}

// Heartbeat returns the time of the last loop wakeup, for the watchdog.
func (m *Monitor) Heartbeat() time.Time {
	return time.Unix(0, m.heartbeat.Load())
}

// AutoTradingEnabled reports whether signal execution is live. The
// config flag can be overridden at runtime by DisableAutoTrading.
func (m *Monitor) AutoTradingEnabled() bool {
	return m.tradingCfg.EnableAutoTrading && !m.tradingDisabled.Load()
}

// DisableAutoTrading turns signal execution off in memory. Used when a
// runtime fault makes order submission unsafe; read-only surfaces keep
// working. There is no re-enable short of a restart.
func (m *Monitor) DisableAutoTrading(reason string) {
	if m.tradingDisabled.Swap(true) {
		return
	}
	m.logger.Error("Auto trading disabled at runtime", "reason", reason)
}

// LatestSignals returns a snapshot of the per-symbol latest-signal
// slots for the dashboard.
func (m *Monitor) LatestSignals() map[string]*core.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*core.Signal, len(m.latest))
	for code, sig := range m.latest {
		c := *sig
		out[code] = &c
	}
	return out
}

// RunOnce executes a single monitoring pass immediately, regardless of
// the configured trading windows. Used for manual triggers and wired
// end-to-end tests that drive ticks deterministically.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.heartbeat.Store(time.Now().UnixNano())
	m.runPass(ctx)
}

// repairStoredState recomputes corrupt stop-loss prices for every
// stored position. Runs once at startup so rows created while the
// daemon was down (reconciler imports, interrupted writes) are usable
// before the next trading window opens. No quotes are fetched and no
// signals run.
func (m *Monitor) repairStoredState(ctx context.Context) {
	positions, err := m.store.ListPositions(ctx)
	if err != nil {
		m.logger.Warn("Startup repair skipped, position list failed", "error", err)
		return
	}
	for _, pos := range positions {
		price, repair := stopLossRepair(pos, m.tradingCfg)
		if !repair {
			continue
		}
		if err := m.store.SetStopLossPrice(ctx, pos.StockCode, price); err != nil {
			m.logger.Warn("Startup stop-loss repair failed",
				"stock_code", pos.StockCode, "error", err)
			continue
		}
		m.logger.Info("Stop-loss price repaired at startup",
			"stock_code", pos.StockCode,
			"stop_loss_price", price.String())
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.heartbeat.Store(time.Now().UnixNano())

		var sleep time.Duration
		if m.inTradingSession(time.Now().In(m.loc)) {
			m.runPass(ctx)
			sleep = time.Duration(m.monitorCfg.LoopIntervalSeconds) * time.Second
		} else {
			sleep = time.Duration(m.monitorCfg.NonTradeSleepSeconds) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// inTradingSession reports whether t falls inside a configured window
// on a weekday.
func (m *Monitor) inTradingSession(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	for _, w := range m.windows {
		if minutes >= w.start && minutes < w.end {
			return true
		}
	}
	return false
}

// runPass lists positions and fans one task per symbol out to the
// pool, waiting for the whole pass before the loop sleeps. Symbols
// whose grid session outlived the position row are included too, so
// the session can observe the cleared volume and stop.
func (m *Monitor) runPass(ctx context.Context) {
	if m.breaker != nil && !m.breaker.Allow() {
		// One short-circuit covers the whole pass; the breaker logs the
		// trip itself.
		return
	}

	positions, err := m.store.ListPositions(ctx)
	if err != nil {
		m.logger.Error("Failed to list positions for monitor pass", "error", err)
		return
	}

	symbols := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, pos := range positions {
		symbols = append(symbols, pos.StockCode)
		seen[pos.StockCode] = true
	}
	if m.tradingCfg.EnableGridTrading && m.grid != nil {
		for _, gs := range m.grid.ActiveSessions() {
			if !seen[gs.StockCode] {
				symbols = append(symbols, gs.StockCode)
			}
		}
	}

	var wg sync.WaitGroup
	for _, code := range symbols {
		code := code
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			tickCtx, cancel := context.WithTimeout(ctx,
				time.Duration(m.monitorCfg.CallTimeoutSeconds)*time.Second)
			defer cancel()
			m.processSymbol(tickCtx, code)
		}); err != nil {
			wg.Done()
			m.logger.Warn("Monitor pool rejected task", "stock_code", code, "error", err)
		}
	}
	wg.Wait()
}

// processSymbol runs the full per-symbol tick. A timeout drops the
// tick; the next pass retries naturally.
func (m *Monitor) processSymbol(ctx context.Context, stockCode string) {
	started := time.Now()
	defer func() {
		if h := telemetry.GetGlobalMetrics(); h.TickLatency != nil {
			h.TickLatency.Record(ctx, float64(time.Since(started).Milliseconds()),
				metric.WithAttributes(attribute.String("symbol", stockCode)))
		}
	}()

	tick, err := m.market.GetLatestTick(ctx, stockCode)
	if err != nil {
		if m.breaker != nil {
			m.breaker.RecordFailure()
		}
		m.logger.Warn("Quote fetch failed, tick dropped",
			"stock_code", stockCode, "error", err)
		return
	}
	if m.breaker != nil {
		m.breaker.RecordSuccess()
	}
	if h := telemetry.GetGlobalMetrics(); h.TicksProcessedTotal != nil {
		h.TicksProcessedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", stockCode)))
	}

	pos, err := m.store.GetPosition(ctx, stockCode)
	if err != nil {
		m.logger.Warn("Position read failed", "stock_code", stockCode, "error", err)
		return
	}
	if pos == nil || pos.Volume <= 0 {
		// A grid session can outlive its position when the holding is
		// closed outside the daemon; hand the cleared volume to C3 so
		// the session exits as position_cleared.
		m.runGrid(ctx, stockCode, tick.Last, 0)
		return
	}

	m.refreshMarketFields(ctx, pos, tick)
	telemetry.GetGlobalMetrics().SetPositionVolume(stockCode, float64(pos.Volume))

	m.runStrategy(ctx, pos, tick)
	m.runGrid(ctx, pos.StockCode, tick.Last, pos.Volume)
}

// refreshMarketFields blends the live tick and the cached daily high
// into the stored current/highest prices, persisting only on change.
// The position is mutated in place so the signal pass sees fresh data.
func (m *Monitor) refreshMarketFields(ctx context.Context, pos *core.Position, tick *core.Tick) {
	high := pos.HighestPrice
	for _, candidate := range []decimal.Decimal{tick.High, tick.Last} {
		if candidate.GreaterThan(high) {
			high = candidate
		}
	}
	if m.highWater != nil {
		if daily, err := m.highWater.DailyHigh(ctx, pos.StockCode, pos.OpenDate); err == nil {
			if daily.GreaterThan(high) {
				high = daily
			}
		}
	}

	if high.Equal(pos.HighestPrice) && tick.Last.Equal(pos.CurrentPrice) {
		return
	}
	if err := m.store.UpdateMarketFields(ctx, pos.StockCode, tick.Last, high); err != nil {
		m.logger.Warn("Failed to persist market fields",
			"stock_code", pos.StockCode, "error", err)
		return
	}
	pos.CurrentPrice = tick.Last
	pos.HighestPrice = high
}

// runStrategy evaluates, persists side effects, validates, publishes,
// and (under auto-trading) executes the dynamic-strategy signal.
func (m *Monitor) runStrategy(ctx context.Context, pos *core.Position, tick *core.Tick) {
	ev := evaluate(pos, tick.Last, m.tradingCfg)

	if ev.markBreakout {
		if err := m.store.MarkBreakout(ctx, pos.StockCode, ev.breakoutHighest); err != nil {
			m.logger.Warn("Failed to persist breakout mark",
				"stock_code", pos.StockCode, "error", err)
		} else if !pos.ProfitBreakoutTriggered {
			m.logger.Info("First-stage breakout marked",
				"stock_code", pos.StockCode,
				"breakout_highest", ev.breakoutHighest.String())
		}
	}
	if ev.repairStopLoss {
		if err := m.store.SetStopLossPrice(ctx, pos.StockCode, ev.stopLossPrice); err != nil {
			m.logger.Warn("Failed to persist repaired stop price",
				"stock_code", pos.StockCode, "error", err)
		} else {
			m.logger.Info("Stop-loss price repaired",
				"stock_code", pos.StockCode,
				"stop_loss_price", ev.stopLossPrice.String())
		}
	}

	sig := ev.signal
	if sig == nil {
		return
	}

	var pending bool
	if m.orders != nil {
		_, pending = m.orders.PendingOrder(pos.StockCode)
	}
	if err := validateSignal(sig, pos, pending, m.tradingCfg); err != nil {
		m.logger.Debug("Signal rejected by validation", "error", err)
		return
	}

	m.publish(ctx, sig)

	if sig.Type == core.SignalStopLoss {
		m.alert(ctx, "Stop loss triggered",
			fmt.Sprintf("%s at %s (cost %s)", sig.StockCode, sig.Price, sig.CostPrice),
			core.AlertCritical, sig)
	}

	if !m.AutoTradingEnabled() || m.orders == nil {
		return
	}
	switch sig.Type {
	case core.SignalAddPosition:
		if _, err := m.orders.SubmitBuy(ctx, sig); err != nil {
			m.logger.Warn("Compensation buy submission failed",
				"stock_code", sig.StockCode, "error", err)
			return
		}
		// One tier per position lifetime, marked at submission.
		if ev.fillTier >= 0 {
			if err := m.store.SetBuyTierFilled(ctx, sig.StockCode, ev.fillTier); err != nil {
				m.logger.Error("Failed to persist filled buy tier",
					"stock_code", sig.StockCode, "tier", ev.fillTier, "error", err)
			}
		}
	default:
		if _, err := m.orders.SubmitSell(ctx, sig); err != nil {
			m.logger.Warn("Sell submission failed",
				"stock_code", sig.StockCode, "type", string(sig.Type), "error", err)
		}
	}
}

// runGrid asks C3 for a grid signal on the same tick and executes it.
// Grid signals are independent of the dynamic strategy and are never
// merged with it; starting a session is the operator's consent to
// trade it.
func (m *Monitor) runGrid(ctx context.Context, stockCode string, price decimal.Decimal, volume int64) {
	if !m.tradingCfg.EnableGridTrading || m.grid == nil {
		return
	}
	if !m.grid.HasActiveSession(stockCode) {
		return
	}
	sig, err := m.grid.CheckGridSignals(ctx, stockCode, price, volume)
	if err != nil {
		m.logger.Warn("Grid signal check failed",
			"stock_code", stockCode, "error", err)
		return
	}
	if sig == nil {
		return
	}
	m.publish(ctx, sig)
	if _, err := m.grid.ExecuteGridTrade(ctx, sig); err != nil {
		m.logger.Warn("Grid trade execution failed",
			"stock_code", sig.StockCode, "type", string(sig.Type), "error", err)
	}
}

// publish writes the signal into the per-symbol slot, replacing the
// held one only when the newcomer's priority is at least as high.
func (m *Monitor) publish(ctx context.Context, sig *core.Signal) {
	m.mu.Lock()
	held, ok := m.latest[sig.StockCode]
	if !ok || sig.Type.Priority() >= held.Type.Priority() {
		m.latest[sig.StockCode] = sig
	}
	m.mu.Unlock()

	if h := telemetry.GetGlobalMetrics(); h.SignalsTotal != nil {
		h.SignalsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", sig.StockCode),
			attribute.String("type", string(sig.Type))))
	}
	m.logger.Info("Signal published",
		"stock_code", sig.StockCode,
		"type", string(sig.Type),
		"price", sig.Price.String(),
		"volume", sig.Volume,
		"reason", sig.Reason)
}

func (m *Monitor) alert(ctx context.Context, title, msg string, level core.AlertLevel, sig *core.Signal) {
	if m.alerter == nil {
		return
	}
	m.alerter.Alert(ctx, title, msg, level, map[string]string{
		"stock_code": sig.StockCode,
		"type":       string(sig.Type),
		"price":      sig.Price.String(),
	})
}
