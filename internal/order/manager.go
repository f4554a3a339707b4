// Package order implements the sell-order lifecycle: submission,
// tracking of the single in-flight sell per symbol, the fill-callback
// fast path, and the timeout sweeper that cancels and re-issues.
package order

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
	apperrors "stock_sentinel/pkg/errors"
	"stock_sentinel/pkg/telemetry"
)

// fillCommitTimeout bounds the store work done on the broker callback
// thread.
const fillCommitTimeout = 10 * time.Second

// Manager implements core.IOrderManager.
type Manager struct {
	store  core.IStateStore
	broker core.IBroker
	market core.IMarketData
	grid   core.IGridManager
	logger core.ILogger

	cfg              config.OrdersConfig
	simulation       bool
	allowFullReplace bool

	mu           sync.Mutex
	pendingSells map[string]*core.PendingSellOrder
	pendingBuys  map[string]*core.Signal

	simSeq        atomic.Int64
	lastSweep     atomic.Int64
	sweepInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an order manager. allowFullReplace mirrors the
// allow_take_profit_full_with_pending toggle: when set, a full-exit
// sell may cancel and replace an in-flight sell instead of being
// rejected.
func NewManager(
	store core.IStateStore,
	broker core.IBroker,
	market core.IMarketData,
	cfg config.OrdersConfig,
	simulation bool,
	allowFullReplace bool,
	logger core.ILogger,
) *Manager {
	return &Manager{
		store:            store,
		broker:           broker,
		market:           market,
		logger:           logger.WithField("component", "order_manager"),
		cfg:              cfg,
		simulation:       simulation,
		allowFullReplace: allowFullReplace,
		pendingSells:     make(map[string]*core.PendingSellOrder),
		pendingBuys:      make(map[string]*core.Signal),
		sweepInterval:    time.Duration(cfg.SweepIntervalSeconds) * time.Second,
	}
}

// SetGridManager wires the grid manager used to route grid fills. Set
// after construction to break the cycle with the grid component.
func (m *Manager) SetGridManager(gm core.IGridManager) {
	m.grid = gm
}

// Start launches the timeout sweeper. Simulation mode fills orders
// synchronously, so the sweeper is not started there.
func (m *Manager) Start(ctx context.Context) error {
	m.lastSweep.Store(time.Now().UnixNano())
	if m.simulation {
		m.logger.Info("Simulation mode: timeout sweeper disabled")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(runCtx)
	m.logger.Info("Order sweeper started",
		"interval", m.sweepInterval,
		"pending_timeout_minutes", m.cfg.PendingTimeoutMinutes)
	return nil
}

// Stop terminates the sweeper and waits for an in-flight pass.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// CheckHealth reports unhealthy when the sweeper has not run for three
// intervals.
func (m *Manager) CheckHealth() error {
	if m.simulation || !m.cfg.AutoCancel {
		return nil
	}
	last := time.Unix(0, m.lastSweep.Load())
	if stale := time.Since(last); stale > 3*m.sweepInterval {
		return fmt.Errorf("order sweeper stale for %s", stale.Round(time.Second))
	}
	return nil
}

// PendingOrder returns a copy of the in-flight sell for a symbol.
func (m *Manager) PendingOrder(stockCode string) (*core.PendingSellOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pendingSells[stockCode]
	if !ok {
		return nil, false
	}
	c := *entry
	return &c, true
}

// PendingOrders returns a copy of the in-flight sell map.
func (m *Manager) PendingOrders() map[string]*core.PendingSellOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*core.PendingSellOrder, len(m.pendingSells))
	for code, entry := range m.pendingSells {
		c := *entry
		out[code] = &c
	}
	return out
}

// SubmitSell submits a sell for a validated signal. Exactly one sell
// may be in flight per symbol; a take_profit_full may replace an
// existing one when the override toggle allows it. Submission failures
// leave the pending map untouched.
func (m *Manager) SubmitSell(ctx context.Context, sig *core.Signal) (string, error) {
	if sig == nil || sig.Volume <= 0 {
		return "", fmt.Errorf("sell for %s: %w", signalCode(sig), apperrors.ErrInvalidOrderParameter)
	}

	m.mu.Lock()
	existing, hasPending := m.pendingSells[sig.StockCode]
	m.mu.Unlock()

	var replace *core.PendingSellOrder
	if hasPending {
		if !(m.allowFullReplace && sig.Type == core.SignalTakeProfitFull) {
			return "", fmt.Errorf("sell for %s (order %s in flight): %w",
				sig.StockCode, existing.OrderID, apperrors.ErrPendingOrderExists)
		}
		replace = existing
	}

	price := m.orderPrice(ctx, core.SideSell, sig)
	if !price.IsPositive() {
		return "", fmt.Errorf("sell for %s: %w", sig.StockCode, apperrors.ErrInvalidOrderParameter)
	}

	if m.simulation {
		return m.simulateFill(ctx, core.SideSell, sig, price)
	}

	if replace != nil {
		if err := m.cancelPending(ctx, sig.StockCode, replace); err != nil {
			return "", fmt.Errorf("replace pending sell for %s: %w", sig.StockCode, err)
		}
	}

	orderID, err := m.broker.PlaceOrder(ctx, &core.OrderRequest{
		StockCode: sig.StockCode,
		Side:      core.SideSell,
		Price:     price,
		Volume:    sig.Volume,
		Strategy:  sig.Strategy,
	})
	if err != nil {
		return "", fmt.Errorf("submit sell for %s: %w", sig.StockCode, err)
	}

	m.trackSell(ctx, orderID, sig, price)
	return orderID, nil
}

// SubmitBuy submits a buy (grid buy or compensation buy). Buys are not
// subject to the one-pending rule; fills are routed by order id.
func (m *Manager) SubmitBuy(ctx context.Context, sig *core.Signal) (string, error) {
	if sig == nil || sig.Volume <= 0 {
		return "", fmt.Errorf("buy for %s: %w", signalCode(sig), apperrors.ErrInvalidOrderParameter)
	}

	price := m.orderPrice(ctx, core.SideBuy, sig)
	if !price.IsPositive() {
		return "", fmt.Errorf("buy for %s: %w", sig.StockCode, apperrors.ErrInvalidOrderParameter)
	}

	if m.simulation {
		return m.simulateFill(ctx, core.SideBuy, sig, price)
	}

	orderID, err := m.broker.PlaceOrder(ctx, &core.OrderRequest{
		StockCode: sig.StockCode,
		Side:      core.SideBuy,
		Price:     price,
		Volume:    sig.Volume,
		Strategy:  sig.Strategy,
	})
	if err != nil {
		return "", fmt.Errorf("submit buy for %s: %w", sig.StockCode, err)
	}

	m.mu.Lock()
	m.pendingBuys[orderID] = sig
	m.mu.Unlock()

	m.audit(ctx, orderID, core.SideBuy, sig, price)
	m.logger.Info("Buy order submitted",
		"stock_code", sig.StockCode,
		"order_id", orderID,
		"type", string(sig.Type),
		"volume", sig.Volume,
		"price", price.String())
	return orderID, nil
}

// OnFill consumes a broker fill callback. Runs on the dispatcher
// thread; commits are bounded so a slow store cannot wedge the stream.
func (m *Manager) OnFill(fill *core.Fill) {
	if fill == nil || fill.TradedVolume <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fillCommitTimeout)
	defer cancel()

	switch fill.Side {
	case core.SideSell:
		m.onSellFill(ctx, fill)
	case core.SideBuy:
		m.onBuyFill(ctx, fill)
	default:
		m.logger.Warn("Fill with unknown side ignored",
			"order_id", fill.OrderID, "side", string(fill.Side))
	}
}

func (m *Manager) onSellFill(ctx context.Context, fill *core.Fill) {
	m.mu.Lock()
	entry, ok := m.pendingSells[fill.StockCode]
	if !ok || entry.OrderID != fill.OrderID {
		m.mu.Unlock()
		// Not our order, or already swept. Reconciliation converges the
		// share delta either way.
		m.logger.Debug("Sell fill without matching pending entry ignored",
			"order_id", fill.OrderID, "stock_code", fill.StockCode)
		return
	}
	delete(m.pendingSells, fill.StockCode)
	m.mu.Unlock()

	if err := m.commitSellFill(ctx, entry.Signal, fill); err != nil {
		m.logger.Error("Sell fill commit failed",
			"order_id", fill.OrderID,
			"stock_code", fill.StockCode,
			"error", err)
		return
	}
	telemetry.GetGlobalMetrics().SetPendingSell(fill.StockCode, false)
}

func (m *Manager) onBuyFill(ctx context.Context, fill *core.Fill) {
	m.mu.Lock()
	sig, ok := m.pendingBuys[fill.OrderID]
	if ok {
		delete(m.pendingBuys, fill.OrderID)
	}
	m.mu.Unlock()
	if !ok {
		// A manual buy or another client's order. The reconciler picks
		// up the holding change.
		m.logger.Debug("Buy fill for untracked order ignored", "order_id", fill.OrderID)
		return
	}

	commit := &core.FillCommit{
		StockCode:    fill.StockCode,
		Side:         core.SideBuy,
		TradedVolume: fill.TradedVolume,
		TradedPrice:  fill.TradedPrice,
		TradedAmount: fill.TradedAmount,
		OrderID:      fill.OrderID,
		Strategy:     sig.Strategy,
	}
	if err := m.store.ApplyFill(ctx, commit); err != nil {
		m.logger.Error("Buy fill commit failed",
			"order_id", fill.OrderID, "stock_code", fill.StockCode, "error", err)
		return
	}
	m.countFill(ctx, fill)

	if sig.Strategy == core.StrategyGrid && m.grid != nil {
		if err := m.grid.OnGridFill(ctx, sig, fill); err != nil {
			m.logger.Error("Grid bookkeeping for buy fill failed",
				"order_id", fill.OrderID, "error", err)
		}
	}
}

// commitSellFill applies the position mutation for a confirmed sell.
// The profit_triggered flip for a first-stage sell is part of the same
// transaction, never deferred to a later tick.
func (m *Manager) commitSellFill(ctx context.Context, sig *core.Signal, fill *core.Fill) error {
	commit := &core.FillCommit{
		StockCode:          fill.StockCode,
		Side:               core.SideSell,
		TradedVolume:       fill.TradedVolume,
		TradedPrice:        fill.TradedPrice,
		TradedAmount:       fill.TradedAmount,
		OrderID:            fill.OrderID,
		Strategy:           sig.Strategy,
		SetProfitTriggered: sig.Type == core.SignalTakeProfitHalf,
		DeleteWhenFlat:     true,
	}
	if err := m.store.ApplyFill(ctx, commit); err != nil {
		return err
	}
	m.countFill(ctx, fill)

	if commit.SetProfitTriggered {
		m.logger.Info("First-stage take-profit committed",
			"stock_code", fill.StockCode, "order_id", fill.OrderID)
	}
	if sig.Strategy == core.StrategyGrid && m.grid != nil {
		if err := m.grid.OnGridFill(ctx, sig, fill); err != nil {
			m.logger.Error("Grid bookkeeping for sell fill failed",
				"order_id", fill.OrderID, "error", err)
		}
	}
	return nil
}

// simulateFill short-circuits the broker: a synthetic order id is
// generated and the fill committed synchronously through the same path
// a live callback uses. No pending entry is created.
func (m *Manager) simulateFill(ctx context.Context, side core.Side, sig *core.Signal, price decimal.Decimal) (string, error) {
	orderID := fmt.Sprintf("SIM_%s_%d", side, time.Now().UnixNano()+m.simSeq.Add(1))
	fill := &core.Fill{
		OrderID:      orderID,
		StockCode:    sig.StockCode,
		Side:         side,
		TradedVolume: sig.Volume,
		TradedPrice:  price,
		TradedAmount: price.Mul(decimal.NewFromInt(sig.Volume)),
	}

	m.audit(ctx, orderID, side, sig, price)

	var err error
	if side == core.SideSell {
		err = m.commitSellFill(ctx, sig, fill)
	} else {
		err = m.store.ApplyFill(ctx, &core.FillCommit{
			StockCode:    fill.StockCode,
			Side:         core.SideBuy,
			TradedVolume: fill.TradedVolume,
			TradedPrice:  fill.TradedPrice,
			TradedAmount: fill.TradedAmount,
			OrderID:      orderID,
			Strategy:     sig.Strategy,
		})
		if err == nil {
			m.countFill(ctx, fill)
			if sig.Strategy == core.StrategyGrid && m.grid != nil {
				err = m.grid.OnGridFill(ctx, sig, fill)
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("simulated %s fill for %s: %w", side, sig.StockCode, err)
	}

	m.logger.Info("Simulated order filled",
		"stock_code", sig.StockCode,
		"order_id", orderID,
		"side", string(side),
		"volume", sig.Volume,
		"price", price.String())
	return orderID, nil
}

// trackSell records the in-flight sell, locks the shares, and writes
// the submission audit row.
func (m *Manager) trackSell(ctx context.Context, orderID string, sig *core.Signal, price decimal.Decimal) {
	entry := &core.PendingSellOrder{
		OrderID:    orderID,
		Signal:     sig,
		Volume:     sig.Volume,
		Price:      price,
		SubmitTime: time.Now(),
	}
	m.mu.Lock()
	m.pendingSells[sig.StockCode] = entry
	m.mu.Unlock()

	if err := m.store.AdjustAvailable(ctx, sig.StockCode, -sig.Volume); err != nil {
		m.logger.Warn("Failed to lock shares for pending sell",
			"stock_code", sig.StockCode, "volume", sig.Volume, "error", err)
	}
	m.audit(ctx, orderID, core.SideSell, sig, price)
	telemetry.GetGlobalMetrics().SetPendingSell(sig.StockCode, true)

	m.logger.Info("Sell order submitted",
		"stock_code", sig.StockCode,
		"order_id", orderID,
		"type", string(sig.Type),
		"volume", sig.Volume,
		"price", price.String())
}

// cancelPending cancels an in-flight sell and releases its entry and
// share lock. Used by the full-exit replacement path.
func (m *Manager) cancelPending(ctx context.Context, stockCode string, entry *core.PendingSellOrder) error {
	ok, err := m.broker.CancelOrder(ctx, entry.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel of %s declined: %w", entry.OrderID, apperrors.ErrOrderRejected)
	}
	m.releaseEntry(ctx, stockCode, entry)
	return nil
}

// releaseEntry removes a pending entry and restores its locked shares.
func (m *Manager) releaseEntry(ctx context.Context, stockCode string, entry *core.PendingSellOrder) {
	m.mu.Lock()
	if cur, ok := m.pendingSells[stockCode]; ok && cur.OrderID == entry.OrderID {
		delete(m.pendingSells, stockCode)
	}
	m.mu.Unlock()

	if err := m.store.AdjustAvailable(ctx, stockCode, entry.Volume); err != nil {
		m.logger.Warn("Failed to restore shares after cancel",
			"stock_code", stockCode, "volume", entry.Volume, "error", err)
	}
	telemetry.GetGlobalMetrics().SetPendingSell(stockCode, false)
}

// sweepLoop periodically inspects pending sells for timeouts.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep covers the slow path: orders whose callback never arrived. A
// filled order is simply untracked (reconciliation picks up the share
// delta); an unfilled one is cancelled and, when auto-reorder is on,
// re-submitted at a fresh price.
func (m *Manager) sweep(ctx context.Context) {
	m.lastSweep.Store(time.Now().UnixNano())
	if !m.cfg.AutoCancel {
		return
	}

	deadline := time.Duration(m.cfg.PendingTimeoutMinutes) * time.Minute
	m.mu.Lock()
	var expired []*core.PendingSellOrder
	var codes []string
	for code, entry := range m.pendingSells {
		if time.Since(entry.SubmitTime) > deadline {
			c := *entry
			expired = append(expired, &c)
			codes = append(codes, code)
		}
	}
	m.mu.Unlock()

	for i, entry := range expired {
		m.sweepEntry(ctx, codes[i], entry)
	}
}

func (m *Manager) sweepEntry(ctx context.Context, stockCode string, entry *core.PendingSellOrder) {
	logger := m.logger.WithFields(map[string]interface{}{
		"stock_code": stockCode,
		"order_id":   entry.OrderID,
	})

	detail, err := m.broker.QueryOrder(ctx, entry.OrderID)
	if err != nil {
		logger.Warn("Sweeper could not query order status", "error", err)
		return
	}

	if detail.Status == core.OrderFilled {
		// Callback was lost. Untrack only: reconciliation converges the
		// share delta, and profit_triggered flips only on a real fill.
		logger.Warn("Pending sell already filled at broker, callback lost",
			"raw_status", detail.RawStatus,
			"filled_volume", detail.FilledVolume)
		m.mu.Lock()
		if cur, ok := m.pendingSells[stockCode]; ok && cur.OrderID == entry.OrderID {
			delete(m.pendingSells, stockCode)
		}
		m.mu.Unlock()
		telemetry.GetGlobalMetrics().SetPendingSell(stockCode, false)
		return
	}

	ok, err := m.broker.CancelOrder(ctx, entry.OrderID)
	if err != nil || !ok {
		logger.Warn("Sweeper cancel failed", "error", err)
		return
	}
	m.releaseEntry(ctx, stockCode, entry)
	if h := telemetry.GetGlobalMetrics(); h.SweeperCancelledTotal != nil {
		h.SweeperCancelledTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", stockCode)))
	}
	logger.Info("Pending sell cancelled by sweeper",
		"age", time.Since(entry.SubmitTime).Round(time.Second))

	if !m.cfg.AutoReorder {
		return
	}
	if entry.Volume <= 0 {
		logger.Warn("Abandoning reorder: no volume recorded on the entry")
		return
	}

	tick, err := m.market.GetLatestTick(ctx, stockCode)
	if err != nil {
		logger.Warn("Reorder skipped: no fresh quote", "error", err)
		return
	}
	price := resolvePrice(m.cfg.ReorderPriceMode, core.SideSell, entry.Signal, tick)
	if !price.IsPositive() {
		logger.Warn("Reorder skipped: no usable price")
		return
	}

	orderID, err := m.broker.PlaceOrder(ctx, &core.OrderRequest{
		StockCode: stockCode,
		Side:      core.SideSell,
		Price:     price,
		Volume:    entry.Volume,
		Strategy:  entry.Signal.Strategy,
	})
	if err != nil {
		logger.Warn("Reorder submission failed", "error", err)
		return
	}
	m.trackSell(ctx, orderID, entry.Signal, price)
	logger.Info("Pending sell re-submitted",
		"new_order_id", orderID, "price", price.String())
}

// orderPrice fetches a fresh quote and resolves the submission price by
// the configured mode, degrading to the signal's planned price when the
// quote source is unavailable.
func (m *Manager) orderPrice(ctx context.Context, side core.Side, sig *core.Signal) decimal.Decimal {
	tick, err := m.market.GetLatestTick(ctx, sig.StockCode)
	if err != nil {
		m.logger.Warn("Falling back to signal price: quote unavailable",
			"stock_code", sig.StockCode, "error", err)
		return sig.Price
	}
	return resolvePrice(m.cfg.ReorderPriceMode, side, sig, tick)
}

// audit appends the submission to the trade_records log.
func (m *Manager) audit(ctx context.Context, orderID string, side core.Side, sig *core.Signal, price decimal.Decimal) {
	rec := &core.TradeRecord{
		StockCode: sig.StockCode,
		Side:      side,
		Price:     price,
		Volume:    sig.Volume,
		Amount:    price.Mul(decimal.NewFromInt(sig.Volume)),
		OrderID:   orderID,
		Strategy:  sig.Strategy,
		TradeTime: time.Now(),
	}
	if err := m.store.RecordUserTrade(ctx, rec); err != nil {
		m.logger.Error("Failed to append trade audit",
			"stock_code", sig.StockCode, "order_id", orderID, "error", err)
	}
}

func (m *Manager) countFill(ctx context.Context, fill *core.Fill) {
	if h := telemetry.GetGlobalMetrics(); h.FillsTotal != nil {
		h.FillsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", fill.StockCode),
			attribute.String("side", string(fill.Side))))
	}
}

func signalCode(sig *core.Signal) string {
	if sig == nil {
		return "<nil>"
	}
	return sig.StockCode
}
