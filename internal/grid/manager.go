package grid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	apperrors "stock_sentinel/pkg/errors"
	"stock_sentinel/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// maxBuyFraction caps a single grid buy at 20% of max_investment.
var maxBuyFraction = decimal.NewFromFloat(0.20)

// Manager implements core.IGridManager. It owns the active session and
// tracker maps, serialises session creation behind a bounded lock, and
// performs grid trade sizing and post-fill bookkeeping.
type Manager struct {
	store   core.IStateStore
	orders  core.IOrderManager
	logger  core.ILogger
	alerter core.IAlerter

	gridCfg    config.GridConfig
	tradingCfg config.TradingConfig

	// startSem serialises session creation so the duplicate check and
	// the DB insert are atomic with respect to concurrent starts.
	startSem chan struct{}

	mu        sync.Mutex
	sessions  map[int64]*core.GridSession
	byStock   map[string]int64
	trackers  map[int64]*PriceTracker
	cooldowns map[string]time.Time
}

// NewManager creates a grid manager. The order manager is wired
// afterwards via SetOrderManager to break the construction cycle with
// the order lifecycle component.
func NewManager(
	store core.IStateStore,
	gridCfg config.GridConfig,
	tradingCfg config.TradingConfig,
	logger core.ILogger,
	alerter core.IAlerter,
) *Manager {
	return &Manager{
		store:      store,
		logger:     logger.WithField("component", "grid_manager"),
		alerter:    alerter,
		gridCfg:    gridCfg,
		tradingCfg: tradingCfg,
		startSem:   make(chan struct{}, 1),
		sessions:   make(map[int64]*core.GridSession),
		byStock:    make(map[string]int64),
		trackers:   make(map[int64]*PriceTracker),
		cooldowns:  make(map[string]time.Time),
	}
}

// SetOrderManager wires the order executor used by ExecuteGridTrade.
func (m *Manager) SetOrderManager(om core.IOrderManager) {
	m.orders = om
}

// StartSession validates preconditions without holding the session
// lock, then inserts and materialises the session under a bounded
// lock-acquire, and only logs and alerts after the lock is released.
func (m *Manager) StartSession(ctx context.Context, req *core.GridSessionRequest) (*core.GridSession, error) {
	if req == nil || req.StockCode == "" {
		return nil, fmt.Errorf("stock code required: %w", apperrors.ErrInvalidSessionParam)
	}

	// Phase 1: preconditions, bounded position fetch, no lock held.
	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(m.gridCfg.PositionQueryTimeoutSeconds)*time.Second)
	pos, err := m.store.GetPosition(fetchCtx, req.StockCode)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch position %s: %w", req.StockCode, err)
	}
	if pos == nil || pos.Volume <= 0 {
		return nil, fmt.Errorf("start grid for %s: %w", req.StockCode, apperrors.ErrNoPosition)
	}
	if m.tradingCfg.RequireProfitTriggered && !pos.ProfitTriggered {
		return nil, fmt.Errorf("start grid for %s: %w", req.StockCode, apperrors.ErrProfitNotTriggered)
	}

	params, err := m.normalize(req, pos)
	if err != nil {
		return nil, err
	}

	// Phase 2: duplicate check, insert and materialise under the lock.
	if err := m.acquireStartLock(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, dup := m.byStock[req.StockCode]
	m.mu.Unlock()
	if dup {
		m.releaseStartLock()
		return nil, fmt.Errorf("start grid for %s: %w", req.StockCode, apperrors.ErrDuplicateSession)
	}

	now := time.Now()
	s := &core.GridSession{
		StockCode:          req.StockCode,
		Status:             core.SessionActive,
		CenterPrice:        params.center,
		CurrentCenterPrice: params.center,
		PriceInterval:      params.interval,
		CallbackRatio:      params.callback,
		PositionRatio:      params.positionRatio,
		MaxInvestment:      params.maxInvestment,
		CurrentInvestment:  decimal.Zero,
		MaxDeviation:       params.maxDeviation,
		TargetProfit:       params.targetProfit,
		StopLoss:           params.stopLoss,
		StartTime:          now,
		EndTime:            now.AddDate(0, 0, params.durationDays),
	}
	id, err := m.store.CreateGridSession(ctx, s)
	if err != nil {
		m.releaseStartLock()
		return nil, fmt.Errorf("persist grid session for %s: %w", req.StockCode, err)
	}
	s.ID = id

	m.mu.Lock()
	m.sessions[id] = s
	m.byStock[s.StockCode] = id
	m.trackers[id] = NewPriceTracker(params.seed, s.CallbackRatio)
	active := len(m.sessions)
	m.mu.Unlock()
	m.releaseStartLock()

	// Phase 3: observable side effects, lock-free.
	m.logger.Info("grid session started",
		"session_id", id,
		"stock_code", s.StockCode,
		"center_price", s.CenterPrice.String(),
		"price_interval", s.PriceInterval.String(),
		"max_investment", s.MaxInvestment.String(),
		"end_time", s.EndTime.Format(time.RFC3339))
	telemetry.GetGlobalMetrics().SetGridSessionsActive(int64(active))
	m.alert(ctx, "Grid session started",
		fmt.Sprintf("%s: center %s, interval %s", s.StockCode, s.CenterPrice.String(), s.PriceInterval.String()),
		core.AlertInfo, map[string]string{"session_id": strconv.FormatInt(id, 10)})

	out := *s
	return &out, nil
}

// StopSession marks the session stopped in the store, then purges the
// in-memory session, tracker and cooldowns. Stopping an already
// stopped session is a no-op.
func (m *Manager) StopSession(ctx context.Context, sessionID int64, reason core.StopReason) error {
	_, err := m.store.StopGridSession(ctx, sessionID, reason)
	if err != nil && !errors.Is(err, apperrors.ErrSessionNotFound) {
		// Keep the in-memory entry so the next tick retries the stop.
		return fmt.Errorf("stop grid session %d: %w", sessionID, err)
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.byStock[s.StockCode] == sessionID {
			delete(m.byStock, s.StockCode)
		}
		delete(m.trackers, sessionID)
		prefix := strconv.FormatInt(sessionID, 10) + ":"
		for key := range m.cooldowns {
			if strings.HasPrefix(key, prefix) {
				delete(m.cooldowns, key)
			}
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.logger.Info("grid session stopped",
			"session_id", sessionID, "stock_code", s.StockCode, "reason", string(reason))
		telemetry.GetGlobalMetrics().SetGridSessionsActive(int64(active))
		level := core.AlertInfo
		if reason == core.StopReasonStopLoss || reason == core.StopReasonDeviation {
			level = core.AlertWarning
		}
		m.alert(ctx, "Grid session stopped",
			fmt.Sprintf("%s: %s", s.StockCode, reason),
			level, map[string]string{"session_id": strconv.FormatInt(sessionID, 10)})
	}
	return err
}

// Recover restores active sessions from the store at startup. Sessions
// past their end time are stopped with reason expired; the rest are
// materialised with a conservatively reset tracker seeded from the
// current center price. No broker calls are made here.
func (m *Manager) Recover(ctx context.Context) error {
	list, err := m.store.ListActiveGridSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active grid sessions: %w", err)
	}

	restored, expired := 0, 0
	for _, s := range list {
		if time.Now().After(s.EndTime) {
			if _, err := m.store.StopGridSession(ctx, s.ID, core.StopReasonExpired); err != nil {
				m.logger.Error("failed to expire grid session during recovery",
					"session_id", s.ID, "error", err)
				continue
			}
			m.logger.Info("grid session expired during downtime",
				"session_id", s.ID, "stock_code", s.StockCode)
			expired++
			continue
		}

		m.mu.Lock()
		m.sessions[s.ID] = s
		m.byStock[s.StockCode] = s.ID
		m.trackers[s.ID] = NewPriceTracker(s.CurrentCenterPrice, s.CallbackRatio)
		m.mu.Unlock()
		restored++
	}

	m.mu.Lock()
	active := len(m.sessions)
	m.mu.Unlock()
	telemetry.GetGlobalMetrics().SetGridSessionsActive(int64(active))
	m.logger.Info("grid sessions recovered", "restored", restored, "expired", expired)
	return nil
}

// CheckGridSignals evaluates exit conditions for the symbol's session
// and, when none fire, feeds the tick to the tracker. brokerVolume is
// the held volume the caller observed; zero means the position is gone.
func (m *Manager) CheckGridSignals(ctx context.Context, stockCode string, price decimal.Decimal, brokerVolume int64) (*core.Signal, error) {
	m.mu.Lock()
	id, ok := m.byStock[stockCode]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	snap := *m.sessions[id]
	tracker := m.trackers[id]
	m.mu.Unlock()

	if reason, exit := exitReason(&snap, brokerVolume, time.Now()); exit {
		if err := m.StopSession(ctx, id, reason); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if !price.IsPositive() || tracker == nil {
		return nil, nil
	}

	guard := func(level decimal.Decimal) bool {
		return !m.levelCoolingDown(id, level)
	}
	em := tracker.Update(price, snap.UpperLevel(), snap.LowerLevel(), guard)
	if em == nil {
		return nil, nil
	}

	sigType := core.SignalGridBuy
	if em.Side == core.SideSell {
		sigType = core.SignalGridSell
	}
	sig := &core.Signal{
		StockCode:     stockCode,
		Strategy:      core.StrategyGrid,
		Type:          sigType,
		Price:         em.Price,
		GridLevel:     em.Level,
		SessionID:     id,
		PeakPrice:     em.Peak,
		ValleyPrice:   em.Valley,
		CallbackRatio: snap.CallbackRatio,
		Timestamp:     time.Now(),
	}

	if h := telemetry.GetGlobalMetrics(); h.SignalsTotal != nil {
		h.SignalsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", stockCode),
			attribute.String("type", string(sigType))))
	}
	m.logger.Info("grid signal emitted",
		"stock_code", stockCode,
		"type", string(sigType),
		"level", em.Level.String(),
		"price", em.Price.String(),
		"callback", em.Callback.String())
	return sig, nil
}

// exitReason evaluates the session exit conditions in priority order.
// Target profit and stop loss only count once both sides have traded.
func exitReason(s *core.GridSession, brokerVolume int64, now time.Time) (core.StopReason, bool) {
	if s.Deviation().GreaterThan(s.MaxDeviation) {
		return core.StopReasonDeviation, true
	}
	if s.BuyCount > 0 && s.SellCount > 0 {
		pr := s.ProfitRatio()
		if pr.GreaterThanOrEqual(s.TargetProfit) {
			return core.StopReasonTargetProfit, true
		}
		if pr.LessThanOrEqual(s.StopLoss) {
			return core.StopReasonStopLoss, true
		}
	}
	if now.After(s.EndTime) {
		return core.StopReasonExpired, true
	}
	if brokerVolume == 0 {
		return core.StopReasonPositionCleared, true
	}
	return "", false
}

// ExecuteGridTrade sizes and submits the trade for a grid signal. It
// returns false with a nil error when sizing rejects the trade, and
// false with an error when submission fails. Session counters are only
// updated when the resulting fill arrives (OnGridFill).
func (m *Manager) ExecuteGridTrade(ctx context.Context, sig *core.Signal) (bool, error) {
	if sig == nil {
		return false, nil
	}
	if m.orders == nil {
		return false, fmt.Errorf("grid trade for %s: no order manager wired", sig.StockCode)
	}

	m.mu.Lock()
	s, ok := m.sessions[sig.SessionID]
	var snap core.GridSession
	if ok {
		snap = *s
	}
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("grid session %d: %w", sig.SessionID, apperrors.ErrSessionNotFound)
	}

	order := *sig
	switch sig.Type {
	case core.SignalGridBuy:
		volume, amount, ok := buyVolume(&snap, sig.Price)
		if !ok {
			m.logger.Info("grid buy rejected by sizing",
				"session_id", sig.SessionID,
				"price", sig.Price.String(),
				"current_investment", snap.CurrentInvestment.String())
			return false, nil
		}
		order.Volume = volume
		m.logger.Debug("grid buy sized",
			"session_id", sig.SessionID, "volume", volume, "budget", amount.String())

	case core.SignalGridSell:
		pos, err := m.store.GetPosition(ctx, sig.StockCode)
		if err != nil {
			return false, fmt.Errorf("fetch position %s: %w", sig.StockCode, err)
		}
		if pos == nil || pos.Volume <= 0 {
			return false, fmt.Errorf("grid sell for %s: %w", sig.StockCode, apperrors.ErrNoPosition)
		}
		volume, ok := sellVolume(pos.Volume, snap.PositionRatio)
		if !ok {
			m.logger.Info("grid sell rejected by sizing",
				"session_id", sig.SessionID, "held_volume", pos.Volume)
			return false, nil
		}
		order.Volume = volume
		order.CostPrice = pos.CostPrice

	default:
		return false, nil
	}

	var orderID string
	var err error
	if sig.Type == core.SignalGridSell {
		orderID, err = m.orders.SubmitSell(ctx, &order)
	} else {
		orderID, err = m.orders.SubmitBuy(ctx, &order)
	}
	if err != nil {
		m.logger.Warn("grid trade submission failed",
			"session_id", sig.SessionID,
			"type", string(sig.Type),
			"error", err)
		return false, err
	}

	// Cool the crossed level down so the tracker cannot refire it while
	// the order is in flight.
	m.mu.Lock()
	m.cooldowns[cooldownKey(sig.SessionID, sig.GridLevel)] =
		time.Now().Add(time.Duration(m.gridCfg.LevelCooldownSeconds) * time.Second)
	m.mu.Unlock()

	m.logger.Info("grid trade submitted",
		"session_id", sig.SessionID,
		"stock_code", sig.StockCode,
		"type", string(sig.Type),
		"volume", order.Volume,
		"price", order.Price.String(),
		"order_id", orderID)
	return true, nil
}

// OnGridFill applies the once-per-fill session bookkeeping: counters,
// investment tracking, the GridTrade audit row, and the grid rebuild
// around the fill price.
func (m *Manager) OnGridFill(ctx context.Context, sig *core.Signal, fill *core.Fill) error {
	if sig == nil || fill == nil || sig.SessionID == 0 {
		return nil
	}

	amount := fill.TradedAmount
	if !amount.IsPositive() {
		amount = fill.TradedPrice.Mul(decimal.NewFromInt(fill.TradedVolume))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sig.SessionID]
	if !ok {
		// Session stopped between submission and fill. Keep the trade
		// in the audit log; the session row itself is already final.
		m.logger.Warn("grid fill for inactive session",
			"session_id", sig.SessionID, "order_id", fill.OrderID)
		_, err := m.store.RecordGridTrade(ctx, m.buildTrade(sig, fill, amount, decimal.Zero, decimal.Zero))
		return err
	}

	prevCenter := s.CurrentCenterPrice
	s.TradeCount++
	if fill.Side == core.SideBuy {
		s.BuyCount++
		s.TotalBuyAmount = s.TotalBuyAmount.Add(amount)
		s.CurrentInvestment = s.CurrentInvestment.Add(amount)
	} else {
		s.SellCount++
		s.TotalSellAmount = s.TotalSellAmount.Add(amount)
		recovered := decimal.Min(s.CurrentInvestment, m.fillCost(ctx, sig, fill))
		s.CurrentInvestment = s.CurrentInvestment.Sub(recovered)
	}
	s.CurrentCenterPrice = fill.TradedPrice
	if tracker, ok := m.trackers[s.ID]; ok {
		tracker.Reset(fill.TradedPrice)
	}

	fields := map[string]interface{}{
		"current_center_price": s.CurrentCenterPrice,
		"current_investment":   s.CurrentInvestment,
		"trade_count":          s.TradeCount,
		"buy_count":            s.BuyCount,
		"sell_count":           s.SellCount,
		"total_buy_amount":     s.TotalBuyAmount,
		"total_sell_amount":    s.TotalSellAmount,
	}
	if err := m.store.UpdateGridSession(ctx, s.ID, fields); err != nil {
		return fmt.Errorf("persist grid session %d: %w", s.ID, err)
	}
	if _, err := m.store.RecordGridTrade(ctx, m.buildTrade(sig, fill, amount, prevCenter, s.CurrentCenterPrice)); err != nil {
		return fmt.Errorf("record grid trade for session %d: %w", s.ID, err)
	}

	if h := telemetry.GetGlobalMetrics(); h.GridTradesTotal != nil {
		h.GridTradesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", fill.StockCode),
			attribute.String("side", string(fill.Side))))
	}
	m.logger.Info("grid trade filled",
		"session_id", s.ID,
		"stock_code", fill.StockCode,
		"side", string(fill.Side),
		"volume", fill.TradedVolume,
		"price", fill.TradedPrice.String(),
		"new_center", s.CurrentCenterPrice.String(),
		"current_investment", s.CurrentInvestment.String())
	return nil
}

// fillCost returns sold_shares x cost_price for the investment
// decrement, falling back to the signal's cost and then the fill price
// when the position record is already gone.
func (m *Manager) fillCost(ctx context.Context, sig *core.Signal, fill *core.Fill) decimal.Decimal {
	cost := sig.CostPrice
	if pos, err := m.store.GetPosition(ctx, fill.StockCode); err == nil && pos != nil && pos.CostPrice.IsPositive() {
		cost = pos.CostPrice
	}
	if !cost.IsPositive() {
		cost = fill.TradedPrice
	}
	return cost.Mul(decimal.NewFromInt(fill.TradedVolume))
}

func (m *Manager) buildTrade(sig *core.Signal, fill *core.Fill, amount, centerBefore, centerAfter decimal.Decimal) *core.GridTrade {
	return &core.GridTrade{
		SessionID:        sig.SessionID,
		StockCode:        fill.StockCode,
		TradeType:        fill.Side,
		GridLevel:        sig.GridLevel,
		TriggerPrice:     sig.Price,
		Volume:           fill.TradedVolume,
		Amount:           amount,
		PeakPrice:        sig.PeakPrice,
		ValleyPrice:      sig.ValleyPrice,
		CallbackRatio:    sig.CallbackRatio,
		TradeID:          fill.OrderID,
		TradeTime:        time.Now(),
		GridCenterBefore: centerBefore,
		GridCenterAfter:  centerAfter,
	}
}

// ActiveSessions returns copies of the in-memory sessions, ordered by id.
func (m *Manager) ActiveSessions() []*core.GridSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.GridSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasActiveSession reports whether the symbol has an active session.
func (m *Manager) HasActiveSession(stockCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byStock[stockCode]
	return ok
}

// TrackerSnapshot exposes the tracker state for the dashboard. The
// second return is false when the session has no tracker.
func (m *Manager) TrackerSnapshot(sessionID int64) (state TrackerState, last, peak, valley decimal.Decimal, ok bool) {
	m.mu.Lock()
	tracker, found := m.trackers[sessionID]
	m.mu.Unlock()
	if !found {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	state, last, peak, valley = tracker.Snapshot()
	return state, last, peak, valley, true
}

func (m *Manager) acquireStartLock(ctx context.Context) error {
	timer := time.NewTimer(time.Duration(m.gridCfg.LockTimeoutSeconds) * time.Second)
	defer timer.Stop()
	select {
	case m.startSem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("grid session lock: %w", apperrors.ErrLockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseStartLock() {
	<-m.startSem
}

func (m *Manager) levelCoolingDown(sessionID int64, level decimal.Decimal) bool {
	key := cooldownKey(sessionID, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldowns[key]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.cooldowns, key)
		return false
	}
	return true
}

func cooldownKey(sessionID int64, level decimal.Decimal) string {
	return strconv.FormatInt(sessionID, 10) + ":" + level.String()
}

func (m *Manager) alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	if m.alerter == nil {
		return
	}
	m.alerter.Alert(ctx, title, message, level, fields)
}

// sessionParams are the normalized session parameters after defaults.
type sessionParams struct {
	center        decimal.Decimal
	seed          decimal.Decimal
	interval      decimal.Decimal
	callback      decimal.Decimal
	positionRatio decimal.Decimal
	maxInvestment decimal.Decimal
	maxDeviation  decimal.Decimal
	targetProfit  decimal.Decimal
	stopLoss      decimal.Decimal
	durationDays  int
}

// normalize fills zero request fields from the configured grid
// defaults and validates the result. The center price falls back to
// the position's highest price, the tracker seed to its current price.
func (m *Manager) normalize(req *core.GridSessionRequest, pos *core.Position) (sessionParams, error) {
	p := sessionParams{
		center:        req.CenterPrice,
		interval:      decOr(req.PriceInterval, m.gridCfg.PriceInterval),
		callback:      decOr(req.CallbackRatio, m.gridCfg.CallbackRatio),
		positionRatio: decOr(req.PositionRatio, m.gridCfg.PositionRatio),
		maxInvestment: req.MaxInvestment,
		maxDeviation:  decOr(req.MaxDeviation, m.gridCfg.MaxDeviation),
		targetProfit:  decOr(req.TargetProfit, m.gridCfg.TargetProfit),
		stopLoss:      decOr(req.StopLoss, m.gridCfg.StopLoss),
		durationDays:  req.DurationDays,
	}
	if p.durationDays <= 0 {
		p.durationDays = m.gridCfg.DurationDays
	}
	if !p.maxInvestment.IsPositive() {
		p.maxInvestment = decimal.NewFromFloat(m.tradingCfg.MaxSinglePositionValue)
	}

	if !p.center.IsPositive() {
		p.center = pos.HighestPrice
	}
	if !p.center.IsPositive() {
		return p, fmt.Errorf("start grid for %s: %w", req.StockCode, apperrors.ErrInvalidCenterPrice)
	}
	p.seed = pos.CurrentPrice
	if !p.seed.IsPositive() {
		p.seed = p.center
	}

	switch {
	case !p.interval.IsPositive() || p.interval.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p, fmt.Errorf("price_interval out of range: %w", apperrors.ErrInvalidSessionParam)
	case !p.callback.IsPositive() || p.callback.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p, fmt.Errorf("callback_ratio out of range: %w", apperrors.ErrInvalidSessionParam)
	case !p.positionRatio.IsPositive() || p.positionRatio.GreaterThan(decimal.NewFromInt(1)):
		return p, fmt.Errorf("position_ratio out of range: %w", apperrors.ErrInvalidSessionParam)
	case !p.maxInvestment.IsPositive():
		return p, fmt.Errorf("max_investment must be positive: %w", apperrors.ErrInvalidSessionParam)
	case !p.maxDeviation.IsPositive():
		return p, fmt.Errorf("max_deviation must be positive: %w", apperrors.ErrInvalidSessionParam)
	case !p.targetProfit.IsPositive():
		return p, fmt.Errorf("target_profit must be positive: %w", apperrors.ErrInvalidSessionParam)
	case p.stopLoss.GreaterThanOrEqual(decimal.Zero):
		return p, fmt.Errorf("stop_loss must be negative: %w", apperrors.ErrInvalidSessionParam)
	}
	return p, nil
}

func decOr(v decimal.Decimal, def float64) decimal.Decimal {
	if v.IsZero() {
		return decimal.NewFromFloat(def)
	}
	return v
}

// buyVolume sizes a grid buy: the budget is the smaller of remaining
// headroom and 20% of max investment, floored to round lots. Budgets
// below 100 currency units and sizes below one lot are rejected.
func buyVolume(s *core.GridSession, price decimal.Decimal) (int64, decimal.Decimal, bool) {
	if !s.MaxInvestment.IsPositive() || !price.IsPositive() {
		return 0, decimal.Zero, false
	}
	headroom := s.MaxInvestment.Sub(s.CurrentInvestment)
	if !headroom.IsPositive() {
		return 0, decimal.Zero, false
	}
	amount := decimal.Min(headroom, s.MaxInvestment.Mul(maxBuyFraction))
	if amount.LessThan(hundred) {
		return 0, decimal.Zero, false
	}
	shares := amount.Div(price).Div(hundred).Floor().Mul(hundred)
	if shares.LessThan(hundred) {
		return 0, decimal.Zero, false
	}
	return shares.IntPart(), amount, true
}

// sellVolume sizes a grid sell from the held volume: position_ratio of
// the holding floored to round lots, bumped to one lot when the floor
// is zero but a lot is held, capped at the whole-lot holding.
func sellVolume(held int64, ratio decimal.Decimal) (int64, bool) {
	if held <= 0 {
		return 0, false
	}
	shares := decimal.NewFromInt(held).Mul(ratio).Div(hundred).Floor().Mul(hundred).IntPart()
	if shares == 0 && held >= 100 {
		shares = 100
	}
	maxLots := held / 100 * 100
	if shares > maxLots {
		shares = maxLots
	}
	if shares < 100 {
		return 0, false
	}
	return shares, true
}
