// Package mock provides an in-memory broker and a scripted market-data
// feed for simulation mode and end-to-end tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/broker"
	"stock_sentinel/internal/core"
)

// Broker implements core.IBroker against an in-memory order book.
// Orders rest as submitted until a test (or the simulation driver)
// fills or cancels them; fills flow through the same dispatcher the
// real gateway uses.
type Broker struct {
	logger     core.ILogger
	dispatcher *broker.Dispatcher

	mu             sync.RWMutex
	orders         map[string]*core.OrderDetail
	clientOrderMap map[string]string
	orderIDCounter int64
	positions      map[string]*core.BrokerPosition
	account        *core.AccountInfo
	placeErr       error
	healthErr      error
}

// NewBroker creates an empty mock broker with a funded account.
func NewBroker(logger core.ILogger) *Broker {
	return &Broker{
		logger:         logger.WithField("component", "mock_broker"),
		dispatcher:     broker.NewDispatcher(logger),
		orders:         make(map[string]*core.OrderDetail),
		clientOrderMap: make(map[string]string),
		orderIDCounter: 1000,
		positions:      make(map[string]*core.BrokerPosition),
		account: &core.AccountInfo{
			AccountID:  "MOCK-ACCT",
			Cash:       decimal.NewFromInt(1000000),
			TotalAsset: decimal.NewFromInt(1000000),
		},
	}
}

// SetPosition scripts one broker-side holding.
func (m *Broker) SetPosition(stockCode string, volume, available int64, cost decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[stockCode] = &core.BrokerPosition{
		StockCode: stockCode,
		Volume:    volume,
		Available: available,
		CostPrice: cost,
	}
}

// SetAccount scripts the account snapshot.
func (m *Broker) SetAccount(acct *core.AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = acct
}

// FailNextPlace makes the next PlaceOrder return err.
func (m *Broker) FailNextPlace(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

// SetHealthErr scripts the CheckHealth result.
func (m *Broker) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// PlaceOrder records the order as submitted. A repeated client
// reference returns the original order ID without creating a new one.
func (m *Broker) PlaceOrder(ctx context.Context, req *core.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.placeErr != nil {
		err := m.placeErr
		m.placeErr = nil
		return "", err
	}
	if req.Volume <= 0 {
		return "", fmt.Errorf("mock broker: non-positive volume %d", req.Volume)
	}

	if req.ClientRef != "" {
		if existing, ok := m.clientOrderMap[req.ClientRef]; ok {
			return existing, nil
		}
	}

	m.orderIDCounter++
	orderID := fmt.Sprintf("MOCK-%d", m.orderIDCounter)
	m.orders[orderID] = &core.OrderDetail{
		OrderID:   orderID,
		StockCode: req.StockCode,
		Side:      req.Side,
		Status:    core.OrderSubmitted,
		Price:     req.Price,
		Volume:    req.Volume,
	}
	if req.ClientRef != "" {
		m.clientOrderMap[req.ClientRef] = orderID
	}

	m.logger.Debug("Mock order placed",
		"order_id", orderID, "stock_code", req.StockCode,
		"side", string(req.Side), "volume", req.Volume)
	return orderID, nil
}

// CancelOrder cancels a resting order. Filled or already-cancelled
// orders report false.
func (m *Broker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("mock broker: unknown order %s", orderID)
	}
	if order.Status != core.OrderSubmitted && order.Status != core.OrderPartial {
		return false, nil
	}
	order.Status = core.OrderCancelled
	return true, nil
}

// QueryOrder returns a copy of the order's current state.
func (m *Broker) QueryOrder(ctx context.Context, orderID string) (*core.OrderDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock broker: unknown order %s", orderID)
	}
	cp := *order
	return &cp, nil
}

// QueryPositions returns the scripted holdings.
func (m *Broker) QueryPositions(ctx context.Context) ([]*core.BrokerPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.BrokerPosition, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// QueryAccount returns the scripted account snapshot.
func (m *Broker) QueryAccount(ctx context.Context) (*core.AccountInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.account
	return &cp, nil
}

// RegisterFillHandler registers a dispatcher handler, exactly like the
// live gateway.
func (m *Broker) RegisterFillHandler(name string, handler core.FillHandler) {
	m.dispatcher.Register(name, handler)
}

// Start is a no-op: there is no stream to connect.
func (m *Broker) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (m *Broker) Stop() error { return nil }

// CheckHealth returns the scripted health error.
func (m *Broker) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

// Fill marks a resting order as filled at price and dispatches the
// fill callback. It also moves the scripted broker position so that
// reconciliation sees the post-fill holdings.
func (m *Broker) Fill(orderID string, price decimal.Decimal) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mock broker: unknown order %s", orderID)
	}
	if order.Status != core.OrderSubmitted && order.Status != core.OrderPartial {
		m.mu.Unlock()
		return fmt.Errorf("mock broker: order %s is %s, cannot fill", orderID, order.Status)
	}

	order.Status = core.OrderFilled
	order.FilledVolume = order.Volume
	order.FilledPrice = price
	m.applyToPosition(order)

	fill := &core.Fill{
		OrderID:      orderID,
		StockCode:    order.StockCode,
		Side:         order.Side,
		TradedVolume: order.Volume,
		TradedPrice:  price,
		TradedAmount: price.Mul(decimal.NewFromInt(order.Volume)),
		AccountID:    m.account.AccountID,
	}
	m.mu.Unlock()

	m.dispatcher.Dispatch(fill)
	return nil
}

// FillQuietly marks an order filled without dispatching the callback.
// Tests use it to simulate a lost fill notification.
func (m *Broker) FillQuietly(orderID string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock broker: unknown order %s", orderID)
	}
	order.Status = core.OrderFilled
	order.FilledVolume = order.Volume
	order.FilledPrice = price
	m.applyToPosition(order)
	return nil
}

// Orders returns a snapshot of every order seen so far.
func (m *Broker) Orders() []*core.OrderDetail {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.OrderDetail, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// applyToPosition folds a just-filled order into the scripted
// holdings. Caller holds the lock.
func (m *Broker) applyToPosition(order *core.OrderDetail) {
	pos := m.positions[order.StockCode]
	if pos == nil {
		pos = &core.BrokerPosition{StockCode: order.StockCode}
		m.positions[order.StockCode] = pos
	}
	if order.Side == core.SideBuy {
		pos.Volume += order.FilledVolume
	} else {
		pos.Volume -= order.FilledVolume
		if pos.Available > pos.Volume {
			pos.Available = pos.Volume
		}
		if pos.Volume <= 0 {
			delete(m.positions, order.StockCode)
		}
	}
}
