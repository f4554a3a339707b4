// Package broker implements the brokerage gateway adapter: HTTP order
// and query calls, the fill callback stream, and status translation.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	apperrors "stock_sentinel/pkg/errors"
	httpclient "stock_sentinel/pkg/http"
	"stock_sentinel/pkg/telemetry"
	"stock_sentinel/pkg/websocket"
)

// seqResolveTimeout bounds how long an async order submission waits for
// its sequence number to resolve into an order id.
const seqResolveTimeout = 10 * time.Second

type tokenSigner struct {
	token string
}

func (s *tokenSigner) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}

// Gateway implements core.IBroker against the brokerage-client sidecar.
// Orders go through a rate-limited HTTP client; fills arrive on an
// authenticated WebSocket stream and are fanned out by the dispatcher.
type Gateway struct {
	cfg        config.BrokerConfig
	accountID  string
	useSyncAPI bool

	orders  *httpclient.Client
	queries *httpclient.Client
	stream  *websocket.Client
	status  *StatusTable

	dispatcher *Dispatcher
	logger     core.ILogger

	seqMu      sync.Mutex
	seqWaiters map[int64]chan string
}

// NewGateway creates a broker gateway from configuration.
func NewGateway(cfg config.BrokerConfig, logger core.ILogger) *Gateway {
	signer := &tokenSigner{token: string(cfg.Token)}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	var limiter *rate.Limiter
	if cfg.OrderRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OrderRate), cfg.OrderBurst)
	}

	g := &Gateway{
		cfg:        cfg,
		accountID:  cfg.AccountID,
		useSyncAPI: cfg.UseSyncOrderAPI,
		orders:     httpclient.NewClient(cfg.GatewayURL, timeout, signer, limiter),
		queries:    httpclient.NewClient(cfg.GatewayURL, timeout, signer, nil),
		status:     NewStatusTable(cfg.StatusMap),
		dispatcher: NewDispatcher(logger),
		logger:     logger.WithField("component", "broker_gateway"),
		seqWaiters: make(map[int64]chan string),
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+string(cfg.Token))
	g.stream = websocket.NewClient(cfg.StreamURL, g.handleStreamMessage, g.logger)
	g.stream.SetDialHeader(header)
	return g
}

// Dispatcher exposes the fill dispatcher for direct test injection.
func (g *Gateway) Dispatcher() *Dispatcher {
	return g.dispatcher
}

// RegisterFillHandler registers a named fill callback.
func (g *Gateway) RegisterFillHandler(name string, handler core.FillHandler) {
	g.dispatcher.Register(name, handler)
}

// Start connects the fill stream.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info("Starting broker gateway",
		"gateway_url", g.cfg.GatewayURL,
		"sync_order_api", g.useSyncAPI)
	g.stream.Start()
	return nil
}

// Stop closes the fill stream.
func (g *Gateway) Stop() error {
	g.stream.Stop()
	return nil
}

type placeOrderRequest struct {
	AccountID string `json:"account_id"`
	StockCode string `json:"stock_code"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	Strategy  string `json:"strategy"`
	ClientRef string `json:"client_ref"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	SeqNo   int64  `json:"seq_no"`
}

// PlaceOrder submits an order. In sync mode the gateway answers with
// the order id directly; in async mode it answers with a sequence
// number resolved by a later seq_result stream message. The client_ref
// makes gateway-side dedupe safe under HTTP retries.
func (g *Gateway) PlaceOrder(ctx context.Context, req *core.OrderRequest) (string, error) {
	if req.Volume <= 0 || !req.Price.IsPositive() {
		return "", fmt.Errorf("order for %s: %w", req.StockCode, apperrors.ErrInvalidOrderParameter)
	}
	clientRef := req.ClientRef
	if clientRef == "" {
		clientRef = uuid.New().String()
	}

	body := placeOrderRequest{
		AccountID: g.accountID,
		StockCode: req.StockCode,
		Side:      string(req.Side),
		Price:     req.Price.String(),
		Volume:    req.Volume,
		Strategy:  req.Strategy,
		ClientRef: clientRef,
	}

	path := "/api/v1/orders"
	if g.useSyncAPI {
		path = "/api/v1/orders/sync"
	}

	raw, err := g.orders.Post(ctx, path, body)
	if err != nil {
		return "", fmt.Errorf("place order for %s: %w: %v", req.StockCode, apperrors.ErrBrokerUnavailable, err)
	}
	var resp placeOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode order response for %s: %w", req.StockCode, err)
	}

	if h := telemetry.GetGlobalMetrics(); h.OrdersSubmittedTotal != nil {
		h.OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", req.StockCode),
			attribute.String("side", string(req.Side))))
	}

	if resp.OrderID != "" {
		return resp.OrderID, nil
	}
	if g.useSyncAPI || resp.SeqNo == 0 {
		return "", fmt.Errorf("order for %s not accepted: %w", req.StockCode, apperrors.ErrOrderRejected)
	}

	seqCh := make(chan string, 1)
	g.seqMu.Lock()
	g.seqWaiters[resp.SeqNo] = seqCh
	g.seqMu.Unlock()
	defer func() {
		g.seqMu.Lock()
		delete(g.seqWaiters, resp.SeqNo)
		g.seqMu.Unlock()
	}()

	select {
	case orderID := <-seqCh:
		return orderID, nil
	case <-time.After(seqResolveTimeout):
		return "", fmt.Errorf("seq %d for %s: %w", resp.SeqNo, req.StockCode, apperrors.ErrSeqResolutionTimedOut)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CancelOrder asks the gateway to cancel an order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	raw, err := g.orders.Delete(ctx, "/api/v1/orders/"+orderID, nil)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w: %v", orderID, apperrors.ErrBrokerUnavailable, err)
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("decode cancel response for %s: %w", orderID, err)
	}
	return resp.Success, nil
}

type wireOrderDetail struct {
	OrderID      string          `json:"order_id"`
	StockCode    string          `json:"stock_code"`
	Side         string          `json:"side"`
	RawStatus    int             `json:"status"`
	Price        decimal.Decimal `json:"price"`
	Volume       int64           `json:"volume"`
	FilledVolume int64           `json:"filled_volume"`
	FilledPrice  decimal.Decimal `json:"filled_price"`
}

// QueryOrder fetches the order's current state, with the raw gateway
// status translated through the status table.
func (g *Gateway) QueryOrder(ctx context.Context, orderID string) (*core.OrderDetail, error) {
	raw, err := g.queries.Get(ctx, "/api/v1/orders/"+orderID, nil)
	if err != nil {
		if apiErr, ok := err.(*httpclient.APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
		}
		return nil, fmt.Errorf("query order %s: %w: %v", orderID, apperrors.ErrBrokerUnavailable, err)
	}
	var w wireOrderDetail
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode order detail for %s: %w", orderID, err)
	}
	return &core.OrderDetail{
		OrderID:      w.OrderID,
		StockCode:    w.StockCode,
		Side:         core.Side(w.Side),
		Status:       g.status.Translate(w.RawStatus),
		RawStatus:    w.RawStatus,
		Price:        w.Price,
		Volume:       w.Volume,
		FilledVolume: w.FilledVolume,
		FilledPrice:  w.FilledPrice,
	}, nil
}

type wirePosition struct {
	StockCode string          `json:"stock_code"`
	Volume    int64           `json:"volume"`
	Available int64           `json:"available"`
	CostPrice decimal.Decimal `json:"cost_price"`
}

// QueryPositions lists the account's holdings.
func (g *Gateway) QueryPositions(ctx context.Context) ([]*core.BrokerPosition, error) {
	raw, err := g.queries.Get(ctx, "/api/v1/positions", map[string]string{"account_id": g.accountID})
	if err != nil {
		return nil, fmt.Errorf("query positions: %w: %v", apperrors.ErrBrokerUnavailable, err)
	}
	var wire []wirePosition
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]*core.BrokerPosition, 0, len(wire))
	for _, w := range wire {
		out = append(out, &core.BrokerPosition{
			StockCode: w.StockCode,
			Volume:    w.Volume,
			Available: w.Available,
			CostPrice: w.CostPrice,
		})
	}
	return out, nil
}

// QueryAccount fetches the account funds snapshot.
func (g *Gateway) QueryAccount(ctx context.Context) (*core.AccountInfo, error) {
	raw, err := g.queries.Get(ctx, "/api/v1/account", map[string]string{"account_id": g.accountID})
	if err != nil {
		return nil, fmt.Errorf("query account: %w: %v", apperrors.ErrBrokerUnavailable, err)
	}
	var w struct {
		AccountID   string          `json:"account_id"`
		Cash        decimal.Decimal `json:"cash"`
		FrozenCash  decimal.Decimal `json:"frozen_cash"`
		MarketValue decimal.Decimal `json:"market_value"`
		TotalAsset  decimal.Decimal `json:"total_asset"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &core.AccountInfo{
		AccountID:   w.AccountID,
		Cash:        w.Cash,
		FrozenCash:  w.FrozenCash,
		MarketValue: w.MarketValue,
		TotalAsset:  w.TotalAsset,
	}, nil
}

// CheckHealth pings the gateway.
func (g *Gateway) CheckHealth(ctx context.Context) error {
	if _, err := g.queries.Get(ctx, "/api/v1/ping", nil); err != nil {
		return fmt.Errorf("broker gateway unhealthy: %w", err)
	}
	return nil
}

type streamMessage struct {
	Type string `json:"type"`

	// fill payload
	OrderID      string          `json:"order_id,omitempty"`
	StockCode    string          `json:"stock_code,omitempty"`
	Side         string          `json:"side,omitempty"`
	TradedVolume int64           `json:"traded_volume,omitempty"`
	TradedPrice  decimal.Decimal `json:"traded_price,omitempty"`
	TradedAmount decimal.Decimal `json:"traded_amount,omitempty"`
	AccountID    string          `json:"account_id,omitempty"`

	// seq_result payload
	SeqNo         int64  `json:"seq_no,omitempty"`
	ResolvedOrder string `json:"resolved_order_id,omitempty"`
}

// handleStreamMessage routes fill and seq_result messages from the
// gateway stream. Runs on the WebSocket read goroutine.
func (g *Gateway) handleStreamMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		g.logger.Warn("Dropping undecodable stream message", "error", err)
		return
	}

	switch msg.Type {
	case "fill":
		fill := &core.Fill{
			OrderID:      msg.OrderID,
			StockCode:    msg.StockCode,
			Side:         core.Side(msg.Side),
			TradedVolume: msg.TradedVolume,
			TradedPrice:  msg.TradedPrice,
			TradedAmount: msg.TradedAmount,
			AccountID:    msg.AccountID,
		}
		g.logger.Info("Fill received",
			"order_id", fill.OrderID,
			"stock_code", fill.StockCode,
			"side", string(fill.Side),
			"volume", fill.TradedVolume,
			"price", fill.TradedPrice.String())
		g.dispatcher.Dispatch(fill)

	case "seq_result":
		g.seqMu.Lock()
		ch, ok := g.seqWaiters[msg.SeqNo]
		g.seqMu.Unlock()
		if !ok {
			g.logger.Warn("seq_result for unknown sequence", "seq_no", msg.SeqNo)
			return
		}
		select {
		case ch <- msg.ResolvedOrder:
		default:
		}

	default:
		g.logger.Debug("Ignoring stream message", "type", msg.Type)
	}
}
