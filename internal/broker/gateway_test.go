package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	apperrors "stock_sentinel/pkg/errors"
)

func gatewayConfig(url string) config.BrokerConfig {
	return config.BrokerConfig{
		GatewayURL:            url,
		StreamURL:             "ws://127.0.0.1:0/stream",
		AccountID:             "ACCT-1",
		Token:                 "test-token",
		RequestTimeoutSeconds: 5,
	}
}

func sellRequest() *core.OrderRequest {
	return &core.OrderRequest{
		StockCode: "600000",
		Side:      core.SideSell,
		Price:     decimal.RequireFromString("10.74"),
		Volume:    600,
		ClientRef: "ref-1",
	}
}

func TestGatewayPlaceOrderSync(t *testing.T) {
	var got placeOrderRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/sync", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(placeOrderResponse{OrderID: "ORD-77"})
	}))
	defer ts.Close()

	cfg := gatewayConfig(ts.URL)
	cfg.UseSyncOrderAPI = true
	g := NewGateway(cfg, nopLogger{})

	id, err := g.PlaceOrder(context.Background(), sellRequest())
	require.NoError(t, err)
	assert.Equal(t, "ORD-77", id)
	assert.Equal(t, "ACCT-1", got.AccountID)
	assert.Equal(t, "ref-1", got.ClientRef)
}

func TestGatewayPlaceOrderRejectsBadParams(t *testing.T) {
	g := NewGateway(gatewayConfig("http://127.0.0.1:0"), nopLogger{})

	req := sellRequest()
	req.Volume = 0
	_, err := g.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)

	req = sellRequest()
	req.Price = decimal.Zero
	_, err = g.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
}

func TestGatewayAsyncSeqResolution(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders", r.URL.Path)
		json.NewEncoder(w).Encode(placeOrderResponse{SeqNo: 42})
	}))
	defer ts.Close()

	g := NewGateway(gatewayConfig(ts.URL), nopLogger{})

	var (
		wg  sync.WaitGroup
		id  string
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, err = g.PlaceOrder(context.Background(), sellRequest())
	}()

	// Wait until the submission is parked on its sequence number, then
	// deliver the resolution the way the stream would.
	require.Eventually(t, func() bool {
		g.seqMu.Lock()
		defer g.seqMu.Unlock()
		_, ok := g.seqWaiters[42]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	g.handleStreamMessage([]byte(`{"type":"seq_result","seq_no":42,"resolved_order_id":"ORD-42"}`))

	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ORD-42", id)

	g.seqMu.Lock()
	assert.Empty(t, g.seqWaiters, "resolved waiter must be cleaned up")
	g.seqMu.Unlock()
}

func TestGatewayAsyncSeqCancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(placeOrderResponse{SeqNo: 7})
	}))
	defer ts.Close()

	g := NewGateway(gatewayConfig(ts.URL), nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.PlaceOrder(ctx, sellRequest())
		done <- err
	}()

	require.Eventually(t, func() bool {
		g.seqMu.Lock()
		defer g.seqMu.Unlock()
		_, ok := g.seqWaiters[7]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled submission did not return")
	}
}

func TestGatewayStreamFillDispatch(t *testing.T) {
	g := NewGateway(gatewayConfig("http://127.0.0.1:0"), nopLogger{})

	var got *core.Fill
	g.RegisterFillHandler("capture", func(f *core.Fill) { got = f })

	g.handleStreamMessage([]byte(`{
		"type": "fill",
		"order_id": "ORD-9",
		"stock_code": "600000",
		"side": "sell",
		"traded_volume": 600,
		"traded_price": "10.74",
		"traded_amount": "6444"
	}`))

	require.NotNil(t, got)
	assert.Equal(t, "ORD-9", got.OrderID)
	assert.Equal(t, core.SideSell, got.Side)
	assert.EqualValues(t, 600, got.TradedVolume)
	assert.Equal(t, "6444", got.TradedAmount.String())

	// Garbage and unknown message types are dropped without effect.
	got = nil
	g.handleStreamMessage([]byte(`not json`))
	g.handleStreamMessage([]byte(`{"type":"heartbeat"}`))
	g.handleStreamMessage([]byte(`{"type":"seq_result","seq_no":999}`))
	assert.Nil(t, got)
}

func TestGatewayQueryOrderTranslatesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders/ORD-5", r.URL.Path)
		json.NewEncoder(w).Encode(wireOrderDetail{
			OrderID:      "ORD-5",
			StockCode:    "600000",
			Side:         "sell",
			RawStatus:    56,
			Price:        decimal.RequireFromString("10.74"),
			Volume:       600,
			FilledVolume: 600,
			FilledPrice:  decimal.RequireFromString("10.74"),
		})
	}))
	defer ts.Close()

	g := NewGateway(gatewayConfig(ts.URL), nopLogger{})

	detail, err := g.QueryOrder(context.Background(), "ORD-5")
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, detail.Status)
	assert.Equal(t, 56, detail.RawStatus)
	assert.EqualValues(t, 600, detail.FilledVolume)
}

func TestGatewayQueryOrderNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such order"}`, http.StatusNotFound)
	}))
	defer ts.Close()

	g := NewGateway(gatewayConfig(ts.URL), nopLogger{})

	_, err := g.QueryOrder(context.Background(), "ORD-404")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}
