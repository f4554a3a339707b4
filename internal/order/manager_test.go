package order

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/internal/store"
	apperrors "stock_sentinel/pkg/errors"
	"stock_sentinel/pkg/logging"
)

type fakeBroker struct {
	mu        sync.Mutex
	placed    []*core.OrderRequest
	placeErr  error
	seq       int
	cancelled []string
	cancelOK  bool
	cancelErr error
	detail    *core.OrderDetail
	queryErr  error
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req *core.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	cp := *req
	f.placed = append(f.placed, &cp)
	f.seq++
	return fmt.Sprintf("ORD-%d", f.seq), nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelOK, nil
}

func (f *fakeBroker) QueryOrder(_ context.Context, orderID string) (*core.OrderDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	d := *f.detail
	d.OrderID = orderID
	return &d, nil
}

func (f *fakeBroker) QueryPositions(context.Context) ([]*core.BrokerPosition, error) { return nil, nil }
func (f *fakeBroker) QueryAccount(context.Context) (*core.AccountInfo, error)        { return nil, nil }
func (f *fakeBroker) RegisterFillHandler(string, core.FillHandler)                   {}
func (f *fakeBroker) Start(context.Context) error                                    { return nil }
func (f *fakeBroker) Stop() error                                                    { return nil }
func (f *fakeBroker) CheckHealth(context.Context) error                              { return nil }

type fakeMarket struct {
	tick *core.Tick
	err  error
}

func (f *fakeMarket) GetLatestTick(context.Context, string) (*core.Tick, error) {
	return f.tick, f.err
}
func (f *fakeMarket) GetDailyBars(context.Context, string, int) ([]core.DailyBar, error) {
	return nil, nil
}
func (f *fakeMarket) CheckHealth(context.Context) error { return nil }

type env struct {
	mgr    *Manager
	st     *store.SQLiteStore
	broker *fakeBroker
	market *fakeMarket
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "order_test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.App.SimulationMode = false
	cfg.Orders.ReorderPriceMode = PriceModeLimit
	if mutate != nil {
		mutate(cfg)
	}

	broker := &fakeBroker{cancelOK: true}
	market := &fakeMarket{tick: &core.Tick{Last: dec("10.40")}}
	mgr := NewManager(st, broker, market, cfg.Orders,
		cfg.App.SimulationMode, cfg.Trading.AllowTakeProfitFullWithPending, logger)
	return &env{mgr: mgr, st: st, broker: broker, market: market}
}

func seedPosition(t *testing.T, st core.IStateStore, code string, volume int64, cost string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.UpsertPosition(context.Background(), &core.Position{
		StockCode:    code,
		Volume:       volume,
		Available:    volume,
		CostPrice:    dec(cost),
		CurrentPrice: dec(cost),
		OpenDate:     now,
		HighestPrice: dec(cost),
		UpdatedAt:    now,
	}))
}

func sellSignal(code string, typ core.SignalType, volume int64, price string) *core.Signal {
	return &core.Signal{
		StockCode: code,
		Strategy:  core.StrategyDynamic,
		Type:      typ,
		Price:     dec(price),
		Volume:    volume,
		Timestamp: time.Now(),
	}
}

func TestManager_SubmitSellLive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	sig := sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50")
	orderID, err := e.mgr.SubmitSell(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", orderID)

	require.Len(t, e.broker.placed, 1)
	assert.Equal(t, core.SideSell, e.broker.placed[0].Side)
	assert.Equal(t, int64(600), e.broker.placed[0].Volume)
	assert.True(t, e.broker.placed[0].Price.Equal(dec("10.50")), "limit mode uses the signal price")

	entry, ok := e.mgr.PendingOrder("600000")
	require.True(t, ok)
	assert.Equal(t, orderID, entry.OrderID)
	assert.Equal(t, int64(600), entry.Volume)

	// Shares are locked at submission.
	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos.Volume)
	assert.Equal(t, int64(400), pos.Available)

	trades, err := e.st.ListUserTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, orderID, trades[0].OrderID)
	assert.Equal(t, core.SideSell, trades[0].Side)
}

func TestManager_SubmitSellRejectsSecondPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	_, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)

	_, err = e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalStopLoss, 400, "10.00"))
	require.ErrorIs(t, err, apperrors.ErrPendingOrderExists)
	assert.Len(t, e.broker.placed, 1)
}

func TestManager_SubmitSellZeroVolume(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.mgr.SubmitSell(context.Background(),
		sellSignal("600000", core.SignalTakeProfitFull, 0, "10.50"))
	require.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
}

func TestManager_FullExitReplacesPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Trading.AllowTakeProfitFullWithPending = true
	})
	seedPosition(t, e.st, "600000", 1000, "10.00")

	first, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)

	second, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitFull, 1000, "10.80"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first}, e.broker.cancelled)

	entry, ok := e.mgr.PendingOrder("600000")
	require.True(t, ok)
	assert.Equal(t, second, entry.OrderID)

	// 600 locked, restored on cancel, then 1000 locked for the full exit.
	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Available)
}

func TestManager_OnFillFastPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	orderID, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)

	e.mgr.OnFill(&core.Fill{
		OrderID:      orderID,
		StockCode:    "600000",
		Side:         core.SideSell,
		TradedVolume: 600,
		TradedPrice:  dec("10.52"),
		TradedAmount: dec("6312"),
	})

	_, ok := e.mgr.PendingOrder("600000")
	assert.False(t, ok, "entry removed on fill")

	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(400), pos.Volume)
	assert.Equal(t, int64(400), pos.Available)
	assert.True(t, pos.ProfitTriggered, "first-stage flip committed with the fill")
	assert.True(t, pos.CurrentPrice.Equal(dec("10.52")))
}

func TestManager_OnFillUnknownOrderIgnored(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	orderID, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)

	e.mgr.OnFill(&core.Fill{
		OrderID:      "SOMEONE-ELSE",
		StockCode:    "600000",
		Side:         core.SideSell,
		TradedVolume: 600,
		TradedPrice:  dec("10.52"),
	})

	entry, ok := e.mgr.PendingOrder("600000")
	require.True(t, ok, "pending entry untouched")
	assert.Equal(t, orderID, entry.OrderID)

	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos.Volume)
}

func TestManager_FullExitDeletesFlatPosition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	orderID, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitFull, 1000, "11.00"))
	require.NoError(t, err)

	e.mgr.OnFill(&core.Fill{
		OrderID:      orderID,
		StockCode:    "600000",
		Side:         core.SideSell,
		TradedVolume: 1000,
		TradedPrice:  dec("11.00"),
		TradedAmount: dec("11000"),
	})

	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Nil(t, pos, "flat position removed")
}

func TestManager_SimulationMode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *config.Config) {
		cfg.App.SimulationMode = true
	})
	seedPosition(t, e.st, "600000", 1000, "10.00")

	orderID, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)
	assert.Contains(t, orderID, "SIM_SELL_")
	assert.Empty(t, e.broker.placed, "simulation never reaches the broker")

	_, ok := e.mgr.PendingOrder("600000")
	assert.False(t, ok, "synchronous fill leaves nothing pending")

	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(400), pos.Volume)
	assert.True(t, pos.ProfitTriggered)

	buyID, err := e.mgr.SubmitBuy(ctx, &core.Signal{
		StockCode: "600001",
		Strategy:  core.StrategyDynamic,
		Type:      core.SignalAddPosition,
		Price:     dec("8.00"),
		Volume:    400,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.Contains(t, buyID, "SIM_BUY_")

	created, err := e.st.GetPosition(ctx, "600001")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(400), created.Volume)
	assert.Equal(t, int64(0), created.Available, "T+1: nothing sellable on the open day")

	trades, err := e.st.ListUserTrades(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestManager_SweeperCancelsAndReorders(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	first, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)

	// Age the entry past the timeout.
	e.mgr.mu.Lock()
	e.mgr.pendingSells["600000"].SubmitTime = time.Now().Add(-10 * time.Minute)
	e.mgr.mu.Unlock()

	e.broker.detail = &core.OrderDetail{Status: core.OrderSubmitted}
	e.mgr.sweep(ctx)

	assert.Equal(t, []string{first}, e.broker.cancelled)
	require.Len(t, e.broker.placed, 2, "cancelled order re-submitted")
	assert.Equal(t, int64(600), e.broker.placed[1].Volume)

	entry, ok := e.mgr.PendingOrder("600000")
	require.True(t, ok)
	assert.NotEqual(t, first, entry.OrderID)
	assert.WithinDuration(t, time.Now(), entry.SubmitTime, time.Minute)

	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(400), pos.Available, "released then re-locked")
}

func TestManager_SweeperUntracksLostCallback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPosition(t, e.st, "600000", 1000, "10.00")

	_, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
	require.NoError(t, err)

	e.mgr.mu.Lock()
	e.mgr.pendingSells["600000"].SubmitTime = time.Now().Add(-10 * time.Minute)
	e.mgr.mu.Unlock()

	e.broker.detail = &core.OrderDetail{
		Status:       core.OrderFilled,
		FilledVolume: 600,
		FilledPrice:  dec("10.51"),
	}
	e.mgr.sweep(ctx)

	assert.Empty(t, e.broker.cancelled, "a filled order is never cancelled")
	_, ok := e.mgr.PendingOrder("600000")
	assert.False(t, ok)

	// The entry is only untracked; the reconciler converges the share
	// delta and profit_triggered flips only on a real callback fill.
	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos.Volume)
	assert.False(t, pos.ProfitTriggered)
}

func TestManager_SweeperRespectsSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("auto_cancel off", func(t *testing.T) {
		e := newEnv(t, func(cfg *config.Config) {
			cfg.Orders.AutoCancel = false
		})
		seedPosition(t, e.st, "600000", 1000, "10.00")
		_, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
		require.NoError(t, err)

		e.mgr.mu.Lock()
		e.mgr.pendingSells["600000"].SubmitTime = time.Now().Add(-10 * time.Minute)
		e.mgr.mu.Unlock()

		e.mgr.sweep(ctx)
		assert.Empty(t, e.broker.cancelled)
		_, ok := e.mgr.PendingOrder("600000")
		assert.True(t, ok)
	})

	t.Run("fresh entries untouched", func(t *testing.T) {
		e := newEnv(t, nil)
		seedPosition(t, e.st, "600000", 1000, "10.00")
		_, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
		require.NoError(t, err)

		e.broker.detail = &core.OrderDetail{Status: core.OrderSubmitted}
		e.mgr.sweep(ctx)
		assert.Empty(t, e.broker.cancelled)
	})

	t.Run("reorder off leaves shares unlocked", func(t *testing.T) {
		e := newEnv(t, func(cfg *config.Config) {
			cfg.Orders.AutoReorder = false
		})
		seedPosition(t, e.st, "600000", 1000, "10.00")
		_, err := e.mgr.SubmitSell(ctx, sellSignal("600000", core.SignalTakeProfitHalf, 600, "10.50"))
		require.NoError(t, err)

		e.mgr.mu.Lock()
		e.mgr.pendingSells["600000"].SubmitTime = time.Now().Add(-10 * time.Minute)
		e.mgr.mu.Unlock()

		e.broker.detail = &core.OrderDetail{Status: core.OrderSubmitted}
		e.mgr.sweep(ctx)

		require.Len(t, e.broker.placed, 1, "no reorder")
		pos, err := e.st.GetPosition(ctx, "600000")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), pos.Available)
	})
}

func TestManager_BuyFillRouting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	orderID, err := e.mgr.SubmitBuy(ctx, &core.Signal{
		StockCode: "600000",
		Strategy:  core.StrategyDynamic,
		Type:      core.SignalAddPosition,
		Price:     dec("9.00"),
		Volume:    400,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	e.mgr.OnFill(&core.Fill{
		OrderID:      orderID,
		StockCode:    "600000",
		Side:         core.SideBuy,
		TradedVolume: 400,
		TradedPrice:  dec("9.00"),
		TradedAmount: dec("3600"),
	})

	pos, err := e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(400), pos.Volume)

	// An untracked buy id is ignored; reconciliation converges it.
	e.mgr.OnFill(&core.Fill{
		OrderID:      "MANUAL-1",
		StockCode:    "600000",
		Side:         core.SideBuy,
		TradedVolume: 100,
		TradedPrice:  dec("9.00"),
	})
	pos, err = e.st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, int64(400), pos.Volume)
}

func TestManager_CheckHealth(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.mgr.Start(context.Background()))
	t.Cleanup(func() { _ = e.mgr.Stop() })
	assert.NoError(t, e.mgr.CheckHealth())

	e.mgr.lastSweep.Store(time.Now().Add(-time.Hour).UnixNano())
	assert.Error(t, e.mgr.CheckHealth())
}
