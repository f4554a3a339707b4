// Package daemon wires the components together and runs them as one
// supervised process.
package daemon

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stock_sentinel/internal/alert"
	"stock_sentinel/internal/broker"
	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/internal/grid"
	"stock_sentinel/internal/infrastructure/health"
	"stock_sentinel/internal/infrastructure/metrics"
	"stock_sentinel/internal/infrastructure/probe"
	"stock_sentinel/internal/marketdata"
	"stock_sentinel/internal/mock"
	"stock_sentinel/internal/monitor"
	"stock_sentinel/internal/order"
	"stock_sentinel/internal/risk"
	"stock_sentinel/internal/store"
	"stock_sentinel/internal/web"
)

// stopTimeout bounds each component stop during shutdown.
const stopTimeout = 5 * time.Second

// storeFaultThreshold is how many consecutive store ping failures the
// watchdog tolerates before declaring the store unusable.
const storeFaultThreshold = 3

// Daemon owns the full component graph.
type Daemon struct {
	cfg     *config.Config
	logger  core.ILogger
	alerter core.IAlerter

	store      *store.SQLiteStore
	broker     core.IBroker
	market     core.IMarketData
	highWater  *marketdata.HighWaterCache
	breaker    *risk.MarketDataBreaker
	grid       *grid.Manager
	orders     *order.Manager
	monitor    *monitor.Monitor
	reconciler *risk.Reconciler
	health     *health.HealthManager
	web        *web.Server
	metrics    *metrics.Server
	probe      *probe.Server

	storeFaults int
}

// New builds the daemon. A store open failure or an unconstructible
// component refuses startup.
func New(cfg *config.Config, logger core.ILogger) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logger.WithField("component", "daemon")}

	// Alerting is optional; keep the interface truly nil when the
	// manager is disabled so nil checks downstream hold.
	if am := alert.FromConfig(cfg.Alerts, logger); am != nil {
		d.alerter = am
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path,
		time.Duration(cfg.Database.BusyTimeoutSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	d.store = st

	if err := d.buildGateways(logger); err != nil {
		st.Close()
		return nil, err
	}

	d.highWater = marketdata.NewHighWaterCache(d.market,
		time.Duration(cfg.MarketData.DailyHighCacheTTLSeconds)*time.Second, logger)
	d.breaker = risk.NewMarketDataBreaker(cfg.MarketData.CircuitBreaker, logger, d.alerter)
	d.grid = grid.NewManager(d.store, cfg.Grid, cfg.Trading, logger, d.alerter)
	d.orders = order.NewManager(d.store, d.broker, d.market, cfg.Orders,
		cfg.App.SimulationMode, cfg.Trading.AllowTakeProfitFullWithPending, logger)

	// Break the grid <-> orders cycle after construction.
	d.grid.SetOrderManager(d.orders)
	d.orders.SetGridManager(d.grid)
	d.broker.RegisterFillHandler("order_manager", d.orders.OnFill)

	mon, err := monitor.NewMonitor(d.store, d.market, d.breaker, d.grid, d.orders,
		d.highWater, cfg.Trading, cfg.Monitor, cfg.App.Timezone, logger, d.alerter)
	if err != nil {
		st.Close()
		return nil, err
	}
	d.monitor = mon

	d.reconciler = risk.NewReconciler(d.broker, d.store,
		time.Duration(cfg.Monitor.PositionSyncIntervalSeconds)*time.Second, logger)

	d.health = health.NewHealthManager(logger)
	d.registerHealthChecks()

	if cfg.Server.Enabled {
		d.web = web.NewServer(web.Deps{
			Store:      d.store,
			Grid:       d.grid,
			Orders:     d.orders,
			Breaker:    d.breaker,
			Reconciler: d.reconciler,
			Health:     d.health,
			Broker:     d.broker,
			Signals:    d.monitor,
		}, cfg.Server, logger)
	}
	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewServer(cfg.Metrics.Port, logger)
	}
	if cfg.Probe.Enabled {
		d.probe = probe.NewServer(cfg.Probe.Addr, d.health, logger)
	}

	return d, nil
}

// buildGateways selects the broker and market-data implementations.
// Simulation mode without endpoints runs fully in-memory.
func (d *Daemon) buildGateways(logger core.ILogger) error {
	cfg := d.cfg
	switch {
	case cfg.Broker.GatewayURL != "":
		d.broker = broker.NewGateway(cfg.Broker, logger)
	case cfg.App.SimulationMode:
		d.broker = mock.NewBroker(logger)
		d.logger.Warn("No broker gateway configured, using in-memory mock broker")
	default:
		return fmt.Errorf("broker gateway URL required outside simulation mode")
	}

	switch {
	case cfg.MarketData.BaseURL != "":
		d.market = marketdata.NewClient(cfg.MarketData.BaseURL,
			time.Duration(cfg.MarketData.QuoteTimeoutSeconds)*time.Second, logger)
	case cfg.App.SimulationMode:
		d.market = mock.NewMarketData()
		d.logger.Warn("No market data URL configured, using scripted mock feed")
	default:
		return fmt.Errorf("market data base URL required outside simulation mode")
	}
	return nil
}

func (d *Daemon) registerHealthChecks() {
	d.health.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return d.store.Ping(ctx)
	})
	d.health.Register("broker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return d.broker.CheckHealth(ctx)
	})
	d.health.Register("market_data", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return d.market.CheckHealth(ctx)
	})
	d.health.Register("monitor", d.monitor.CheckHealth)
	d.health.Register("order_sweeper", d.orders.CheckHealth)
	d.health.Register("reconciler", func() error {
		status := d.reconciler.Status()
		if status.LastRun.IsZero() {
			return nil // not yet run
		}
		bound := 3 * time.Duration(d.cfg.Monitor.PositionSyncIntervalSeconds) * time.Second
		if stale := time.Since(status.LastRun); stale > bound {
			return fmt.Errorf("reconciler stale for %s", stale.Round(time.Second))
		}
		return nil
	})
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally. Shutdown is ordered and bounded.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.logger.Info("Starting daemon",
		"simulation", d.cfg.App.SimulationMode,
		"auto_trading", d.cfg.Trading.EnableAutoTrading)

	// Broker startup failure refuses start.
	if err := d.broker.Start(ctx); err != nil {
		return fmt.Errorf("broker startup: %w", err)
	}

	if err := d.grid.Recover(ctx); err != nil {
		d.logger.Error("Grid session recovery failed", "error", err)
	}
	if err := d.orders.Start(ctx); err != nil {
		return fmt.Errorf("order manager startup: %w", err)
	}
	if err := d.monitor.Start(ctx); err != nil {
		return fmt.Errorf("monitor startup: %w", err)
	}
	if err := d.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("reconciler startup: %w", err)
	}
	if d.metrics != nil {
		d.metrics.Start()
	}
	if d.probe != nil {
		if err := d.probe.Start(); err != nil {
			return fmt.Errorf("probe startup: %w", err)
		}
	}

	d.alertEvent(ctx, "Daemon started",
		fmt.Sprintf("simulation=%v auto_trading=%v",
			d.cfg.App.SimulationMode, d.cfg.Trading.EnableAutoTrading),
		core.AlertInfo)

	g, gctx := errgroup.WithContext(ctx)
	if d.web != nil {
		g.Go(func() error { return d.web.Start(gctx) })
	}
	g.Go(func() error {
		d.watchdog(gctx)
		return nil
	})

	err := g.Wait()
	d.shutdown()
	return err
}

// watchdog periodically checks component heartbeats. Staleness is
// logged and alerted, never auto-restarted. A store declared unusable
// disables auto-trading in memory and keeps read-only surfaces up.
func (d *Daemon) watchdog(ctx context.Context) {
	interval := time.Duration(d.cfg.Monitor.ThreadCheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkOnce(ctx)
		}
	}
}

func (d *Daemon) checkOnce(ctx context.Context) {
	if err := d.monitor.CheckHealth(); err != nil {
		d.logger.Error("Watchdog: monitor unhealthy", "error", err)
		d.alertEvent(ctx, "Monitor loop stale", err.Error(), core.AlertError)
	}
	if err := d.orders.CheckHealth(); err != nil {
		d.logger.Error("Watchdog: order sweeper unhealthy", "error", err)
		d.alertEvent(ctx, "Order sweeper stale", err.Error(), core.AlertError)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := d.store.Ping(pingCtx)
	cancel()
	if err == nil {
		d.storeFaults = 0
		return
	}
	d.storeFaults++
	d.logger.Error("Watchdog: store ping failed",
		"error", err, "consecutive", d.storeFaults)
	if d.storeFaults == storeFaultThreshold {
		d.monitor.DisableAutoTrading("state store unusable")
		d.alertEvent(ctx, "Auto trading disabled",
			fmt.Sprintf("state store unusable: %v", err), core.AlertCritical)
	}
}

// shutdown stops components in dependency order, bounding each stop.
func (d *Daemon) shutdown() {
	d.logger.Info("Shutting down")

	if d.web != nil {
		d.stopBounded("web", func(ctx context.Context) error {
			return d.web.Stop(ctx)
		})
	}
	if err := d.monitor.Stop(); err != nil {
		d.logger.Error("Monitor stop failed", "error", err)
	}
	if err := d.orders.Stop(); err != nil {
		d.logger.Error("Order manager stop failed", "error", err)
	}
	if err := d.reconciler.Stop(); err != nil {
		d.logger.Error("Reconciler stop failed", "error", err)
	}
	if err := d.broker.Stop(); err != nil {
		d.logger.Error("Broker stop failed", "error", err)
	}
	if d.metrics != nil {
		d.stopBounded("metrics", d.metrics.Stop)
	}
	if d.probe != nil {
		d.probe.Stop()
	}

	d.alertEvent(context.Background(), "Daemon stopped", "", core.AlertInfo)

	if err := d.store.Close(); err != nil {
		d.logger.Error("Store close failed", "error", err)
	}
	d.logger.Info("Shutdown complete")
}

func (d *Daemon) stopBounded(name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		d.logger.Error("Component stop failed, abandoning", "component", name, "error", err)
	}
}

func (d *Daemon) alertEvent(ctx context.Context, title, message string, level core.AlertLevel) {
	if d.alerter == nil {
		return
	}
	d.alerter.Alert(ctx, title, message, level, nil)
}

// MockGateways exposes the in-memory broker and feed when running in
// simulation mode without endpoints. Used by the e2e harness.
func (d *Daemon) MockGateways() (*mock.Broker, *mock.MarketData, bool) {
	mb, ok1 := d.broker.(*mock.Broker)
	md, ok2 := d.market.(*mock.MarketData)
	if !ok1 || !ok2 {
		return nil, nil, false
	}
	return mb, md, true
}

// Components used by tests and the CLI status command.
func (d *Daemon) Health() core.IHealthMonitor   { return d.health }
func (d *Daemon) Store() *store.SQLiteStore     { return d.store }
func (d *Daemon) Monitor() *monitor.Monitor     { return d.monitor }
func (d *Daemon) Grid() *grid.Manager           { return d.grid }
func (d *Daemon) Orders() *order.Manager        { return d.orders }
func (d *Daemon) Reconciler() core.IReconciler  { return d.reconciler }
