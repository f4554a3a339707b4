package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksProcessedTotal   = "sentinel_ticks_processed_total"
	MetricSignalsTotal          = "sentinel_signals_generated_total"
	MetricOrdersSubmittedTotal  = "sentinel_orders_submitted_total"
	MetricFillsTotal            = "sentinel_fills_total"
	MetricGridTradesTotal       = "sentinel_grid_trades_total"
	MetricPendingSells          = "sentinel_pending_sells"
	MetricPositionVolume        = "sentinel_position_volume"
	MetricGridSessionsActive    = "sentinel_grid_sessions_active"
	MetricDataVersion           = "sentinel_data_version"
	MetricCircuitBreakerOpen    = "sentinel_market_data_circuit_open"
	MetricTickLatency           = "sentinel_tick_latency_ms"
	MetricStoreWriteLatency     = "sentinel_store_write_latency_ms"
	MetricSweeperCancelledTotal = "sentinel_sweeper_cancelled_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksProcessedTotal   metric.Int64Counter
	SignalsTotal          metric.Int64Counter
	OrdersSubmittedTotal  metric.Int64Counter
	FillsTotal            metric.Int64Counter
	GridTradesTotal       metric.Int64Counter
	SweeperCancelledTotal metric.Int64Counter
	PendingSells          metric.Int64ObservableGauge
	PositionVolume        metric.Float64ObservableGauge
	GridSessionsActive    metric.Int64ObservableGauge
	DataVersion           metric.Int64ObservableGauge
	CircuitBreakerOpen    metric.Int64ObservableGauge
	TickLatency           metric.Float64Histogram
	StoreWriteLatency     metric.Float64Histogram

	// State for observable gauges
	mu              sync.RWMutex
	pendingSellsMap map[string]int64
	positionVolMap  map[string]float64
	sessionsActive  int64
	dataVersion     int64
	breakerOpen     int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pendingSellsMap: make(map[string]int64),
			positionVolMap:  make(map[string]float64),
		}
		// Instrument initialization happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksProcessedTotal, err = meter.Int64Counter(MetricTicksProcessedTotal, metric.WithDescription("Total monitor ticks processed"))
	if err != nil {
		return err
	}

	m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal, metric.WithDescription("Total trading signals generated"))
	if err != nil {
		return err
	}

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total broker orders submitted"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Total broker fill callbacks committed"))
	if err != nil {
		return err
	}

	m.GridTradesTotal, err = meter.Int64Counter(MetricGridTradesTotal, metric.WithDescription("Total grid trades executed"))
	if err != nil {
		return err
	}

	m.SweeperCancelledTotal, err = meter.Int64Counter(MetricSweeperCancelledTotal, metric.WithDescription("Total pending sells cancelled by the timeout sweeper"))
	if err != nil {
		return err
	}

	m.TickLatency, err = meter.Float64Histogram(MetricTickLatency, metric.WithDescription("Latency of one symbol tick pass"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.StoreWriteLatency, err = meter.Float64Histogram(MetricStoreWriteLatency, metric.WithDescription("Latency of state store writes"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PendingSells, err = meter.Int64ObservableGauge(MetricPendingSells, metric.WithDescription("In-flight sell orders per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.pendingSellsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionVolume, err = meter.Float64ObservableGauge(MetricPositionVolume, metric.WithDescription("Held volume per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionVolMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GridSessionsActive, err = meter.Int64ObservableGauge(MetricGridSessionsActive, metric.WithDescription("Number of active grid sessions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.sessionsActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DataVersion, err = meter.Int64ObservableGauge(MetricDataVersion, metric.WithDescription("Monotonic store data version"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dataVersion)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Market data circuit breaker state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.breakerOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPendingSell(symbol string, pending bool) {
	val := int64(0)
	if pending {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingSellsMap[symbol] = val
}

func (m *MetricsHolder) SetPositionVolume(symbol string, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionVolMap[symbol] = volume
}

func (m *MetricsHolder) SetGridSessionsActive(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsActive = count
}

func (m *MetricsHolder) SetDataVersion(version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataVersion = version
}

func (m *MetricsHolder) SetCircuitBreakerOpen(open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerOpen = val
}
