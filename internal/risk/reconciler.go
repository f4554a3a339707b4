package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stock_sentinel/internal/core"
	"stock_sentinel/pkg/telemetry"
)

// reconcilePassTimeout bounds a single reconciliation pass.
const reconcilePassTimeout = 30 * time.Second

// Reconciler implements core.IReconciler. Broker holdings are the source
// of truth for volume, available and cost: each pass overwrites the stored
// broker fields where they diverge, creates records for positions that
// appeared at the broker, and removes records for positions the broker no
// longer reports. Strategy state (highest_price, profit_triggered, stop
// levels) is never touched here.
type Reconciler struct {
	broker   core.IBroker
	store    core.IStateStore
	logger   core.ILogger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu sync.RWMutex
	last     core.ReconcileStatus
}

// NewReconciler creates a reconciler that syncs every interval.
func NewReconciler(broker core.IBroker, store core.IStateStore, interval time.Duration, logger core.ILogger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		broker:   broker,
		store:    store,
		logger:   logger.WithField("component", "reconciler"),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting position reconciler", "interval", r.interval)
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping position reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, reconcilePassTimeout)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Reconcile performs a single pass. Passes are serialised so a slow
// broker call cannot overlap with the next tick.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := core.ReconcileStatus{LastRun: time.Now()}

	holdings, err := r.broker.QueryPositions(ctx)
	if err != nil {
		status.Error = err.Error()
		r.setStatus(status)
		return fmt.Errorf("failed to query broker positions: %w", err)
	}

	stored, err := r.store.ListPositions(ctx)
	if err != nil {
		status.Error = err.Error()
		r.setStatus(status)
		return fmt.Errorf("failed to list stored positions: %w", err)
	}
	storedByCode := make(map[string]*core.Position, len(stored))
	for _, p := range stored {
		storedByCode[p.StockCode] = p
	}

	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Volume <= 0 {
			continue
		}
		seen[h.StockCode] = true

		local, exists := storedByCode[h.StockCode]
		if exists &&
			local.Volume == h.Volume &&
			local.Available == h.Available &&
			local.CostPrice.Equal(h.CostPrice) {
			// Unchanged; skip the write so data_version stays put.
			continue
		}

		if err := r.store.UpdateBrokerFields(ctx, h.StockCode, h.Volume, h.Available, h.CostPrice); err != nil {
			r.logger.Error("Failed to sync position from broker",
				"stock_code", h.StockCode, "error", err)
			status.Error = err.Error()
			continue
		}
		if exists {
			r.logger.Info("Position synced from broker",
				"stock_code", h.StockCode,
				"volume", h.Volume,
				"available", h.Available,
				"cost", h.CostPrice.String())
			status.Synced++
		} else {
			r.logger.Warn("Position discovered at broker, creating local record",
				"stock_code", h.StockCode, "volume", h.Volume)
			status.Created++
		}
		telemetry.GetGlobalMetrics().SetPositionVolume(h.StockCode, float64(h.Volume))
	}

	// Positions we hold locally but the broker no longer reports were
	// closed outside the daemon.
	for code := range storedByCode {
		if seen[code] {
			continue
		}
		r.logger.Warn("Position gone at broker, removing local record", "stock_code", code)
		if err := r.store.DeletePosition(ctx, code); err != nil {
			r.logger.Error("Failed to remove stale position", "stock_code", code, "error", err)
			status.Error = err.Error()
			continue
		}
		telemetry.GetGlobalMetrics().SetPositionVolume(code, 0)
		status.Removed++
	}

	r.setStatus(status)
	if status.Synced+status.Created+status.Removed > 0 {
		r.logger.Info("Reconciliation pass completed",
			"synced", status.Synced, "created", status.Created, "removed", status.Removed)
	}
	return nil
}

// TriggerManual runs a reconciliation pass immediately.
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

// Status returns the outcome of the most recent pass.
func (r *Reconciler) Status() core.ReconcileStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.last
}

func (r *Reconciler) setStatus(s core.ReconcileStatus) {
	r.statusMu.Lock()
	r.last = s
	r.statusMu.Unlock()
}
