package monitor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/pkg/tradingutils"
)

// validateSignal is the guardrail every candidate passes before
// publication. It protects against spurious ticks and stale state, not
// against strategy mistakes.
func validateSignal(sig *core.Signal, pos *core.Position, hasPendingSell bool, cfg config.TradingConfig) error {
	if sig == nil {
		return fmt.Errorf("nil signal")
	}
	if !sig.Price.IsPositive() {
		return fmt.Errorf("%s for %s: non-positive price %s",
			sig.Type, sig.StockCode, sig.Price)
	}
	if sig.Volume <= 0 {
		return fmt.Errorf("%s for %s: non-positive volume %d",
			sig.Type, sig.StockCode, sig.Volume)
	}

	switch sig.Type {
	case core.SignalStopLoss:
		cost := effectiveCost(sig, pos)
		if cost.IsZero() {
			return fmt.Errorf("stop_loss for %s: no usable cost price", sig.StockCode)
		}
		loss := tradingutils.ChangeRatio(cost, sig.Price).Neg()
		if loss.LessThan(decimal.NewFromFloat(cfg.MinStopLossTrigger)) {
			return fmt.Errorf("stop_loss for %s: loss %s below trigger floor %.4f, likely a bad tick",
				sig.StockCode, loss.StringFixed(4), cfg.MinStopLossTrigger)
		}

	case core.SignalTakeProfitHalf:
		if hasPendingSell {
			return fmt.Errorf("take_profit_half for %s: sell already in flight", sig.StockCode)
		}

	case core.SignalTakeProfitFull:
		if hasPendingSell && !cfg.AllowTakeProfitFullWithPending {
			return fmt.Errorf("take_profit_full for %s: sell already in flight", sig.StockCode)
		}
	}
	return nil
}

// effectiveCost prefers the signal's cost price; a stored cost of zero
// is obviously bad and is overridden by the payload.
func effectiveCost(sig *core.Signal, pos *core.Position) decimal.Decimal {
	if sig.CostPrice.IsPositive() {
		return sig.CostPrice
	}
	if pos != nil && pos.CostPrice.IsPositive() {
		return pos.CostPrice
	}
	return decimal.Zero
}
