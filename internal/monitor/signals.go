package monitor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/pkg/tradingutils"
)

// stopLossSanityBand bounds the stored stop price relative to the
// recomputed one; a stored value outside [recomputed/2, cost] is
// treated as corrupt and repaired.
const stopLossSanityBand = 0.5

// evaluation is the outcome of one signal pass for one symbol: at most
// one candidate signal plus the durable side effects the caller must
// persist.
type evaluation struct {
	signal *core.Signal

	// markBreakout asks for a MarkBreakout(breakoutHighest) write.
	markBreakout    bool
	breakoutHighest decimal.Decimal

	// repairStopLoss asks for a SetStopLossPrice(stopLossPrice) write.
	repairStopLoss bool
	stopLossPrice  decimal.Decimal

	// fillTier is the compensation tier to persist after a successful
	// buy submission; -1 when no add_position fired.
	fillTier int
}

// evaluate computes the single candidate signal for one symbol in
// priority order: stop-loss, two-stage dynamic profit, add-position.
// Pure except for the side effects reported on the evaluation.
func evaluate(pos *core.Position, current decimal.Decimal, cfg config.TradingConfig) evaluation {
	out := evaluation{fillTier: -1}
	if pos == nil || pos.Volume <= 0 || !current.IsPositive() {
		return out
	}

	if sig := stopLossSignal(pos, current, cfg, &out); sig != nil {
		out.signal = sig
		return out
	}

	if cfg.EnableDynamicStopProfit {
		if sig := dynamicProfitSignal(pos, current, cfg, &out); sig != nil {
			out.signal = sig
			return out
		}
	}

	if cfg.EnableStopLossBuy {
		if sig, tier := addPositionSignal(pos, current, cfg); sig != nil {
			out.signal = sig
			out.fillTier = tier
		}
	}
	return out
}

// stopLossSignal fires when the loss breaches stop_loss_ratio. A stored
// stop price that is absent or outside the sanity band is recomputed as
// cost x (1 + stop_loss_ratio) and queued for persistence.
func stopLossSignal(pos *core.Position, current decimal.Decimal, cfg config.TradingConfig, out *evaluation) *core.Signal {
	if pos.CostPrice.IsZero() {
		return nil
	}
	if price, repair := stopLossRepair(pos, cfg); repair {
		out.repairStopLoss = true
		out.stopLossPrice = price
	}

	ratio := decimal.NewFromFloat(cfg.StopLossRatio)
	lossRatio := tradingutils.ChangeRatio(pos.CostPrice, current)
	if lossRatio.GreaterThan(ratio) {
		return nil
	}
	if pos.Available <= 0 {
		return nil
	}
	return &core.Signal{
		StockCode: pos.StockCode,
		Strategy:  core.StrategyDynamic,
		Type:      core.SignalStopLoss,
		Price:     current,
		Volume:    pos.Available,
		CostPrice: pos.CostPrice,
		Reason: fmt.Sprintf("loss %s breaches stop %s",
			lossRatio.StringFixed(4), ratio.StringFixed(4)),
		Timestamp: time.Now(),
	}
}

// stopLossRepair recomputes the stop price as cost x (1 +
// stop_loss_ratio) when the stored one is absent or outside the
// sanity band. Also run once at startup for rows created while the
// daemon was down.
func stopLossRepair(pos *core.Position, cfg config.TradingConfig) (decimal.Decimal, bool) {
	if pos.CostPrice.IsZero() {
		return decimal.Zero, false
	}
	expected := pos.CostPrice.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(cfg.StopLossRatio)))
	lower := expected.Mul(decimal.NewFromFloat(stopLossSanityBand))
	if pos.StopLossPrice.IsZero() ||
		pos.StopLossPrice.LessThan(lower) ||
		pos.StopLossPrice.GreaterThan(pos.CostPrice) {
		return expected, true
	}
	return decimal.Zero, false
}

// dynamicProfitSignal runs the two-stage machine.
//
// Stage I: the first breach of first_take_profit_ratio only marks the
// breakout; a pullback of first_profit_pullback_ratio from the
// post-breakout high emits take_profit_half.
//
// Stage II (after the first-stage sell filled): the highest matching
// tier sets a trailing stop at highest x coefficient; crossing it emits
// take_profit_full.
func dynamicProfitSignal(pos *core.Position, current decimal.Decimal, cfg config.TradingConfig, out *evaluation) *core.Signal {
	if pos.CostPrice.IsZero() {
		return nil
	}
	profitRatio := tradingutils.ChangeRatio(pos.CostPrice, current)

	if !pos.ProfitTriggered {
		firstTP := decimal.NewFromFloat(cfg.FirstTakeProfitRatio)

		if !pos.ProfitBreakoutTriggered {
			if profitRatio.GreaterThanOrEqual(firstTP) {
				out.markBreakout = true
				out.breakoutHighest = decimal.Max(pos.BreakoutHighestPrice, current)
			}
			return nil
		}

		breakoutHigh := decimal.Max(pos.BreakoutHighestPrice, current)
		if breakoutHigh.GreaterThan(pos.BreakoutHighestPrice) {
			out.markBreakout = true
			out.breakoutHighest = breakoutHigh
		}

		pullback := tradingutils.PullbackRatio(breakoutHigh, current)
		if pullback.LessThan(decimal.NewFromFloat(cfg.FirstProfitPullbackRatio)) {
			return nil
		}

		sellRatio := decimal.NewFromFloat(cfg.FirstProfitSellRatio)
		volume := tradingutils.SellableShares(pos.Available, sellRatio)
		if volume <= 0 {
			return nil
		}
		return &core.Signal{
			StockCode: pos.StockCode,
			Strategy:  core.StrategyDynamic,
			Type:      core.SignalTakeProfitHalf,
			Price:     current,
			Volume:    volume,
			SellRatio: sellRatio,
			CostPrice: pos.CostPrice,
			PeakPrice: breakoutHigh,
			Reason: fmt.Sprintf("pullback %s from breakout high %s",
				pullback.StringFixed(4), breakoutHigh.String()),
			Timestamp: time.Now(),
		}
	}

	// Stage II.
	tier, ok := pickTier(cfg.DynamicTiers, tradingutils.ChangeRatio(pos.CostPrice, pos.HighestPrice))
	if !ok {
		return nil
	}
	stop := pos.HighestPrice.Mul(decimal.NewFromFloat(tier.Coefficient))
	if stop.GreaterThan(pos.HighestPrice) {
		// A coefficient above 1 would fire on every tick.
		return nil
	}
	if current.GreaterThan(stop) {
		return nil
	}
	if pos.Available <= 0 {
		return nil
	}
	return &core.Signal{
		StockCode: pos.StockCode,
		Strategy:  core.StrategyDynamic,
		Type:      core.SignalTakeProfitFull,
		Price:     current,
		Volume:    pos.Available,
		CostPrice: pos.CostPrice,
		PeakPrice: pos.HighestPrice,
		Reason: fmt.Sprintf("trailing stop %s hit (tier %.0f%%, peak %s, profit %s)",
			stop.StringFixed(3), tier.Threshold*100, pos.HighestPrice.String(),
			profitRatio.StringFixed(4)),
		Timestamp: time.Now(),
	}
}

// pickTier returns the highest tier whose threshold the peak profit
// ratio has reached. Tiers are configured in ascending order.
func pickTier(tiers []config.ProfitTierConfig, peakProfit decimal.Decimal) (config.ProfitTierConfig, bool) {
	var picked config.ProfitTierConfig
	found := false
	for _, t := range tiers {
		if peakProfit.GreaterThanOrEqual(decimal.NewFromFloat(t.Threshold)) {
			picked = t
			found = true
		}
	}
	return picked, found
}

// addPositionSignal evaluates the compensation buy. Only armed while
// the shallowest buy level sits inside the stop-loss band, so a
// position averages down before the stop fires, never after.
func addPositionSignal(pos *core.Position, current decimal.Decimal, cfg config.TradingConfig) (*core.Signal, int) {
	levels := cfg.BuyGridLevels
	if len(levels) < 2 || pos.CostPrice.IsZero() {
		return nil, -1
	}
	addThreshold := 1 - levels[1]
	if addThreshold >= -cfg.StopLossRatio {
		return nil, -1
	}
	if pos.MarketValue().GreaterThanOrEqual(decimal.NewFromFloat(cfg.MaxSinglePositionValue)) {
		return nil, -1
	}

	priceRatio := current.Div(pos.CostPrice)
	tier := -1
	for k := 1; k < len(levels); k++ {
		if pos.TierFilled(k) {
			continue
		}
		if priceRatio.LessThanOrEqual(decimal.NewFromFloat(levels[k])) {
			tier = k
			break
		}
	}
	if tier < 0 {
		return nil, -1
	}

	headroom := decimal.NewFromFloat(cfg.MaxSinglePositionValue).Sub(pos.MarketValue())
	amount := decimal.Min(decimal.NewFromFloat(cfg.PositionUnit), headroom)
	volume := tradingutils.SharesForAmount(amount, current)
	if volume <= 0 {
		return nil, -1
	}
	return &core.Signal{
		StockCode: pos.StockCode,
		Strategy:  core.StrategyDynamic,
		Type:      core.SignalAddPosition,
		Price:     current,
		Volume:    volume,
		CostPrice: pos.CostPrice,
		GridLevel: decimal.NewFromFloat(levels[tier]),
		Reason: fmt.Sprintf("price at %s of cost, compensation tier %d",
			priceRatio.StringFixed(4), tier),
		Timestamp: time.Now(),
	}, tier
}
