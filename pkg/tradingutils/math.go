package tradingutils

import (
	"github.com/shopspring/decimal"
)

// LotSize is the round-lot unit for A-share equities.
const LotSize = 100

var lotSizeDec = decimal.NewFromInt(LotSize)

// FloorToLot rounds a share count down to a multiple of the lot size.
func FloorToLot(shares int64) int64 {
	if shares < 0 {
		return 0
	}
	return shares / LotSize * LotSize
}

// SellableShares computes the share count for a ratio sell.
// floor(volume x ratio / lot) x lot; a zero result is bumped to one lot
// when the holding allows it; the result is capped at the largest round
// lot inside the holding. Returns 0 when no valid round lot exists.
func SellableShares(volume int64, ratio decimal.Decimal) int64 {
	if volume < LotSize || ratio.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	raw := ratio.Mul(decimal.NewFromInt(volume))
	shares := FloorToLot(raw.IntPart())
	if shares == 0 {
		shares = LotSize
	}
	if cap := FloorToLot(volume); shares > cap {
		shares = cap
	}
	if shares < LotSize {
		return 0
	}
	return shares
}

// SharesForAmount returns the largest round lot purchasable for amount
// at price. Returns 0 when price is non-positive or the amount does not
// cover one lot.
func SharesForAmount(amount, price decimal.Decimal) int64 {
	if price.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return FloorToLot(amount.Div(price).IntPart())
}

// ChangeRatio returns (to - from) / from, zero when from is zero.
func ChangeRatio(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from)
}

// PullbackRatio returns (peak - price) / peak, zero when peak is zero.
func PullbackRatio(peak, price decimal.Decimal) decimal.Decimal {
	if peak.IsZero() {
		return decimal.Zero
	}
	return peak.Sub(price).Div(peak)
}

// BounceRatio returns (price - valley) / valley, zero when valley is zero.
func BounceRatio(valley, price decimal.Decimal) decimal.Decimal {
	if valley.IsZero() {
		return decimal.Zero
	}
	return price.Sub(valley).Div(valley)
}

// Amount returns shares x price.
func Amount(shares int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(shares))
}
