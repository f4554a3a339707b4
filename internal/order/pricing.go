package order

import (
	"github.com/shopspring/decimal"

	"stock_sentinel/internal/core"
)

// bestDepth is how deep into the book the "best" price mode reaches.
const bestDepth = 3

// Price modes for order submission and reorder.
const (
	PriceModeMarket = "market"
	PriceModeLimit  = "limit"
	PriceModeBest   = "best"
)

// resolvePrice computes the order price for a signal given the latest
// tick. market uses the last trade price; limit reuses the signal's
// planned price; best walks the opposite side of the book three levels
// deep, falling back level by level and finally to the last price. A
// nil tick degrades to the signal price.
func resolvePrice(mode string, side core.Side, sig *core.Signal, tick *core.Tick) decimal.Decimal {
	if tick == nil {
		return sig.Price
	}

	switch mode {
	case PriceModeLimit:
		if sig.Price.IsPositive() {
			return sig.Price
		}
		return tick.Last

	case PriceModeBest:
		book := tick.Bids
		if side == core.SideBuy {
			book = tick.Asks
		}
		if p, ok := bookPrice(book, bestDepth); ok {
			return p
		}
		if p, ok := bookPrice(book, 1); ok {
			return p
		}
		return tick.Last

	default: // market
		return tick.Last
	}
}

// bookPrice returns the price at the given 1-based depth, or the
// deepest available level when the book is shallower but non-empty.
func bookPrice(book []core.BookLevel, depth int) (decimal.Decimal, bool) {
	if len(book) == 0 {
		return decimal.Zero, false
	}
	idx := depth - 1
	if idx >= len(book) {
		idx = len(book) - 1
	}
	if !book[idx].Price.IsPositive() {
		return decimal.Zero, false
	}
	return book[idx].Price, true
}
