// Package grid implements grid trading sessions: a per-session price
// tracker that arms on level crossings and fires on callbacks, and a
// manager that owns session lifecycle, trade sizing and bookkeeping.
package grid

import (
	"sync"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/core"
)

// TrackerState is the arming state of a price tracker.
type TrackerState string

const (
	StateIdle        TrackerState = "IDLE"
	StateWaitingSell TrackerState = "WAITING_SELL"
	StateWaitingBuy  TrackerState = "WAITING_BUY"
)

// callbackEpsilon absorbs float accumulation when comparing a realized
// pullback or bounce against the configured callback ratio.
var callbackEpsilon = decimal.NewFromFloat(0.0001)

// Emission is produced when an armed tracker sees the price retrace by
// at least the callback ratio. It carries everything the manager needs
// to build a grid signal.
type Emission struct {
	Side     core.Side
	Level    decimal.Decimal
	Price    decimal.Decimal
	Peak     decimal.Decimal
	Valley   decimal.Decimal
	Callback decimal.Decimal
}

// LevelGuard lets the manager veto arming on a level, e.g. while the
// level is cooling down after an executed trade. A nil guard allows all.
type LevelGuard func(level decimal.Decimal) bool

// PriceTracker follows one session's price stream. Crossing strictly
// above the upper level arms WAITING_SELL and starts sweeping a peak;
// crossing strictly below the lower level arms WAITING_BUY and sweeps
// a valley. While armed, new crossings are ignored. A retrace from the
// extreme of at least the callback ratio emits and resets to IDLE at
// the current price.
type PriceTracker struct {
	mu sync.Mutex

	state         TrackerState
	last          decimal.Decimal
	peak          decimal.Decimal
	valley        decimal.Decimal
	armedLevel    decimal.Decimal
	callbackRatio decimal.Decimal
}

// NewPriceTracker seeds a tracker at the given price in IDLE.
func NewPriceTracker(price, callbackRatio decimal.Decimal) *PriceTracker {
	return &PriceTracker{
		state:         StateIdle,
		last:          price,
		peak:          price,
		valley:        price,
		callbackRatio: callbackRatio,
	}
}

// Update feeds one price observation. upper and lower are the current
// grid levels derived from the session center. It returns a non-nil
// Emission when a sell or buy fires; the tracker is then already reset.
func (t *PriceTracker) Update(price, upper, lower decimal.Decimal, allowed LevelGuard) *Emission {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !price.IsPositive() {
		return nil
	}

	var out *Emission
	switch t.state {
	case StateIdle:
		// Strict comparison: touching a level exactly does not arm.
		if price.GreaterThan(upper) {
			if allowed == nil || allowed(upper) {
				t.state = StateWaitingSell
				t.armedLevel = upper
				t.peak = price
			}
		} else if price.LessThan(lower) {
			if allowed == nil || allowed(lower) {
				t.state = StateWaitingBuy
				t.armedLevel = lower
				t.valley = price
			}
		}

	case StateWaitingSell:
		if price.GreaterThan(t.peak) {
			t.peak = price
		}
		pullback := t.peak.Sub(price).Div(t.peak)
		if pullback.GreaterThanOrEqual(t.callbackRatio.Sub(callbackEpsilon)) {
			out = &Emission{
				Side:     core.SideSell,
				Level:    t.armedLevel,
				Price:    price,
				Peak:     t.peak,
				Valley:   t.valley,
				Callback: pullback,
			}
			t.resetLocked(price)
		}

	case StateWaitingBuy:
		if price.LessThan(t.valley) {
			t.valley = price
		}
		bounce := price.Sub(t.valley).Div(t.valley)
		if bounce.GreaterThanOrEqual(t.callbackRatio.Sub(callbackEpsilon)) {
			out = &Emission{
				Side:     core.SideBuy,
				Level:    t.armedLevel,
				Price:    price,
				Peak:     t.peak,
				Valley:   t.valley,
				Callback: bounce,
			}
			t.resetLocked(price)
		}
	}

	t.last = price
	return out
}

// Reset returns the tracker to IDLE with last, peak and valley all set
// to the given price. Called after a grid rebuild or on recovery.
func (t *PriceTracker) Reset(price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(price)
}

func (t *PriceTracker) resetLocked(price decimal.Decimal) {
	t.state = StateIdle
	t.last = price
	t.peak = price
	t.valley = price
	t.armedLevel = decimal.Zero
}

// State returns the current arming state.
func (t *PriceTracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns the tracker's observable values for dashboards.
func (t *PriceTracker) Snapshot() (state TrackerState, last, peak, valley decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.last, t.peak, t.valley
}
