package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/core"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPriceTracker_StrictLevelCrossing(t *testing.T) {
	tracker := NewPriceTracker(dec("10.00"), dec("0.005"))
	upper, lower := dec("10.50"), dec("9.50")

	// Touching the level exactly does not arm.
	em := tracker.Update(dec("10.50"), upper, lower, nil)
	assert.Nil(t, em)
	assert.Equal(t, StateIdle, tracker.State())

	em = tracker.Update(dec("9.50"), upper, lower, nil)
	assert.Nil(t, em)
	assert.Equal(t, StateIdle, tracker.State())

	// One tick above arms the sell side.
	em = tracker.Update(dec("10.51"), upper, lower, nil)
	assert.Nil(t, em)
	assert.Equal(t, StateWaitingSell, tracker.State())
}

func TestPriceTracker_SellPullback(t *testing.T) {
	tracker := NewPriceTracker(dec("10.00"), dec("0.005"))
	upper, lower := dec("10.50"), dec("9.50")

	require.Nil(t, tracker.Update(dec("10.60"), upper, lower, nil))
	require.Equal(t, StateWaitingSell, tracker.State())

	// Peak sweeps upward, small retraces stay silent.
	require.Nil(t, tracker.Update(dec("10.70"), upper, lower, nil))
	require.Nil(t, tracker.Update(dec("10.66"), upper, lower, nil))

	// (10.70 - 10.545) / 10.70 = 1.45% >= 0.5%: fires.
	em := tracker.Update(dec("10.545"), upper, lower, nil)
	require.NotNil(t, em)
	assert.Equal(t, core.SideSell, em.Side)
	assert.True(t, em.Level.Equal(dec("10.50")), "level %s", em.Level)
	assert.True(t, em.Price.Equal(dec("10.545")))
	assert.True(t, em.Peak.Equal(dec("10.70")))

	// Emission resets the tracker to the emission price.
	state, last, peak, valley := tracker.Snapshot()
	assert.Equal(t, StateIdle, state)
	assert.True(t, last.Equal(dec("10.545")))
	assert.True(t, peak.Equal(dec("10.545")))
	assert.True(t, valley.Equal(dec("10.545")))
}

func TestPriceTracker_CallbackBoundary(t *testing.T) {
	// Pullback exactly equal to the callback ratio fires.
	tracker := NewPriceTracker(dec("9.80"), dec("0.005"))
	upper, lower := dec("10.00"), dec("9.00")

	require.Nil(t, tracker.Update(dec("10.20"), upper, lower, nil))
	require.Equal(t, StateWaitingSell, tracker.State())

	// (10.20 - 10.149) / 10.20 = 0.005 exactly.
	em := tracker.Update(dec("10.149"), upper, lower, nil)
	require.NotNil(t, em)
	assert.Equal(t, core.SideSell, em.Side)

	// A pullback clearly inside the tolerance band stays silent.
	tracker = NewPriceTracker(dec("9.80"), dec("0.005"))
	require.Nil(t, tracker.Update(dec("10.20"), upper, lower, nil))
	// (10.20 - 10.153) / 10.20 = 0.46% < 0.49%.
	assert.Nil(t, tracker.Update(dec("10.153"), upper, lower, nil))
	assert.Equal(t, StateWaitingSell, tracker.State())
}

func TestPriceTracker_BuyBounce(t *testing.T) {
	tracker := NewPriceTracker(dec("10.545"), dec("0.005"))
	upper, lower := dec("11.072"), dec("10.018")

	require.Nil(t, tracker.Update(dec("10.30"), upper, lower, nil))
	require.Equal(t, StateIdle, tracker.State())

	require.Nil(t, tracker.Update(dec("10.00"), upper, lower, nil))
	require.Equal(t, StateWaitingBuy, tracker.State())

	require.Nil(t, tracker.Update(dec("9.80"), upper, lower, nil))
	require.Nil(t, tracker.Update(dec("9.40"), upper, lower, nil))
	require.Nil(t, tracker.Update(dec("9.35"), upper, lower, nil))

	// (9.397 - 9.35) / 9.35 = 0.503% >= 0.5%: fires.
	em := tracker.Update(dec("9.397"), upper, lower, nil)
	require.NotNil(t, em)
	assert.Equal(t, core.SideBuy, em.Side)
	assert.True(t, em.Level.Equal(dec("10.018")))
	assert.True(t, em.Valley.Equal(dec("9.35")))
	assert.Equal(t, StateIdle, tracker.State())
}

func TestPriceTracker_ArmedStateIgnoresCrossings(t *testing.T) {
	tracker := NewPriceTracker(dec("10.00"), dec("0.005"))
	upper, lower := dec("10.50"), dec("9.50")

	require.Nil(t, tracker.Update(dec("9.30"), upper, lower, nil))
	require.Equal(t, StateWaitingBuy, tracker.State())

	// A rally straight through the upper level does not re-arm the sell
	// side; the armed buy sweep completes instead.
	em := tracker.Update(dec("10.60"), upper, lower, nil)
	require.NotNil(t, em)
	assert.Equal(t, core.SideBuy, em.Side)
	assert.True(t, em.Level.Equal(dec("9.50")))
}

func TestPriceTracker_LevelGuard(t *testing.T) {
	tracker := NewPriceTracker(dec("10.00"), dec("0.005"))
	upper, lower := dec("10.50"), dec("9.50")

	blocked := func(decimal.Decimal) bool { return false }
	assert.Nil(t, tracker.Update(dec("10.60"), upper, lower, blocked))
	assert.Equal(t, StateIdle, tracker.State(), "vetoed level must not arm")

	allowed := func(decimal.Decimal) bool { return true }
	assert.Nil(t, tracker.Update(dec("10.60"), upper, lower, allowed))
	assert.Equal(t, StateWaitingSell, tracker.State())
}

func TestPriceTracker_Reset(t *testing.T) {
	tracker := NewPriceTracker(dec("10.00"), dec("0.005"))
	require.Nil(t, tracker.Update(dec("10.60"), dec("10.50"), dec("9.50"), nil))
	require.Equal(t, StateWaitingSell, tracker.State())

	tracker.Reset(dec("9.80"))
	state, last, peak, valley := tracker.Snapshot()
	assert.Equal(t, StateIdle, state)
	assert.True(t, last.Equal(dec("9.80")))
	assert.True(t, peak.Equal(dec("9.80")))
	assert.True(t, valley.Equal(dec("9.80")))
}

func TestPriceTracker_IgnoresNonPositivePrice(t *testing.T) {
	tracker := NewPriceTracker(dec("10.00"), dec("0.005"))
	assert.Nil(t, tracker.Update(decimal.Zero, dec("10.50"), dec("9.50"), nil))
	assert.Equal(t, StateIdle, tracker.State())

	_, last, _, _ := tracker.Snapshot()
	assert.True(t, last.Equal(dec("10.00")), "bad tick must not move last price")
}
