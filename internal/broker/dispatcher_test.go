package broker

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"stock_sentinel/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                 {}
func (nopLogger) Info(string, ...interface{})                  {}
func (nopLogger) Warn(string, ...interface{})                  {}
func (nopLogger) Error(string, ...interface{})                 {}
func (nopLogger) Fatal(string, ...interface{})                 {}
func (l nopLogger) WithField(string, interface{}) core.ILogger { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger {
	return l
}

func testFill() *core.Fill {
	return &core.Fill{
		OrderID:      "ORD-1",
		StockCode:    "600000",
		Side:         core.SideSell,
		TradedVolume: 600,
		TradedPrice:  decimal.RequireFromString("10.74"),
	}
}

func TestDispatcherInvokesInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nopLogger{})

	var seen []string
	d.Register("first", func(*core.Fill) { seen = append(seen, "first") })
	d.Register("second", func(*core.Fill) { seen = append(seen, "second") })
	d.Register("third", func(*core.Fill) { seen = append(seen, "third") })

	d.Dispatch(testFill())
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestDispatcherIsolatesPanickingHandler(t *testing.T) {
	d := NewDispatcher(nopLogger{})

	var seen []string
	d.Register("bomb", func(*core.Fill) { panic("handler bug") })
	d.Register("survivor", func(*core.Fill) { seen = append(seen, "survivor") })

	assert.NotPanics(t, func() { d.Dispatch(testFill()) })
	assert.Equal(t, []string{"survivor"}, seen,
		"a panicking handler must not suppress the others")
}

func TestDispatcherRegisterReplacesKeepingPosition(t *testing.T) {
	d := NewDispatcher(nopLogger{})

	var seen []string
	d.Register("a", func(*core.Fill) { seen = append(seen, "a-old") })
	d.Register("b", func(*core.Fill) { seen = append(seen, "b") })
	d.Register("a", func(*core.Fill) { seen = append(seen, "a-new") })

	d.Dispatch(testFill())
	assert.Equal(t, []string{"a-new", "b"}, seen,
		"re-registering replaces the handler without reordering")
}
