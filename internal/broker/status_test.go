package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"stock_sentinel/internal/core"
)

func TestStatusTableDefaults(t *testing.T) {
	table := NewStatusTable(nil)

	cases := map[int]core.OrderStatus{
		48: core.OrderSubmitted,
		52: core.OrderSubmitted,
		53: core.OrderCancelled,
		54: core.OrderCancelled,
		55: core.OrderPartial,
		56: core.OrderFilled,
		57: core.OrderRejected,
	}
	for raw, want := range cases {
		assert.Equal(t, want, table.Translate(raw), "raw code %d", raw)
	}
}

func TestStatusTableUnknownCode(t *testing.T) {
	table := NewStatusTable(nil)
	assert.Equal(t, core.OrderUnknown, table.Translate(0))
	assert.Equal(t, core.OrderUnknown, table.Translate(99))
}

func TestStatusTableOverrides(t *testing.T) {
	table := NewStatusTable(map[int]string{
		56: string(core.OrderPartial), // replace a default
		60: string(core.OrderFilled),  // extend the table
		61: "exploded",                // not a neutral status, ignored
	})

	assert.Equal(t, core.OrderPartial, table.Translate(56))
	assert.Equal(t, core.OrderFilled, table.Translate(60))
	assert.Equal(t, core.OrderUnknown, table.Translate(61))

	// Untouched defaults survive alongside the overrides.
	assert.Equal(t, core.OrderSubmitted, table.Translate(48))
}
