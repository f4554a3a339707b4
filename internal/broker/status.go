package broker

import "stock_sentinel/internal/core"

// defaultStatusTable maps the gateway's native numeric order states to
// the broker-neutral ones. 56 means fully filled on this gateway; the
// rest follow its counter-client convention. Overridable per deployment
// via broker.status_map.
var defaultStatusTable = map[int]core.OrderStatus{
	48: core.OrderSubmitted,
	49: core.OrderSubmitted,
	50: core.OrderSubmitted,
	51: core.OrderSubmitted,
	52: core.OrderSubmitted,
	53: core.OrderCancelled,
	54: core.OrderCancelled,
	55: core.OrderPartial,
	56: core.OrderFilled,
	57: core.OrderRejected,
}

// StatusTable translates raw gateway status codes.
type StatusTable struct {
	table map[int]core.OrderStatus
}

// NewStatusTable builds a table from the defaults plus overrides.
// Override values that are not valid neutral statuses are ignored.
func NewStatusTable(overrides map[int]string) *StatusTable {
	t := make(map[int]core.OrderStatus, len(defaultStatusTable)+len(overrides))
	for k, v := range defaultStatusTable {
		t[k] = v
	}
	for raw, name := range overrides {
		switch s := core.OrderStatus(name); s {
		case core.OrderSubmitted, core.OrderPartial, core.OrderFilled,
			core.OrderCancelled, core.OrderRejected:
			t[raw] = s
		}
	}
	return &StatusTable{table: t}
}

// Translate maps a raw status code, returning OrderUnknown for codes
// outside the table.
func (s *StatusTable) Translate(raw int) core.OrderStatus {
	if mapped, ok := s.table[raw]; ok {
		return mapped
	}
	return core.OrderUnknown
}
