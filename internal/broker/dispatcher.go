package broker

import (
	"sync"

	"stock_sentinel/internal/core"
)

// Dispatcher fans broker fill callbacks out to registered handlers.
// Each handler runs inside a recover harness so a panicking handler
// never suppresses the others.
type Dispatcher struct {
	logger core.ILogger

	mu       sync.RWMutex
	order    []string
	handlers map[string]core.FillHandler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.WithField("component", "fill_dispatcher"),
		handlers: make(map[string]core.FillHandler),
	}
}

// Register adds or replaces a named handler. Handlers are invoked in
// registration order.
func (d *Dispatcher) Register(name string, handler core.FillHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; !exists {
		d.order = append(d.order, name)
	}
	d.handlers[name] = handler
	d.logger.Info("Registered fill handler", "name", name)
}

// Dispatch delivers one fill to every handler.
func (d *Dispatcher) Dispatch(fill *core.Fill) {
	d.mu.RLock()
	names := make([]string, len(d.order))
	copy(names, d.order)
	handlers := make(map[string]core.FillHandler, len(d.handlers))
	for k, v := range d.handlers {
		handlers[k] = v
	}
	d.mu.RUnlock()

	for _, name := range names {
		d.invoke(name, handlers[name], fill)
	}
}

func (d *Dispatcher) invoke(name string, handler core.FillHandler, fill *core.Fill) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Fill handler panicked",
				"handler", name,
				"order_id", fill.OrderID,
				"panic", r)
		}
	}()
	handler(fill)
}
