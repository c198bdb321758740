package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher is an in-process bus: publishing invokes registered handlers
// synchronously in registration order. Handler errors are logged and do not
// block peers; the first error is returned to the publisher.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	logger   *slog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Kind][]Handler),
		logger:   slog.Default().With("component", "bus"),
	}
}

// Subscribe registers a handler for a kind.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], h)
}

func (d *Dispatcher) Publish(ctx context.Context, e Event) error {
	d.mu.RLock()
	hs := append([]Handler(nil), d.handlers[e.Kind]...)
	d.mu.RUnlock()

	var first error
	for _, h := range hs {
		if err := h(ctx, e); err != nil {
			d.logger.ErrorContext(ctx, "event handler failed",
				"kind", string(e.Kind), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
