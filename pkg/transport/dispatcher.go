package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/shannynalayna/splinter/pkg/splerrors"
)

// Handler consumes one inbound envelope. Handlers are invoked in delivery
// order per sender.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Dispatcher routes inbound envelopes to the handler registered for their
// kind. One handler per kind; registering a kind twice replaces the
// previous handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]Handler)}
}

func (d *Dispatcher) Register(kind Kind, handler Handler) {
	d.mu.Lock()
	d.handlers[kind] = handler
	d.mu.Unlock()
}

func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	d.mu.RLock()
	handler, ok := d.handlers[env.Kind]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for message kind %q: %w", env.Kind, splerrors.ErrNotFound)
	}
	if err := handler.Handle(ctx, env); err != nil {
		return fmt.Errorf("handler for %q failed: %w", env.Kind, err)
	}
	return nil
}
