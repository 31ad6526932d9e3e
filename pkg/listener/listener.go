package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener drains a channel of domain events into a handler on its own
// goroutine. It backs the daemon's lifecycle-event feed: events are
// advisory operator output, so a failing handler is logged and the drain
// keeps going rather than taking the node down.
type Listener[T any] struct {
	in          <-chan T
	handler     func(T) error
	stopHandler func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
	}
	if len(stopHandler) > 0 {
		l.stopHandler = stopHandler[0]
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case input := <-l.in:
				if err := l.handler(input); err != nil {
					slog.Warn("event handler failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
