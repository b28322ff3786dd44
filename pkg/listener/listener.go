package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errStopped = errors.New("listener stopped")

// Job is a startable/stoppable background worker.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel with a handler on its own goroutine. Flush and
// compaction controllers use it so background work is coordinated only
// through channels and lifecycle transaction claims.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errStopped):
				return
			case err != nil:
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errStopped
		}
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
