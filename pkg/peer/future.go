package peer

import (
	"context"
	"sync"
)

// Future is the eventual outcome of an asynchronous controller operation.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

// resolve completes the future. Only the first call has an effect.
func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the operation has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the outcome, or nil while the operation is still running.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done. It never runs on
// the consumer goroutine in a well-behaved host.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
