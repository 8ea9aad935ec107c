// Package dispatch marshals work from arbitrary goroutines onto a single
// consumer goroutine.
//
// Producers (engine callbacks, background tasks) call Enqueue at any time.
// The consumer calls DrainAll once per tick and every queued item runs there,
// synchronously and in FIFO order.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// WorkItem is a deferred unit of work. A returned error is reported as a
// CallbackDispatchError; it never stops the drain.
type WorkItem func() error

// CallbackDispatchError reports a work item that failed during DrainAll.
type CallbackDispatchError struct {
	// Index is the position of the item within its drain pass.
	Index int
	// Err is the error returned by the item, nil if it panicked.
	Err error
	// Panic is the recovered panic value, nil if the item returned an error.
	Panic any
}

func (e *CallbackDispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch: work item %d panicked: %v", e.Index, e.Panic)
	}
	return fmt.Sprintf("dispatch: work item %d failed: %v", e.Index, e.Err)
}

func (e *CallbackDispatchError) Unwrap() error { return e.Err }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used to report failed work items.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithErrorHandler sets a function invoked, on the consumer goroutine, for
// every failed work item.
func WithErrorHandler(fn func(error)) Option {
	return func(d *Dispatcher) { d.onError = fn }
}

// Dispatcher is a multi-producer, single-consumer queue of work items.
type Dispatcher struct {
	mu      sync.Mutex
	pending []WorkItem
	spare   []WorkItem // reused backing array for the next swap

	draining atomic.Bool
	logger   *slog.Logger
	onError  func(error)
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue schedules item for the next DrainAll. Safe from any goroutine and
// never waits on the consumer. Items from one goroutine keep their order.
func (d *Dispatcher) Enqueue(item WorkItem) {
	if item == nil {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, item)
	d.mu.Unlock()
}

// Pending returns the number of items waiting for the next drain.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// DrainAll runs every item queued before the call and returns how many ran.
// Items enqueued while draining are left for the next call. It must only be
// called from the consumer goroutine; a nested call made from inside a work
// item returns 0 without running anything.
func (d *Dispatcher) DrainAll() int {
	if !d.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer d.draining.Store(false)

	d.mu.Lock()
	batch := d.pending
	d.pending = d.spare[:0]
	d.spare = nil
	d.mu.Unlock()

	for i, item := range batch {
		d.run(i, item)
		batch[i] = nil
	}

	d.mu.Lock()
	if d.spare == nil {
		d.spare = batch[:0]
	}
	d.mu.Unlock()

	return len(batch)
}

func (d *Dispatcher) run(index int, item WorkItem) {
	var dispatchErr *CallbackDispatchError
	func() {
		defer func() {
			if r := recover(); r != nil {
				dispatchErr = &CallbackDispatchError{Index: index, Panic: r}
			}
		}()
		if err := item(); err != nil {
			dispatchErr = &CallbackDispatchError{Index: index, Err: err}
		}
	}()

	if dispatchErr == nil {
		return
	}
	d.logger.Error("work item failed", "index", index, "error", dispatchErr)
	if d.onError != nil {
		d.report(dispatchErr)
	}
}

// report calls the error handler, which is user code and may itself panic.
func (d *Dispatcher) report(err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch error handler panicked", "panic", r)
		}
	}()
	d.onError(err)
}
