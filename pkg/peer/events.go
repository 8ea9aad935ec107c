package peer

import (
	"errors"
	"fmt"
	"sync"
)

// Events is the subscriber list for user-visible lifecycle notifications.
//
// Subscribers are always called from a work item, so they run on the
// goroutine calling Controller.Tick. Subscribing and unsubscribing are safe
// from any goroutine, including from inside a subscriber.
type Events struct {
	mu          sync.Mutex
	nextID      uint64
	initialized []subscriber[func()]
	shutdown    []subscriber[func()]
	errs        []subscriber[func(error)]
}

type subscriber[F any] struct {
	id uint64
	fn F
}

// OnInitialized registers fn for the initialized notification.
func (e *Events) OnInitialized(fn func()) (unsubscribe func()) {
	return subscribe(e, &e.initialized, fn)
}

// OnShutdown registers fn for the shutdown notification.
func (e *Events) OnShutdown(fn func()) (unsubscribe func()) {
	return subscribe(e, &e.shutdown, fn)
}

// OnError registers fn for background errors.
func (e *Events) OnError(fn func(error)) (unsubscribe func()) {
	return subscribe(e, &e.errs, fn)
}

func subscribe[F any](e *Events, list *[]subscriber[F], fn F) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	*list = append(*list, subscriber[F]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range *list {
				if s.id == id {
					*list = append((*list)[:i:i], (*list)[i+1:]...)
					return
				}
			}
		})
	}
}

func snapshot[F any](e *Events, list []subscriber[F]) []subscriber[F] {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]subscriber[F], len(list))
	copy(out, list)
	return out
}

func (e *Events) fireInitialized() error {
	subs := snapshot(e, e.initialized)
	var errs []error
	for _, s := range subs {
		errs = append(errs, guard("initialized", func() { s.fn() }))
	}
	return errors.Join(errs...)
}

func (e *Events) fireShutdown() error {
	subs := snapshot(e, e.shutdown)
	var errs []error
	for _, s := range subs {
		errs = append(errs, guard("shutdown", func() { s.fn() }))
	}
	return errors.Join(errs...)
}

func (e *Events) fireError(err error) error {
	subs := snapshot(e, e.errs)
	var errs []error
	for _, s := range subs {
		errs = append(errs, guard("error", func() { s.fn(err) }))
	}
	return errors.Join(errs...)
}

// guard runs one subscriber so that a panic does not skip the others.
func guard(event string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("peer: %s subscriber panicked: %v", event, r)
		}
	}()
	fn()
	return nil
}
