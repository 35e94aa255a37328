package dispatch

import "sync"

// Future is returned by TopicConnection write operations (spec.md §4.6).
// It resolves to a value (bool for conditional ops, nil for
// unconditional ones) or an error, and every completion callback it
// carries is run through the same ActionDispatcher as subscriber
// notifications (spec.md §9 "futures on dispatcher"), so a consumer
// never observes a future resolve out of order with its own
// subscription stream.
type Future struct {
	dispatcher *dispatcher

	mu        sync.Mutex
	done      bool
	value     any
	err       error
	callbacks []func(any, error)
}

// Complete resolves the future exactly once; later calls are no-ops.
// Registered callbacks are dispatched, not called inline, so callers
// already holding a lock (e.g. the topic's) never re-enter through a
// callback.
func (f *Future) Complete(value any, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.value, f.err = value, err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.dispatcher.Dispatch(func() { cb(value, err) })
	}
}

// OnComplete registers cb to run (via the owning dispatcher) when the
// future resolves. If it has already resolved, cb is dispatched
// immediately.
func (f *Future) OnComplete(cb func(value any, err error)) {
	f.mu.Lock()
	if f.done {
		value, err := f.value, f.err
		f.mu.Unlock()
		f.dispatcher.Dispatch(func() { cb(value, err) })
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Wait blocks the calling goroutine until the future resolves and
// returns its value/error. The result is handed over by a callback
// that runs on the owning dispatcher, so Wait does not return if that
// dispatcher stops before running it, and it deadlocks if called from
// the dispatcher's own goroutine. Intended for callers outside the
// dispatcher's own consumer (tests, CLI commands).
func (f *Future) Wait() (any, error) {
	done := make(chan struct{})
	var value any
	var err error
	f.OnComplete(func(v any, e error) {
		value, err = v, e
		close(done)
	})
	<-done
	return value, err
}
