// Package dispatch implements the ConnectionContext activation protocol
// (spec.md §4.5): the contract through which a TopicConnection receives
// a serialized, single-consumer ActionDispatcher, plus the built-in
// Component and System context variants.
//
// The dispatcher's FIFO delivery loop is grounded on
// internal/eventlog/memlog's subscriber goroutine (itself grounded on
// rpc/server_events.go's per-watcher channel loop): a condition
// variable guards a queue that a single consumer goroutine drains one
// action at a time, in order, for the dispatcher's lifetime.
package dispatch

import "sync"

// Action is a unit of work scheduled on a dispatcher.
type Action func()

// ActionDispatcher enqueues actions for execution on a context's single
// delivery goroutine, FIFO, one at a time (spec.md §4.5/§5 — "only one
// action at a time, FIFO").
type ActionDispatcher interface {
	Dispatch(action Action)
	CreateFuture() *Future
}

// dispatcher is the concrete FIFO action queue every ConnectionContext
// variant hands out on activation.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Action
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Dispatch implements ActionDispatcher. Dispatching to a stopped
// dispatcher is a silent no-op — the context has already deactivated
// and nothing should run on its behalf.
func (d *dispatcher) Dispatch(action Action) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, action)
	d.mu.Unlock()
	d.cond.Signal()
}

// CreateFuture implements ActionDispatcher.
func (d *dispatcher) CreateFuture() *Future {
	return &Future{dispatcher: d}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		next()
	}
}

// stop marks the dispatcher closed: no further actions may be
// enqueued, but anything already queued (in particular, a
// deactivation's own cleanup action, queued by the very call that then
// invokes stop) still runs to completion before run() exits. This
// matches "no further callbacks may fire" after teardown (spec.md
// §4.5) without discarding work the teardown itself just scheduled.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
}
