package dispatch

import "sync"

// Component is anything whose attach/detach lifecycle can drive a
// ComponentConnectionContext's activation — a UI session, a websocket,
// a terminal pane. It is the Go-idiomatic stand-in for the framework
// UI component spec.md §4.5 describes; wiring a concrete UI toolkit to
// it is an external collaborator's job (spec.md §1).
type Component interface {
	// OnAttachStateChange registers listener to be called with true
	// when the component attaches to a live session and false when it
	// detaches. The returned func unregisters the listener.
	OnAttachStateChange(listener func(attached bool)) (unregister func())
}

// ComponentConnectionContext is active exactly while at least one of
// its owned components is attached (spec.md §4.5). Attach/detach
// listeners on the components drive the activation transitions; only
// a 0→1 or 1→0 change in the attached count fires activationHandler,
// mirroring the refcounting internal/topic's ConnectionActivated uses
// for the same "only the edge matters" rule.
type ComponentConnectionContext struct {
	mu              sync.Mutex
	handler         ActivationHandler
	dispatcher      *dispatcher
	attachedCount   int
	active          bool
	unregisterFuncs []func()
	closed          bool
}

// NewComponentConnectionContext creates a context bound to one or more
// components; it becomes active once any of them is attached.
func NewComponentConnectionContext(components ...Component) *ComponentConnectionContext {
	c := &ComponentConnectionContext{}
	for _, comp := range components {
		c.AddComponent(comp)
	}
	return c
}

// AddComponent attaches another component's lifecycle to this context.
// Safe to call before or after Init.
func (c *ComponentConnectionContext) AddComponent(comp Component) {
	unregister := comp.OnAttachStateChange(c.onAttachStateChange)
	c.mu.Lock()
	c.unregisterFuncs = append(c.unregisterFuncs, unregister)
	c.mu.Unlock()
}

// Init implements ConnectionContext.
func (c *ComponentConnectionContext) Init(handler ActivationHandler) (CloseRegistration, error) {
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyBound
	}
	c.handler = handler
	active := c.attachedCount > 0
	if active {
		c.dispatcher = newDispatcher()
		c.active = true
	}
	d := c.dispatcher
	c.mu.Unlock()

	if active {
		handler(d)
	}
	return &componentRegistration{ctx: c}, nil
}

func (c *ComponentConnectionContext) onAttachStateChange(attached bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if attached {
		c.attachedCount++
	} else if c.attachedCount > 0 {
		c.attachedCount--
	}
	becameActive := c.attachedCount > 0 && !c.active
	becameInactive := c.attachedCount == 0 && c.active
	var handler ActivationHandler
	var d *dispatcher
	if becameActive {
		c.active = true
		c.dispatcher = newDispatcher()
		handler, d = c.handler, c.dispatcher
	} else if becameInactive {
		c.active = false
		handler, d = c.handler, c.dispatcher
		c.dispatcher = nil
	}
	c.mu.Unlock()

	if handler == nil {
		return
	}
	if becameActive {
		handler(d)
	} else if becameInactive {
		handler(nil)
		d.stop()
	}
}

// Deactivate forces the context inactive regardless of attached
// components — used by the beacon handler (spec.md §4.5: "a beacon
// request handler... deactivates all contexts in the session").
func (c *ComponentConnectionContext) Deactivate() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.attachedCount = 0
	handler, d := c.handler, c.dispatcher
	c.dispatcher = nil
	c.mu.Unlock()

	if handler != nil {
		handler(nil)
	}
	if d != nil {
		d.stop()
	}
}

type componentRegistration struct {
	mu      sync.Mutex
	ctx     *ComponentConnectionContext
	removed bool
}

func (r *componentRegistration) Remove() {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return
	}
	r.removed = true
	r.mu.Unlock()

	r.ctx.Deactivate()

	r.ctx.mu.Lock()
	r.ctx.closed = true
	funcs := r.ctx.unregisterFuncs
	r.ctx.unregisterFuncs = nil
	r.ctx.handler = nil
	r.ctx.mu.Unlock()

	for _, unregister := range funcs {
		unregister()
	}
}
