package dispatch

import "sync"

// SystemConnectionContext activates immediately on every Init call and
// stays active until its registration is removed — modeling a
// connection with no attached UI (a background worker, an integration,
// a daemon-internal consumer) that is "permanently active until
// service shutdown" (spec.md §4.5/§2). Unlike ComponentConnectionContext
// it owns no shared activation state: each Init call gets its own
// independent dispatcher, so delivery is serialized per consumer but
// parallel across consumers using the same context value.
type SystemConnectionContext struct{}

// NewSystemConnectionContext returns a context usable by any number of
// independent system-side connections.
func NewSystemConnectionContext() *SystemConnectionContext {
	return &SystemConnectionContext{}
}

// Init implements ConnectionContext.
func (c *SystemConnectionContext) Init(handler ActivationHandler) (CloseRegistration, error) {
	d := newDispatcher()
	handler(d)
	return &systemRegistration{dispatcher: d, handler: handler}, nil
}

type systemRegistration struct {
	mu         sync.Mutex
	dispatcher *dispatcher
	handler    ActivationHandler
	removed    bool
}

func (r *systemRegistration) Remove() {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return
	}
	r.removed = true
	r.mu.Unlock()

	r.handler(nil)
	r.dispatcher.stop()
}
