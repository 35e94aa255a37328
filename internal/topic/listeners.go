package topic

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
)

// Listener observes one applied change's details, invoked under the
// topic lock (spec.md §5) — implementations must hand off to their own
// dispatcher rather than re-enter the topic synchronously.
type Listener func(trackingID uuid.UUID, details change.Details)

// ListenerRegistration removes a listener previously added with
// AddListener. Unregistering twice is a no-op.
type ListenerRegistration struct {
	t  *Topic
	id int64
}

// Unregister removes the listener.
func (r *ListenerRegistration) Unregister() {
	r.t.mu.Lock()
	delete(r.t.listeners, r.id)
	r.t.mu.Unlock()
}

// AddListener registers l to observe every subsequently applied
// change. Returns a registration for unregistering it later.
func (t *Topic) AddListener(l Listener) *ListenerRegistration {
	t.mu.Lock()
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = l
	t.mu.Unlock()
	return &ListenerRegistration{t: t, id: id}
}

// notifyListenersLocked fans a change out to every registered
// listener. A listener that panics is removed from the set so it
// cannot keep panicking on every later change, and the panic does not
// block delivery to the others. The first panic of a pass is logged
// together with a count of any others in the same pass.
// Callers must hold t.mu.
func (t *Topic) notifyListenersLocked(trackingID uuid.UUID, details change.Details) {
	if len(t.listeners) == 0 {
		return
	}
	ids := make([]int64, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}

	var firstErr error
	var suppressed []error
	for _, id := range ids {
		l, ok := t.listeners[id]
		if !ok {
			continue // removed by a prior failure in this same fan-out pass
		}
		if err := invokeListener(l, trackingID, details); err != nil {
			delete(t.listeners, id)
			if firstErr == nil {
				firstErr = err
			} else {
				suppressed = append(suppressed, err)
			}
		}
	}

	if firstErr != nil {
		log.Printf("topic %s: listener error on change %s: %v (%d other listener(s) also failed)", t.id, trackingID, firstErr, len(suppressed))
	}
}

func invokeListener(l Listener, trackingID uuid.UUID, details change.Details) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	l(trackingID, details)
	return nil
}

// SubscribeMap registers h to observe every change to the named map,
// first synchronously invoking it once per current entry in insertion
// order (spec.md §4.6). Catch-up capture and listener registration
// happen under a single lock acquisition so no change landing
// concurrently can be both replayed and delivered live, or dropped
// between the two (the same no-loss/no-duplication guarantee
// eventlog's Subscribe gives at the log level, spec.md §5 guarantee 3).
func (t *Topic) SubscribeMap(name string, h func(change.MapChange)) *ListenerRegistration {
	t.mu.Lock()
	defer t.mu.Unlock()

	catchUp := t.mapCatchUp(name)
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = func(_ uuid.UUID, details change.Details) {
		if details.Map != nil && details.Map.Name == name {
			h(*details.Map)
		}
	}

	// Delivered while still holding the lock, so no concurrently
	// applied change can land between catch-up and live registration
	// (spec.md §5 guarantee 3). h must not block or re-enter the
	// topic; it should only hand off to its own dispatcher.
	for _, e := range catchUp {
		h(e)
	}
	return &ListenerRegistration{t: t, id: id}
}

// SubscribeList is the list-collection counterpart to SubscribeMap,
// delivering synthetic INSERT events for the list's current contents
// before streaming live changes.
func (t *Topic) SubscribeList(name string, h func(change.ListChange)) *ListenerRegistration {
	t.mu.Lock()
	defer t.mu.Unlock()

	catchUp := t.listCatchUp(name)
	id := t.nextListenerID
	t.nextListenerID++
	t.listeners[id] = func(_ uuid.UUID, details change.Details) {
		if details.List != nil && details.List.Name == name {
			h(*details.List)
		}
	}

	for _, e := range catchUp {
		h(e)
	}
	return &ListenerRegistration{t: t, id: id}
}
