package topic

import (
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
)

// applyMapTimeout handles KindMapTimeout: sets or clears the named
// map's expiration duration (value=null clears).
func (t *Topic) applyMapTimeout(id uuid.UUID, rec change.Record) change.Result {
	if rec.Value == nil || rec.Value.IsNull() {
		delete(t.mapTimeouts, rec.Name)
		return accept(id, change.Details{})
	}
	var d time.Duration
	if err := rec.Value.Decode(&d); err != nil {
		return reject(id)
	}
	t.mapTimeouts[rec.Name] = d
	return accept(id, change.Details{})
}

// applyListTimeout handles KindListTimeout, mirroring applyMapTimeout.
func (t *Topic) applyListTimeout(id uuid.UUID, rec change.Record) change.Result {
	if rec.Value == nil || rec.Value.IsNull() {
		delete(t.listTimeouts, rec.Name)
		return accept(id, change.Details{})
	}
	var d time.Duration
	if err := rec.Value.Decode(&d); err != nil {
		return reject(id)
	}
	t.listTimeouts[rec.Name] = d
	return accept(id, change.Details{})
}

// GetMapExpirationTimeout returns the configured idle timeout for a
// named map, if any.
func (t *Topic) GetMapExpirationTimeout(name string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.mapTimeouts[name]
	return d, ok
}

// GetListExpirationTimeout returns the configured idle timeout for a
// named list, if any.
func (t *Topic) GetListExpirationTimeout(name string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.listTimeouts[name]
	return d, ok
}

// ClearExpiredData prunes every collection whose idle timeout has
// elapsed since the topic became fully inactive (spec.md §4.4). Only
// meaningful for the leader; it is a no-op elsewhere. No subscription
// path in this package calls it; it runs only when invoked directly.
// A timeout of zero expires immediately once the topic is idle.
func (t *Topic) ClearExpiredData() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.leader || len(t.activeNodes) != 0 || t.lastDisconnected == nil {
		return
	}
	now := time.Now()

	for name, d := range t.mapTimeouts {
		if now.Sub(*t.lastDisconnected) < d {
			continue
		}
		if c, ok := t.maps[name]; ok {
			c.entries = make(map[string]*mapEntry)
			c.order = nil
		}
	}
	for name, d := range t.listTimeouts {
		if now.Sub(*t.lastDisconnected) < d {
			continue
		}
		if c, ok := t.lists[name]; ok {
			c.entries = make(map[uuid.UUID]*listNode)
			c.head, c.tail = nil, nil
		}
	}
}
