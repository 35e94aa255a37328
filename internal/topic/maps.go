package topic

import (
	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/value"
)

// mapEntry is one key's current value in a named map (spec.md §3).
type mapEntry struct {
	revisionID uuid.UUID
	data       value.Value
	scopeOwner *uuid.UUID
}

// mapCollection is a named map, preserving key insertion order so
// catch-up subscriptions replay entries the way they were first
// written (spec.md §4.6).
type mapCollection struct {
	entries map[string]*mapEntry
	order   []string
}

func newMapCollection() *mapCollection {
	return &mapCollection{entries: make(map[string]*mapEntry)}
}

func (c *mapCollection) put(key string, e *mapEntry) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = e
}

func (c *mapCollection) delete(key string) {
	if _, exists := c.entries[key]; !exists {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (t *Topic) mapFor(name string) *mapCollection {
	c, ok := t.maps[name]
	if !ok {
		c = newMapCollection()
		t.maps[name] = c
	}
	return c
}

// applyPut handles KindPut and KindReplace (spec.md §4.1).
func (t *Topic) applyPut(id uuid.UUID, rec change.Record) change.Result {
	c := t.mapFor(rec.Name)
	existing, exists := c.entries[rec.Key]

	if rec.Kind == change.KindReplace {
		if !exists {
			return reject(id)
		}
		if rec.ExpectedValue == nil || !value.Equal(existing.data, *rec.ExpectedValue) {
			return reject(id)
		}
	} else {
		if rec.ExpectedID != nil {
			if !exists || existing.revisionID != *rec.ExpectedID {
				return reject(id)
			}
		}
		if rec.ExpectedValue != nil {
			if !exists || !value.Equal(existing.data, *rec.ExpectedValue) {
				return reject(id)
			}
		}
	}

	var oldVal *value.Value
	if exists {
		old := existing.data
		oldVal = &old
	}

	if rec.Value == nil || rec.Value.IsNull() {
		c.delete(rec.Key)
		return accept(id, change.Details{Map: &change.MapChange{Name: rec.Name, Key: rec.Key, Old: oldVal, New: nil}})
	}

	newVal := rec.Value.Clone()
	entry := &mapEntry{revisionID: id, data: newVal}
	if rec.ScopeOwner != nil {
		owner := *rec.ScopeOwner
		entry.scopeOwner = &owner
	}
	c.put(rec.Key, entry)

	return accept(id, change.Details{Map: &change.MapChange{Name: rec.Name, Key: rec.Key, Old: oldVal, New: &newVal}})
}

// GetMapValue returns a deep copy of key's current value, or false if
// absent (spec.md §4.6 — reads return deep-copied snapshots).
func (t *Topic) GetMapValue(name, key string) (value.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.maps[name]
	if !ok {
		return value.Value{}, false
	}
	e, ok := c.entries[key]
	if !ok {
		return value.Value{}, false
	}
	return e.data.Clone(), true
}

// GetMapKeys returns the map's keys in insertion order.
func (t *Topic) GetMapKeys(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.maps[name]
	if !ok {
		return nil
	}
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// mapCatchUp returns the current entries of a named map in insertion
// order, for delivering as synthetic PUT events to a new subscriber
// (spec.md §4.6).
func (t *Topic) mapCatchUp(name string) []change.MapChange {
	c, ok := t.maps[name]
	if !ok {
		return nil
	}
	out := make([]change.MapChange, 0, len(c.order))
	for _, k := range c.order {
		e := c.entries[k]
		v := e.data.Clone()
		out = append(out, change.MapChange{Name: name, Key: k, New: &v})
	}
	return out
}
