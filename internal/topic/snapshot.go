package topic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/value"
)

// snapshotDoc is the wire format of a topic snapshot (spec.md §6):
// lists are serialized in traversal order from head so they can be
// relinked without storing prev/next explicitly.
type snapshotDoc struct {
	Latest       uuid.UUID                     `json:"latest"`
	Maps         map[string][]snapshotMapEntry  `json:"maps"`
	Lists        map[string][]snapshotListEntry `json:"lists"`
	MapTimeouts  map[string]int64               `json:"map_timeouts_ns"`
	ListTimeouts map[string]int64               `json:"list_timeouts_ns"`
	ActiveNodes  []uuid.UUID                    `json:"active_nodes"`
	BackendNodes []uuid.UUID                    `json:"backend_nodes"`
}

type snapshotMapEntry struct {
	Key        string          `json:"key"`
	RevisionID uuid.UUID       `json:"revision_id"`
	Data       json.RawMessage `json:"data"`
	ScopeOwner *uuid.UUID      `json:"scope_owner,omitempty"`
}

type snapshotListEntry struct {
	ID         uuid.UUID       `json:"id"`
	RevisionID uuid.UUID       `json:"revision_id"`
	Value      json.RawMessage `json:"value"`
	ScopeOwner *uuid.UUID      `json:"scope_owner,omitempty"`
}

// marshalSnapshotLocked serializes the topic's current state. Callers
// must hold t.mu.
func (t *Topic) marshalSnapshotLocked(latest uuid.UUID) ([]byte, error) {
	doc := snapshotDoc{
		Latest:       latest,
		Maps:         make(map[string][]snapshotMapEntry, len(t.maps)),
		Lists:        make(map[string][]snapshotListEntry, len(t.lists)),
		MapTimeouts:  make(map[string]int64, len(t.mapTimeouts)),
		ListTimeouts: make(map[string]int64, len(t.listTimeouts)),
		BackendNodes: append([]uuid.UUID(nil), t.backendNodes...),
	}
	for n := range t.activeNodes {
		doc.ActiveNodes = append(doc.ActiveNodes, n)
	}
	for name, d := range t.mapTimeouts {
		doc.MapTimeouts[name] = int64(d)
	}
	for name, d := range t.listTimeouts {
		doc.ListTimeouts[name] = int64(d)
	}

	for name, c := range t.maps {
		entries := make([]snapshotMapEntry, 0, len(c.order))
		for _, k := range c.order {
			e := c.entries[k]
			entries = append(entries, snapshotMapEntry{
				Key: k, RevisionID: e.revisionID, Data: e.data.Raw(), ScopeOwner: e.scopeOwner,
			})
		}
		doc.Maps[name] = entries
	}

	for name, c := range t.lists {
		entries := make([]snapshotListEntry, 0, len(c.entries))
		for cur := c.head; cur != nil; {
			n := c.entries[*cur]
			entries = append(entries, snapshotListEntry{
				ID: n.id, RevisionID: n.revisionID, Value: n.value.Raw(), ScopeOwner: n.scopeOwner,
			})
			cur = n.next
		}
		doc.Lists[name] = entries
	}

	return json.Marshal(doc)
}

// loadSnapshot populates the topic from a previously serialized
// snapshot. Must only be called during construction, before any
// subscription exists (spec.md §3 — loading into a non-empty topic is
// forbidden).
func (t *Topic) loadSnapshot(blob []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for name, entries := range doc.Maps {
		c := newMapCollection()
		for _, e := range entries {
			v := value.FromRaw(e.Data)
			c.put(e.Key, &mapEntry{revisionID: e.RevisionID, data: v, scopeOwner: e.ScopeOwner})
		}
		t.maps[name] = c
	}

	for name, entries := range doc.Lists {
		c := newListCollection()
		var prevID *uuid.UUID
		for _, e := range entries {
			v := value.FromRaw(e.Value)
			node := &listNode{id: e.ID, revisionID: e.RevisionID, value: v, scopeOwner: e.ScopeOwner, prev: prevID}
			c.entries[e.ID] = node
			if prevID == nil {
				c.head = &node.id
			} else {
				c.entries[*prevID].next = &node.id
			}
			id := e.ID
			prevID = &id
		}
		c.tail = prevID
		t.lists[name] = c
	}

	for name, ns := range doc.MapTimeouts {
		t.mapTimeouts[name] = time.Duration(ns)
	}
	for name, ns := range doc.ListTimeouts {
		t.listTimeouts[name] = time.Duration(ns)
	}
	for _, n := range doc.ActiveNodes {
		t.activeNodes[n] = struct{}{}
	}
	t.backendNodes = append([]uuid.UUID(nil), doc.BackendNodes...)

	return nil
}
