package topic

import (
	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/value"
)

// listNode is one entry of a named list's doubly-linked list (spec.md
// §3/§9). id never changes; revisionId is rewritten on every mutating
// op that touches this entry.
type listNode struct {
	id         uuid.UUID
	prev, next *uuid.UUID
	revisionID uuid.UUID
	value      value.Value
	scopeOwner *uuid.UUID
}

// listCollection is a named list: a doubly-linked list of entries
// reachable deterministically from head, used for both snapshotting
// and subscribe catch-up (spec.md §9).
type listCollection struct {
	entries map[uuid.UUID]*listNode
	head    *uuid.UUID
	tail    *uuid.UUID
}

func newListCollection() *listCollection {
	return &listCollection{entries: make(map[uuid.UUID]*listNode)}
}

func (t *Topic) listFor(name string) *listCollection {
	c, ok := t.lists[name]
	if !ok {
		c = newListCollection()
		t.lists[name] = c
	}
	return c
}

// unlink removes n from the chain without deleting it from entries,
// rewriting at most its two neighbors' pointers (spec.md §9).
func (c *listCollection) unlink(n *listNode) {
	if n.prev != nil {
		c.entries[*n.prev].next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		c.entries[*n.next].prev = n.prev
	} else {
		c.tail = n.prev
	}
}

// relink splices n into the chain between prev and next, rewriting at
// most four pointers total (spec.md §9).
func (c *listCollection) relink(n *listNode, prev, next *uuid.UUID) {
	n.prev, n.next = prev, next
	if prev != nil {
		c.entries[*prev].next = &n.id
	} else {
		c.head = &n.id
	}
	if next != nil {
		c.entries[*next].prev = &n.id
	} else {
		c.tail = &n.id
	}
}

// verifyCondition checks one (leftKey, rightKey) successor assertion,
// where nil represents the list boundary (head/tail).
func (c *listCollection) verifyCondition(cond change.Condition) bool {
	if cond.Left == nil {
		if cond.Right == nil {
			return c.head == nil
		}
		rightID, err := uuid.Parse(*cond.Right)
		if err != nil {
			return false
		}
		return c.head != nil && *c.head == rightID
	}
	leftID, err := uuid.Parse(*cond.Left)
	if err != nil {
		return false
	}
	leftNode, ok := c.entries[leftID]
	if !ok {
		return false
	}
	if cond.Right == nil {
		return leftNode.next == nil
	}
	rightID, err := uuid.Parse(*cond.Right)
	if err != nil {
		return false
	}
	return leftNode.next != nil && *leftNode.next == rightID
}

func keyStr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// applyInsert handles KindInsert (spec.md §4.1).
func (t *Topic) applyInsert(id uuid.UUID, rec change.Record) change.Result {
	c := t.listFor(rec.Name)

	for _, cond := range rec.Conditions {
		if !c.verifyCondition(cond) {
			return reject(id)
		}
	}

	var prevID, nextID *uuid.UUID
	if rec.ReferenceKey == nil {
		if rec.Before {
			prevID, nextID = c.tail, nil
		} else {
			prevID, nextID = nil, c.head
		}
	} else {
		refID, err := uuid.Parse(*rec.ReferenceKey)
		if err != nil {
			return reject(id)
		}
		refNode, ok := c.entries[refID]
		if !ok {
			return reject(id)
		}
		if rec.Before {
			prevID, nextID = refNode.prev, &refID
		} else {
			prevID, nextID = &refID, refNode.next
		}
	}

	var itemVal value.Value
	if rec.Item != nil {
		itemVal = rec.Item.Clone()
	}
	node := &listNode{id: id, revisionID: id, value: itemVal}
	if rec.ScopeOwner != nil {
		owner := *rec.ScopeOwner
		node.scopeOwner = &owner
	}
	c.entries[id] = node
	c.relink(node, prevID, nextID)

	return accept(id, change.Details{List: &change.ListChange{
		Name: rec.Name, Key: id.String(), New: &itemVal,
		Prev: keyStr(prevID), Next: keyStr(nextID), Kind: change.KindInsert,
	}})
}

// applyMove handles KindMoveBefore and KindMoveAfter.
func (t *Topic) applyMove(id uuid.UUID, rec change.Record) change.Result {
	if rec.ReferenceKey == nil {
		return reject(id)
	}
	c := t.listFor(rec.Name)

	refID, err := uuid.Parse(*rec.ReferenceKey)
	if err != nil {
		return reject(id)
	}
	moveID, err := uuid.Parse(rec.KeyToMove)
	if err != nil {
		return reject(id)
	}
	if refID == moveID {
		return reject(id)
	}
	refNode, ok := c.entries[refID]
	if !ok {
		return reject(id)
	}
	moveNode, ok := c.entries[moveID]
	if !ok {
		return reject(id)
	}

	c.unlink(moveNode)
	var prevID, nextID *uuid.UUID
	if rec.Kind == change.KindMoveBefore {
		prevID, nextID = refNode.prev, &refID
	} else {
		prevID, nextID = &refID, refNode.next
	}
	c.relink(moveNode, prevID, nextID)
	moveNode.revisionID = id

	v := moveNode.value.Clone()
	return accept(id, change.Details{List: &change.ListChange{
		Name: rec.Name, Key: moveID.String(), New: &v,
		Prev: keyStr(prevID), Next: keyStr(nextID), Kind: rec.Kind,
	}})
}

// applyListSet handles KindListSet: value=null removes the entry,
// otherwise rewrites it (spec.md §4.1).
func (t *Topic) applyListSet(id uuid.UUID, rec change.Record) change.Result {
	c := t.listFor(rec.Name)
	keyID, err := uuid.Parse(rec.Key)
	if err != nil {
		return reject(id)
	}
	node, exists := c.entries[keyID]
	if !exists {
		return reject(id)
	}
	if rec.ExpectedID != nil && node.revisionID != *rec.ExpectedID {
		return reject(id)
	}

	old := node.value.Clone()

	if rec.Value == nil || rec.Value.IsNull() {
		c.unlink(node)
		delete(c.entries, keyID)
		return accept(id, change.Details{List: &change.ListChange{
			Name: rec.Name, Key: rec.Key, Old: &old, New: nil, Kind: change.KindListSet,
		}})
	}

	newVal := rec.Value.Clone()
	node.value = newVal
	node.revisionID = id
	if rec.ScopeOwner != nil {
		owner := *rec.ScopeOwner
		node.scopeOwner = &owner
	}
	return accept(id, change.Details{List: &change.ListChange{
		Name: rec.Name, Key: rec.Key, Old: &old, New: &newVal, Kind: change.KindListSet,
	}})
}

// GetListItems returns deep copies of the list's values in order.
func (t *Topic) GetListItems(name string) []value.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.lists[name]
	if !ok {
		return nil
	}
	var out []value.Value
	for cur := c.head; cur != nil; {
		n := c.entries[*cur]
		out = append(out, n.value.Clone())
		cur = n.next
	}
	return out
}

// GetListKeys returns the list's entry IDs in order.
func (t *Topic) GetListKeys(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.lists[name]
	if !ok {
		return nil
	}
	var out []string
	for cur := c.head; cur != nil; {
		n := c.entries[*cur]
		out = append(out, n.id.String())
		cur = n.next
	}
	return out
}

// listCatchUp returns the current entries of a named list in order,
// as synthetic INSERT events, for delivery to a new subscriber.
func (t *Topic) listCatchUp(name string) []change.ListChange {
	c, ok := t.lists[name]
	if !ok {
		return nil
	}
	var out []change.ListChange
	for cur := c.head; cur != nil; {
		n := c.entries[*cur]
		v := n.value.Clone()
		out = append(out, change.ListChange{
			Name: name, Key: n.id.String(), New: &v,
			Prev: keyStr(n.prev), Next: keyStr(n.next), Kind: change.KindInsert,
		})
		cur = n.next
	}
	return out
}
