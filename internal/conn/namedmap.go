package conn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/dispatch"
	"github.com/lattice-run/lattice/internal/topic"
	"github.com/lattice-run/lattice/internal/value"
)

// NamedMap is a connection's handle onto one named map collection
// (spec.md §4.6). It is only meaningful while its owning connection is
// active; writes attempted otherwise return ErrNotActive.
type NamedMap struct {
	name string
	conn *TopicConnection
}

// Name returns the map's name.
func (m *NamedMap) Name() string { return m.name }

// Get returns a deep-copied snapshot of key's current value.
func (m *NamedMap) Get(key string) (value.Value, bool) {
	return m.conn.top.GetMapValue(m.name, key)
}

// GetKeys returns the map's keys in insertion order, a stable snapshot
// for the caller even if the topic mutates concurrently.
func (m *NamedMap) GetKeys() []string {
	return m.conn.top.GetMapKeys(m.name)
}

// Put unconditionally writes key=v, visible for the life of the topic.
func (m *NamedMap) Put(ctx context.Context, key string, v value.Value) (*dispatch.Future, error) {
	return m.put(ctx, key, v, nil, nil, change.ScopeTopic)
}

// PutScoped writes key=v as a CONNECTION-scoped entry: it is removed
// automatically when this connection deactivates (spec.md §4.4).
func (m *NamedMap) PutScoped(ctx context.Context, key string, v value.Value) (*dispatch.Future, error) {
	return m.put(ctx, key, v, nil, nil, change.ScopeConnection)
}

// PutIfVersion writes key=v only if the key's current revision is
// expectedID. The returned future resolves to true if the write was
// accepted, false if the precondition failed.
func (m *NamedMap) PutIfVersion(ctx context.Context, key string, v value.Value, expectedID uuid.UUID) (*dispatch.Future, error) {
	return m.put(ctx, key, v, &expectedID, nil, change.ScopeTopic)
}

// PutIfValue writes key=v only if the key's current value equals
// expectedValue.
func (m *NamedMap) PutIfValue(ctx context.Context, key string, v, expectedValue value.Value) (*dispatch.Future, error) {
	return m.put(ctx, key, v, nil, &expectedValue, change.ScopeTopic)
}

func (m *NamedMap) put(ctx context.Context, key string, v value.Value, expectedID *uuid.UUID, expectedValue *value.Value, scope change.Scope) (*dispatch.Future, error) {
	rec := change.Record{
		Kind:          change.KindPut,
		Name:          m.name,
		Key:           key,
		Value:         &v,
		ExpectedID:    expectedID,
		ExpectedValue: expectedValue,
	}
	if scope == change.ScopeConnection {
		owner := m.conn.id
		rec.ScopeOwner = &owner
	}
	_, future, err := m.conn.submitWrite(ctx, rec)
	if err == nil && scope == change.ScopeConnection {
		m.conn.trackMapWrite(m.name, key)
	}
	return future, err
}

// Replace rewrites key's value only if its current value equals
// expectedValue (spec.md §4.1). Resolves to true/false.
func (m *NamedMap) Replace(ctx context.Context, key string, newValue, expectedValue value.Value) (*dispatch.Future, error) {
	rec := change.Record{
		Kind:          change.KindReplace,
		Name:          m.name,
		Key:           key,
		Value:         &newValue,
		ExpectedValue: &expectedValue,
	}
	_, future, err := m.conn.submitWrite(ctx, rec)
	return future, err
}

// Delete removes key unconditionally.
func (m *NamedMap) Delete(ctx context.Context, key string) (*dispatch.Future, error) {
	null := value.Null
	rec := change.Record{Kind: change.KindPut, Name: m.name, Key: key, Value: &null}
	_, future, err := m.conn.submitWrite(ctx, rec)
	return future, err
}

// Subscribe delivers one synthetic change per current entry in
// insertion order, then streams subsequent changes, until Unregister is
// called or the connection deactivates (spec.md §4.6). h is dispatched
// onto the connection's own ActionDispatcher, never called inline from
// the topic.
func (m *NamedMap) Subscribe(h func(change.MapChange)) *Subscription {
	d := m.conn.currentDispatcher()
	reg := m.conn.top.SubscribeMap(m.name, func(c change.MapChange) {
		if d != nil {
			d.Dispatch(func() { h(c) })
		} else {
			h(c)
		}
	})
	m.conn.trackSub(reg)
	return &Subscription{reg: reg}
}

// SetExpirationTimeout configures how long this map's entries survive
// after the topic becomes fully idle before being cleared.
func (m *NamedMap) SetExpirationTimeout(ctx context.Context, d time.Duration) (*dispatch.Future, error) {
	v, err := value.FromAny(d)
	if err != nil {
		return nil, err
	}
	rec := change.Record{Kind: change.KindMapTimeout, Name: m.name, Value: &v}
	_, future, err := m.conn.submitWrite(ctx, rec)
	return future, err
}

// ClearExpirationTimeout removes a previously configured idle timeout.
func (m *NamedMap) ClearExpirationTimeout(ctx context.Context) (*dispatch.Future, error) {
	null := value.Null
	rec := change.Record{Kind: change.KindMapTimeout, Name: m.name, Value: &null}
	_, future, err := m.conn.submitWrite(ctx, rec)
	return future, err
}

// GetExpirationTimeout returns the configured idle timeout, if any.
func (m *NamedMap) GetExpirationTimeout() (time.Duration, bool) {
	return m.conn.top.GetMapExpirationTimeout(m.name)
}

// Subscription is a live map/list subscription. Unregister stops
// delivery; it is also removed automatically on connection cleanup.
type Subscription struct {
	reg *topic.ListenerRegistration
}

// Unregister stops delivery to this subscription's handler.
func (s *Subscription) Unregister() {
	s.reg.Unregister()
}
