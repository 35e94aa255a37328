package conn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/dispatch"
	"github.com/lattice-run/lattice/internal/value"
)

// NamedList is a connection's handle onto one named list collection
// (spec.md §4.6): an ordered sequence of entries keyed by the stable
// id they were inserted with.
type NamedList struct {
	name string
	conn *TopicConnection
}

// Name returns the list's name.
func (l *NamedList) Name() string { return l.name }

// GetItems returns a deep-copied snapshot of the list's values in
// order.
func (l *NamedList) GetItems() []value.Value {
	return l.conn.top.GetListItems(l.name)
}

// GetKeys returns the list's entry ids in order.
func (l *NamedList) GetKeys() []string {
	return l.conn.top.GetListKeys(l.name)
}

// InsertLast appends item to the tail, returning its new entry key and
// a future that resolves once the change is applied.
func (l *NamedList) InsertLast(ctx context.Context, item value.Value) (string, *dispatch.Future, error) {
	return l.insert(ctx, item, nil, true, nil, change.ScopeTopic)
}

// InsertFirst prepends item to the head.
func (l *NamedList) InsertFirst(ctx context.Context, item value.Value) (string, *dispatch.Future, error) {
	return l.insert(ctx, item, nil, false, nil, change.ScopeTopic)
}

// InsertBefore inserts item immediately before referenceKey.
func (l *NamedList) InsertBefore(ctx context.Context, referenceKey string, item value.Value) (string, *dispatch.Future, error) {
	ref := referenceKey
	return l.insert(ctx, item, &ref, true, nil, change.ScopeTopic)
}

// InsertAfter inserts item immediately after referenceKey.
func (l *NamedList) InsertAfter(ctx context.Context, referenceKey string, item value.Value) (string, *dispatch.Future, error) {
	ref := referenceKey
	return l.insert(ctx, item, &ref, false, nil, change.ScopeTopic)
}

// InsertLastScoped is InsertLast for a CONNECTION-scoped entry: it is
// removed automatically when this connection deactivates.
func (l *NamedList) InsertLastScoped(ctx context.Context, item value.Value) (string, *dispatch.Future, error) {
	return l.insert(ctx, item, nil, true, nil, change.ScopeConnection)
}

// InsertWithConditions inserts item at the position described by
// referenceKey/before, first verifying every condition still holds
// (spec.md §4.1); a failed condition rejects the insert.
func (l *NamedList) InsertWithConditions(ctx context.Context, referenceKey *string, before bool, item value.Value, conditions []change.Condition) (string, *dispatch.Future, error) {
	return l.insert(ctx, item, referenceKey, before, conditions, change.ScopeTopic)
}

func (l *NamedList) insert(ctx context.Context, item value.Value, referenceKey *string, before bool, conditions []change.Condition, scope change.Scope) (string, *dispatch.Future, error) {
	rec := change.Record{
		Kind:         change.KindInsert,
		Name:         l.name,
		ReferenceKey: referenceKey,
		Before:       before,
		Item:         &item,
		Conditions:   conditions,
	}
	if scope == change.ScopeConnection {
		owner := l.conn.id
		rec.ScopeOwner = &owner
	}
	id, future, err := l.conn.submitWrite(ctx, rec)
	if err == nil && scope == change.ScopeConnection {
		l.conn.trackListWrite(l.name, id.String())
	}
	return id.String(), future, err
}

// MoveBefore relocates the entry keyToMove so it immediately precedes
// referenceKey.
func (l *NamedList) MoveBefore(ctx context.Context, keyToMove, referenceKey string) (*dispatch.Future, error) {
	return l.move(ctx, keyToMove, referenceKey, change.KindMoveBefore)
}

// MoveAfter relocates keyToMove so it immediately follows
// referenceKey.
func (l *NamedList) MoveAfter(ctx context.Context, keyToMove, referenceKey string) (*dispatch.Future, error) {
	return l.move(ctx, keyToMove, referenceKey, change.KindMoveAfter)
}

func (l *NamedList) move(ctx context.Context, keyToMove, referenceKey string, kind change.Kind) (*dispatch.Future, error) {
	ref := referenceKey
	rec := change.Record{
		Kind:         kind,
		Name:         l.name,
		KeyToMove:    keyToMove,
		ReferenceKey: &ref,
	}
	_, future, err := l.conn.submitWrite(ctx, rec)
	return future, err
}

// Set rewrites the entry at key, or removes it if v is value.Null.
func (l *NamedList) Set(ctx context.Context, key string, v value.Value) (*dispatch.Future, error) {
	return l.set(ctx, key, v, nil)
}

// SetIfVersion rewrites (or, if v is value.Null, removes) the entry at
// key only if its current revision is expectedID.
func (l *NamedList) SetIfVersion(ctx context.Context, key string, v value.Value, expectedID uuid.UUID) (*dispatch.Future, error) {
	return l.set(ctx, key, v, &expectedID)
}

func (l *NamedList) set(ctx context.Context, key string, v value.Value, expectedID *uuid.UUID) (*dispatch.Future, error) {
	rec := change.Record{
		Kind:       change.KindListSet,
		Name:       l.name,
		Key:        key,
		Value:      &v,
		ExpectedID: expectedID,
	}
	_, future, err := l.conn.submitWrite(ctx, rec)
	return future, err
}

// Remove deletes the entry at key unconditionally.
func (l *NamedList) Remove(ctx context.Context, key string) (*dispatch.Future, error) {
	null := value.Null
	return l.set(ctx, key, null, nil)
}

// Subscribe delivers one synthetic INSERT per current entry in list
// order, then streams subsequent changes.
func (l *NamedList) Subscribe(h func(change.ListChange)) *Subscription {
	d := l.conn.currentDispatcher()
	reg := l.conn.top.SubscribeList(l.name, func(c change.ListChange) {
		if d != nil {
			d.Dispatch(func() { h(c) })
		} else {
			h(c)
		}
	})
	l.conn.trackSub(reg)
	return &Subscription{reg: reg}
}

// SetExpirationTimeout configures how long this list's entries survive
// after the topic becomes fully idle before being cleared.
func (l *NamedList) SetExpirationTimeout(ctx context.Context, d time.Duration) (*dispatch.Future, error) {
	v, err := value.FromAny(d)
	if err != nil {
		return nil, err
	}
	rec := change.Record{Kind: change.KindListTimeout, Name: l.name, Value: &v}
	_, future, err2 := l.conn.submitWrite(ctx, rec)
	if err2 != nil {
		return future, err2
	}
	return future, nil
}

// ClearExpirationTimeout removes a previously configured idle timeout.
func (l *NamedList) ClearExpirationTimeout(ctx context.Context) (*dispatch.Future, error) {
	null := value.Null
	rec := change.Record{Kind: change.KindListTimeout, Name: l.name, Value: &null}
	_, future, err := l.conn.submitWrite(ctx, rec)
	return future, err
}

// GetExpirationTimeout returns the configured idle timeout, if any.
func (l *NamedList) GetExpirationTimeout() (time.Duration, bool) {
	return l.conn.top.GetListExpirationTimeout(l.name)
}
