// Package conn implements TopicConnection: the per-consumer handle a
// ConnectionContext activation drives, exposing named maps and lists
// bound to one Topic (spec.md §4.6). A connection only talks to the
// topic while activated, and every callback it hands back to its
// owner — subscription deliveries, write-future completions — is
// dispatched through the ActionDispatcher it received on activation,
// never called inline from the topic's own goroutine.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/dispatch"
	"github.com/lattice-run/lattice/internal/topic"
)

// ErrNotActive is returned by an operation attempted while the
// connection has no dispatcher (not yet activated, or already
// deactivated).
var ErrNotActive = errors.New("conn: connection is not active")

// ActivationCallback is invoked once per activation edge: true when
// the connection becomes usable, false when it stops being (spec.md
// §4.7's "activationCallback").
type ActivationCallback func(active bool)

// TopicConnection moves through created → (dispatcher received) →
// active → (cleanup pending) → deactivated → closed (spec.md §4.6).
// Each instance is bound to exactly one Topic and one ConnectionContext
// for its lifetime.
type TopicConnection struct {
	id           uuid.UUID
	top          *topic.Topic
	userCallback ActivationCallback

	mu         sync.Mutex
	dispatcher dispatch.ActionDispatcher
	activated  bool
	closed     bool

	namedMaps  map[string]*NamedMap
	namedLists map[string]*NamedList

	subs []*topic.ListenerRegistration

	writtenMapKeys  map[string]map[string]struct{}
	writtenListKeys map[string]map[string]struct{}

	closeReg dispatch.CloseRegistration
}

// New binds a fresh TopicConnection to t, driven by connCtx. userCallback
// may be nil. The connection starts in "created" state; it becomes
// usable once connCtx's first activation fires.
func New(t *topic.Topic, connCtx dispatch.ConnectionContext, userCallback ActivationCallback) (*TopicConnection, error) {
	if t == nil || connCtx == nil {
		return nil, fmt.Errorf("conn: topic and connection context are required")
	}
	c := &TopicConnection{
		id:              uuid.New(),
		top:             t,
		userCallback:    userCallback,
		namedMaps:       make(map[string]*NamedMap),
		namedLists:      make(map[string]*NamedList),
		writtenMapKeys:  make(map[string]map[string]struct{}),
		writtenListKeys: make(map[string]map[string]struct{}),
	}
	reg, err := connCtx.Init(c.acceptDispatcher)
	if err != nil {
		return nil, err
	}
	c.closeReg = reg
	return c, nil
}

// ID identifies this connection for the lifetime of its activation; it
// is also the scope owner of any CONNECTION-scoped entries it writes.
func (c *TopicConnection) ID() uuid.UUID { return c.id }

// Topic returns the underlying Topic this connection is bound to, for
// callers that need read-only introspection beyond named maps/lists
// (e.g. membership/leadership state, manual snapshot triggers).
func (c *TopicConnection) Topic() *topic.Topic { return c.top }

// acceptDispatcher is the ActivationHandler registered with the
// ConnectionContext. It implements the created→active→deactivated
// transition rules of spec.md §4.6, including the idempotence
// guarantee: a queued transition that finds its precondition no
// longer holds by the time it runs exits without effect, so a racing
// activate/deactivate pair never double-applies.
func (c *TopicConnection) acceptDispatcher(d dispatch.ActionDispatcher) {
	if d != nil {
		c.mu.Lock()
		if c.activated {
			c.mu.Unlock()
			return
		}
		c.activated = true
		c.mu.Unlock()

		d.Dispatch(func() {
			c.mu.Lock()
			if !c.activated {
				c.mu.Unlock()
				return
			}
			c.dispatcher = d
			c.mu.Unlock()

			if err := c.top.ConnectionActivated(context.Background(), c.id); err != nil {
				c.mu.Lock()
				c.activated = false
				c.dispatcher = nil
				c.mu.Unlock()
				return
			}
			if c.userCallback != nil {
				c.userCallback(true)
			}
		})
		return
	}

	c.mu.Lock()
	if !c.activated {
		c.mu.Unlock()
		return
	}
	c.activated = false
	pending := c.dispatcher
	c.mu.Unlock()

	if pending == nil {
		return
	}
	pending.Dispatch(func() {
		c.mu.Lock()
		if c.activated {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.runCleanup()
		_ = c.top.ConnectionDeactivated(context.Background(), c.id)
		if c.userCallback != nil {
			c.userCallback(false)
		}

		c.mu.Lock()
		c.dispatcher = nil
		c.mu.Unlock()
	})
}

// runCleanup removes this connection's subscriptions and issues
// compensating deletes for every CONNECTION-scoped entry it wrote,
// the connection-granularity half of the cleanup whose backend-node
// half lives in internal/topic's sweepNode (spec.md §4.4).
func (c *TopicConnection) runCleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	mapKeys := c.writtenMapKeys
	listKeys := c.writtenListKeys
	c.writtenMapKeys = make(map[string]map[string]struct{})
	c.writtenListKeys = make(map[string]map[string]struct{})
	c.mu.Unlock()

	for _, s := range subs {
		s.Unregister()
	}

	ctx := context.Background()
	for name, keys := range mapKeys {
		for key := range keys {
			_, _ = c.top.SubmitMutation(ctx, change.Record{
				Kind: change.KindPut,
				Name: name,
				Key:  key,
			}, nil)
		}
	}
	for name, keys := range listKeys {
		for key := range keys {
			_, _ = c.top.SubmitMutation(ctx, change.Record{
				Kind: change.KindListSet,
				Name: name,
				Key:  key,
			}, nil)
		}
	}
}

// GetNamedMap returns the handle for the named map, creating it on
// first use. The handle is stable for the lifetime of the connection.
func (c *TopicConnection) GetNamedMap(name string) *NamedMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.namedMaps[name]
	if !ok {
		m = &NamedMap{name: name, conn: c}
		c.namedMaps[name] = m
	}
	return m
}

// GetNamedList returns the handle for the named list, creating it on
// first use.
func (c *TopicConnection) GetNamedList(name string) *NamedList {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.namedLists[name]
	if !ok {
		l = &NamedList{name: name, conn: c}
		c.namedLists[name] = l
	}
	return l
}

// Close permanently deactivates and tears the connection down. Safe to
// call more than once.
func (c *TopicConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	reg := c.closeReg
	c.mu.Unlock()

	if reg != nil {
		reg.Remove()
	}
}

// currentDispatcher returns the active dispatcher, or nil if the
// connection isn't currently active.
func (c *TopicConnection) currentDispatcher() dispatch.ActionDispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher
}

func (c *TopicConnection) trackMapWrite(name, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.writtenMapKeys[name]
	if !ok {
		keys = make(map[string]struct{})
		c.writtenMapKeys[name] = keys
	}
	keys[key] = struct{}{}
}

func (c *TopicConnection) trackListWrite(name, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.writtenListKeys[name]
	if !ok {
		keys = make(map[string]struct{})
		c.writtenListKeys[name] = keys
	}
	keys[key] = struct{}{}
}

func (c *TopicConnection) trackSub(reg *topic.ListenerRegistration) {
	c.mu.Lock()
	c.subs = append(c.subs, reg)
	c.mu.Unlock()
}

// submitWrite is the shared plumbing behind every NamedMap/NamedList
// write method: allocate a future on the connection's dispatcher,
// register a result tracker that completes it, and submit the change
// (spec.md §4.6).
func (c *TopicConnection) submitWrite(ctx context.Context, rec change.Record) (uuid.UUID, *dispatch.Future, error) {
	d := c.currentDispatcher()
	if d == nil {
		return uuid.UUID{}, nil, ErrNotActive
	}
	rec.Submitter = c.id
	future := d.CreateFuture()

	id, err := c.top.SubmitMutation(ctx, rec, func(result change.Result) {
		if result.Outcome == change.Rejected {
			future.Complete(false, nil)
			return
		}
		if rec.IsMutating() && recordIsConditional(rec) {
			future.Complete(true, nil)
			return
		}
		future.Complete(nil, nil)
	})
	if err != nil {
		future.Complete(nil, err)
		return id, future, err
	}
	return id, future, nil
}

// recordIsConditional reports whether rec's mutation kind resolves its
// future to a bool (accepted/rejected) rather than void, per spec.md
// §4.6: conditional ops are the ones a caller can meaningfully have
// rejected — REPLACE, CAS'd PUT, conditioned INSERT, and any
// revision-gated LIST_SET.
func recordIsConditional(rec change.Record) bool {
	switch rec.Kind {
	case change.KindReplace:
		return true
	case change.KindPut:
		return rec.ExpectedID != nil || rec.ExpectedValue != nil
	case change.KindInsert:
		return len(rec.Conditions) > 0
	case change.KindListSet:
		return rec.ExpectedID != nil
	default:
		return false
	}
}
