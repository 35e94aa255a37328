package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/dispatch"
	"github.com/lattice-run/lattice/internal/eventlog/memlog"
	"github.com/lattice-run/lattice/internal/topic"
	"github.com/lattice-run/lattice/internal/value"
)

func newTestConnection(t *testing.T) (*TopicConnection, chan bool) {
	t.Helper()
	log := memlog.New()
	membership := memlog.NewMembershipLog()
	top, err := topic.New(context.Background(), "test-topic", log, membership, nil, uuid.New())
	if err != nil {
		t.Fatalf("topic.New: %v", err)
	}
	t.Cleanup(func() { top.Close() })

	activations := make(chan bool, 16)
	c, err := New(top, dispatch.NewSystemConnectionContext(), func(active bool) {
		activations <- active
	})
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	t.Cleanup(c.Close)

	waitFor(t, func() bool {
		return c.currentDispatcher() != nil
	})
	select {
	case active := <-activations:
		if !active {
			t.Fatal("expected first activation callback to report true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activation callback never fired")
	}
	return c, activations
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("timed out waiting for condition")
	}
}

func mustValue(t *testing.T, v any) value.Value {
	t.Helper()
	out, err := value.FromAny(v)
	if err != nil {
		t.Fatalf("value.FromAny: %v", err)
	}
	return out
}

func waitFuture(t *testing.T, f *dispatch.Future) (any, error) {
	t.Helper()
	done := make(chan struct{})
	var value any
	var ferr error
	f.OnComplete(func(v any, e error) {
		value, ferr = v, e
		close(done)
	})
	select {
	case <-done:
		return value, ferr
	case <-time.After(2 * time.Second):
		t.Fatal("future never resolved")
		return nil, nil
	}
}

func TestNamedMapPutAndGet(t *testing.T) {
	c, _ := newTestConnection(t)
	m := c.GetNamedMap("users")

	future, err := m.Put(context.Background(), "alice", mustValue(t, "hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ferr := waitFuture(t, future); ferr != nil {
		t.Fatalf("future error: %v", ferr)
	}

	got, ok := m.Get("alice")
	if !ok {
		t.Fatal("expected key to exist")
	}
	var s string
	if err := got.Decode(&s); err != nil || s != "hello" {
		t.Fatalf("expected hello, got %q (err=%v)", s, err)
	}
}

func TestNamedMapPutIfVersionRejectsOnMismatch(t *testing.T) {
	c, _ := newTestConnection(t)
	m := c.GetNamedMap("cfg")

	f1, _ := m.Put(context.Background(), "k", mustValue(t, 1))
	waitFuture(t, f1)

	f2, err := m.PutIfVersion(context.Background(), "k", mustValue(t, 2), uuid.New())
	if err != nil {
		t.Fatalf("PutIfVersion: %v", err)
	}
	v, _ := waitFuture(t, f2)
	if v != false {
		t.Fatalf("expected rejection, got %v", v)
	}
}

func TestNamedMapPutScopedIsRemovedOnDeactivation(t *testing.T) {
	c, _ := newTestConnection(t)
	m := c.GetNamedMap("presence")

	f, err := m.PutScoped(context.Background(), "me", mustValue(t, "online"))
	if err != nil {
		t.Fatalf("PutScoped: %v", err)
	}
	waitFuture(t, f)

	if _, ok := m.Get("me"); !ok {
		t.Fatal("expected scoped entry to exist while connection is active")
	}

	c.Close()

	waitFor(t, func() bool {
		_, ok := m.Get("me")
		return !ok
	})
}

func TestNamedMapSubscribeDeliversCatchUpThenLive(t *testing.T) {
	c, _ := newTestConnection(t)
	m := c.GetNamedMap("scores")

	f, _ := m.Put(context.Background(), "a", mustValue(t, 1))
	waitFuture(t, f)

	var mu sync.Mutex
	var seen []string
	m.Subscribe(func(mc change.MapChange) {
		mu.Lock()
		seen = append(seen, mc.Key)
		mu.Unlock()
	})

	f2, _ := m.Put(context.Background(), "b", mustValue(t, 2))
	waitFuture(t, f2)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected catch-up then live in order, got %v", seen)
	}
}

func TestNamedListInsertAndGetItems(t *testing.T) {
	c, _ := newTestConnection(t)
	l := c.GetNamedList("queue")

	_, f1, err := l.InsertLast(context.Background(), mustValue(t, "first"))
	if err != nil {
		t.Fatalf("InsertLast: %v", err)
	}
	waitFuture(t, f1)

	_, f2, err := l.InsertLast(context.Background(), mustValue(t, "second"))
	if err != nil {
		t.Fatalf("InsertLast: %v", err)
	}
	waitFuture(t, f2)

	items := l.GetItems()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	var first, second string
	items[0].Decode(&first)
	items[1].Decode(&second)
	if first != "first" || second != "second" {
		t.Fatalf("unexpected order: %q, %q", first, second)
	}
}

func TestNamedListRemoveDeletesEntry(t *testing.T) {
	c, _ := newTestConnection(t)
	l := c.GetNamedList("queue")

	key, f, _ := l.InsertLast(context.Background(), mustValue(t, "only"))
	waitFuture(t, f)

	rf, err := l.Remove(context.Background(), key)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFuture(t, rf)

	if len(l.GetItems()) != 0 {
		t.Fatal("expected list to be empty after remove")
	}
}

func TestWriteBeforeActivationFails(t *testing.T) {
	log := memlog.New()
	membership := memlog.NewMembershipLog()
	top, err := topic.New(context.Background(), "late-activation", log, membership, nil, uuid.New())
	if err != nil {
		t.Fatalf("topic.New: %v", err)
	}
	t.Cleanup(func() { top.Close() })

	blockedCtx := blockingConnectionContext{}
	c, err := New(top, &blockedCtx, nil)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}

	m := c.GetNamedMap("m")
	if _, err := m.Put(context.Background(), "k", mustValue(t, 1)); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

// blockingConnectionContext never activates, standing in for a
// ConnectionContext whose component has not yet attached.
type blockingConnectionContext struct{}

func (blockingConnectionContext) Init(dispatch.ActivationHandler) (dispatch.CloseRegistration, error) {
	return noopRegistration{}, nil
}

type noopRegistration struct{}

func (noopRegistration) Remove() {}
