package topic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/eventlog"
	"github.com/lattice-run/lattice/internal/eventlog/memlog"
	"github.com/lattice-run/lattice/internal/value"
)

func newTestTopic(t *testing.T, id string, node uuid.UUID) (*Topic, *memlog.Log, *memlog.MembershipLog) {
	t.Helper()
	log := memlog.New()
	membership := memlog.NewMembershipLog()
	top, err := New(context.Background(), id, log, membership, nil, node)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { top.Close() })
	return top, log, membership
}

func submitAndWait(t *testing.T, top *Topic, rec change.Record) change.Result {
	t.Helper()
	var result change.Result
	var wg sync.WaitGroup
	wg.Add(1)
	if _, err := top.SubmitMutation(context.Background(), rec, func(r change.Result) {
		result = r
		wg.Done()
	}); err != nil {
		t.Fatalf("SubmitMutation: %v", err)
	}
	waitGroup(t, &wg)
	return result
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("result callback never fired")
	}
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
		t.Fatal("condition not met before deadline")
	}
}

func mustValue(t *testing.T, v any) *value.Value {
	t.Helper()
	val, err := value.FromAny(v)
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	return &val
}

func TestNewAnnouncesJoinAndBecomesLeader(t *testing.T) {
	node := uuid.New()
	top, _, _ := newTestTopic(t, "t1", node)

	waitFor(t, top.IsLeader)

	nodes := top.BackendNodes()
	if len(nodes) != 1 || nodes[0] != node {
		t.Fatalf("expected backend nodes [%s], got %v", node, nodes)
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	result := submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "settings", Key: "color", Value: mustValue(t, "blue")})
	if result.Outcome != change.Accepted {
		t.Fatalf("expected accepted, got %v", result.Outcome)
	}

	v, ok := top.GetMapValue("settings", "color")
	if !ok {
		t.Fatal("expected key to be present")
	}
	var got string
	if err := v.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "blue" {
		t.Fatalf("expected blue, got %q", got)
	}
}

func TestPutExpectedIDRejectsOnMismatch(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, 1)})

	bogus := uuid.New()
	result := submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, 2), ExpectedID: &bogus})
	if result.Outcome != change.Rejected {
		t.Fatalf("expected rejected, got %v", result.Outcome)
	}

	v, _ := top.GetMapValue("m", "k")
	var got int
	v.Decode(&got)
	if got != 1 {
		t.Fatalf("value should be unchanged, got %d", got)
	}
}

func TestPutExpectedIDAcceptsOnMatch(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	first := submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, 1)})
	rev := first.TrackingID

	result := submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, 2), ExpectedID: &rev})
	if result.Outcome != change.Accepted {
		t.Fatalf("expected accepted, got %v", result.Outcome)
	}
	v, _ := top.GetMapValue("m", "k")
	var got int
	v.Decode(&got)
	if got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestReplaceRejectsWhenValueDiffers(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, "a")})

	result := submitAndWait(t, top, change.Record{Kind: change.KindReplace, Name: "m", Key: "k", Value: mustValue(t, "c"), ExpectedValue: mustValue(t, "b")})
	if result.Outcome != change.Rejected {
		t.Fatalf("expected rejected, got %v", result.Outcome)
	}
}

func TestReplaceRejectsOnAbsentKey(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	result := submitAndWait(t, top, change.Record{Kind: change.KindReplace, Name: "m", Key: "missing", Value: mustValue(t, "x"), ExpectedValue: mustValue(t, "y")})
	if result.Outcome != change.Rejected {
		t.Fatalf("expected rejected on absent key, got %v", result.Outcome)
	}
}

func TestPutNullValueDeletesKey(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, "a")})
	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: nil})

	if _, ok := top.GetMapValue("m", "k"); ok {
		t.Fatal("expected key to be removed")
	}
	if keys := top.GetMapKeys("m"); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestMapKeysPreserveInsertionOrder(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "z", Value: mustValue(t, 1)})
	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "a", Value: mustValue(t, 2)})
	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "z", Value: mustValue(t, 3)})

	keys := top.GetMapKeys("m")
	if len(keys) != 2 || keys[0] != "z" || keys[1] != "a" {
		t.Fatalf("expected [z a], got %v", keys)
	}
}

func TestListInsertAppendAndPrepend(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	first := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "queue", Item: mustValue(t, "first"), Before: true})
	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "queue", Item: mustValue(t, "second"), Before: true})
	third := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "queue", Item: mustValue(t, "zeroth"), Before: false})

	items := top.GetListItems("queue")
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	var got []string
	for _, v := range items {
		var s string
		v.Decode(&s)
		got = append(got, s)
	}
	if got[0] != "zeroth" || got[1] != "first" || got[2] != "second" {
		t.Fatalf("unexpected order: %v", got)
	}

	keys := top.GetListKeys("queue")
	if keys[0] != third.TrackingID.String() || keys[1] != first.TrackingID.String() {
		t.Fatalf("unexpected key order: %v", keys)
	}
}

func TestListInsertBeforeAfterReference(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	a := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a"), Before: true})
	c := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "c"), Before: true})

	aKey := a.TrackingID.String()
	cKey := c.TrackingID.String()

	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "b"), ReferenceKey: &cKey, Before: true})

	var got []string
	for _, v := range top.GetListItems("l") {
		var s string
		v.Decode(&s)
		got = append(got, s)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected [a b c], got %v", got)
	}

	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a2"), ReferenceKey: &aKey, Before: false})
	got = nil
	for _, v := range top.GetListItems("l") {
		var s string
		v.Decode(&s)
		got = append(got, s)
	}
	if got[0] != "a" || got[1] != "a2" || got[2] != "b" || got[3] != "c" {
		t.Fatalf("expected [a a2 b c], got %v", got)
	}
}

func TestListInsertRejectsOnFailedCondition(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a")})

	bogus := uuid.New().String()
	result := submitAndWait(t, top, change.Record{
		Kind: change.KindInsert, Name: "l", Item: mustValue(t, "x"),
		Conditions: []change.Condition{{Left: nil, Right: &bogus}},
	})
	if result.Outcome != change.Rejected {
		t.Fatalf("expected rejected, got %v", result.Outcome)
	}
}

func TestListMoveBeforeAndAfter(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	a := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a"), Before: true})
	b := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "b"), Before: true})
	c := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "c"), Before: true})

	aKey, bKey, cKey := a.TrackingID.String(), b.TrackingID.String(), c.TrackingID.String()

	result := submitAndWait(t, top, change.Record{Kind: change.KindMoveBefore, Name: "l", KeyToMove: cKey, ReferenceKey: &aKey})
	if result.Outcome != change.Accepted {
		t.Fatalf("move before: expected accepted, got %v", result.Outcome)
	}

	var got []string
	for _, v := range top.GetListItems("l") {
		var s string
		v.Decode(&s)
		got = append(got, s)
	}
	if got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("expected [c a b], got %v", got)
	}

	result = submitAndWait(t, top, change.Record{Kind: change.KindMoveAfter, Name: "l", KeyToMove: cKey, ReferenceKey: &bKey})
	if result.Outcome != change.Accepted {
		t.Fatalf("move after: expected accepted, got %v", result.Outcome)
	}
	got = nil
	for _, v := range top.GetListItems("l") {
		var s string
		v.Decode(&s)
		got = append(got, s)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected [a b c], got %v", got)
	}
}

func TestListMoveRejectsSelfMove(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())
	a := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a")})
	aKey := a.TrackingID.String()

	result := submitAndWait(t, top, change.Record{Kind: change.KindMoveBefore, Name: "l", KeyToMove: aKey, ReferenceKey: &aKey})
	if result.Outcome != change.Rejected {
		t.Fatalf("expected rejected for self-move, got %v", result.Outcome)
	}
}

func TestListSetRemovesEntry(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())
	a := submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a")})
	aKey := a.TrackingID.String()

	result := submitAndWait(t, top, change.Record{Kind: change.KindListSet, Name: "l", Key: aKey, Value: nil})
	if result.Outcome != change.Accepted {
		t.Fatalf("expected accepted, got %v", result.Outcome)
	}
	if items := top.GetListItems("l"); len(items) != 0 {
		t.Fatalf("expected empty list, got %v", items)
	}
}

func TestListSetOnAbsentKeyRejects(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())
	result := submitAndWait(t, top, change.Record{Kind: change.KindListSet, Name: "l", Key: uuid.New().String(), Value: mustValue(t, "x")})
	if result.Outcome != change.Rejected {
		t.Fatalf("expected rejected, got %v", result.Outcome)
	}
}

func TestSubscribeMapDeliversCatchUpThenLive(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "a", Value: mustValue(t, 1)})

	var mu sync.Mutex
	var seen []string
	reg := top.SubscribeMap("m", func(c change.MapChange) {
		mu.Lock()
		seen = append(seen, c.Key)
		mu.Unlock()
	})
	defer reg.Unregister()

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "b", Value: mustValue(t, 2)})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected catch-up then live delivery [a b], got %v", seen)
	}
}

func TestSubscribeListDeliversCatchUpThenLive(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "a")})

	var mu sync.Mutex
	var seen []string
	reg := top.SubscribeList("l", func(c change.ListChange) {
		mu.Lock()
		var s string
		if c.New != nil {
			c.New.Decode(&s)
		}
		seen = append(seen, s)
		mu.Unlock()
	})
	defer reg.Unregister()

	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "b")})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected [a b], got %v", seen)
	}
}

func TestListenerPanicIsIsolatedAndRemoved(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	var survivorCalls int
	var mu sync.Mutex

	badReg := top.AddListener(func(trackingID uuid.UUID, details change.Details) {
		panic("boom")
	})
	top.AddListener(func(trackingID uuid.UUID, details change.Details) {
		mu.Lock()
		survivorCalls++
		mu.Unlock()
	})
	defer badReg.Unregister()

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "a", Value: mustValue(t, 1)})
	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "a", Value: mustValue(t, 2)})

	mu.Lock()
	calls := survivorCalls
	mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected surviving listener invoked twice, got %d", calls)
	}

	top.mu.Lock()
	_, stillRegistered := top.listeners[0]
	top.mu.Unlock()
	if stillRegistered {
		t.Fatal("expected panicking listener to be removed")
	}
}

func TestMapTimeoutSetAndClear(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	d, err := value.FromAny(int64(5 * time.Second))
	if err != nil {
		t.Fatalf("FromAny: %v", err)
	}
	submitAndWait(t, top, change.Record{Kind: change.KindMapTimeout, Name: "m", Value: &d})

	got, ok := top.GetMapExpirationTimeout("m")
	if !ok || got != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %v ok=%v", got, ok)
	}

	submitAndWait(t, top, change.Record{Kind: change.KindMapTimeout, Name: "m", Value: nil})
	if _, ok := top.GetMapExpirationTimeout("m"); ok {
		t.Fatal("expected timeout to be cleared")
	}
}

func TestClearExpiredDataRemovesIdleCollections(t *testing.T) {
	node := uuid.New()
	top, _, _ := newTestTopic(t, "t1", node)
	waitFor(t, top.IsLeader)

	d, _ := value.FromAny(int64(time.Millisecond))
	submitAndWait(t, top, change.Record{Kind: change.KindMapTimeout, Name: "m", Value: &d})
	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "k", Value: mustValue(t, 1)})

	conn := uuid.New()
	if err := top.ConnectionActivated(context.Background(), conn); err != nil {
		t.Fatalf("ConnectionActivated: %v", err)
	}
	if err := top.ConnectionDeactivated(context.Background(), conn); err != nil {
		t.Fatalf("ConnectionDeactivated: %v", err)
	}

	waitFor(t, func() bool {
		top.mu.Lock()
		defer top.mu.Unlock()
		return top.lastDisconnected != nil
	})

	time.Sleep(5 * time.Millisecond)
	top.ClearExpiredData()

	if _, ok := top.GetMapValue("m", "k"); ok {
		t.Fatal("expected expired map to be cleared")
	}
}

func TestConnectionActivateDeactivateOnlyOnTransition(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	var activations int
	reg := top.AddListener(func(trackingID uuid.UUID, details change.Details) {
		if details.Membership != nil {
			switch details.Membership.Kind {
			case change.KindNodeActivate:
				activations++
			}
		}
	})
	defer reg.Unregister()

	c1, c2 := uuid.New(), uuid.New()
	if err := top.ConnectionActivated(context.Background(), c1); err != nil {
		t.Fatalf("activate c1: %v", err)
	}
	if err := top.ConnectionActivated(context.Background(), c2); err != nil {
		t.Fatalf("activate c2: %v", err)
	}

	waitFor(t, func() bool {
		top.mu.Lock()
		defer top.mu.Unlock()
		return activations >= 1
	})

	// Give any (incorrect) second NODE_ACTIVATE a chance to land before
	// asserting there isn't one.
	time.Sleep(20 * time.Millisecond)

	top.mu.Lock()
	got := activations
	top.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one NODE_ACTIVATE for 0->1 transition, got %d", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	top, _, _ := newTestTopic(t, "t1", uuid.New())

	submitAndWait(t, top, change.Record{Kind: change.KindPut, Name: "m", Key: "a", Value: mustValue(t, "x")})
	submitAndWait(t, top, change.Record{Kind: change.KindInsert, Name: "l", Item: mustValue(t, "y")})

	top.mu.Lock()
	blob, err := top.marshalSnapshotLocked(uuid.New())
	top.mu.Unlock()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	fresh := &Topic{
		maps:         make(map[string]*mapCollection),
		lists:        make(map[string]*listCollection),
		mapTimeouts:  make(map[string]time.Duration),
		listTimeouts: make(map[string]time.Duration),
		activeNodes:  make(map[uuid.UUID]struct{}),
	}
	if err := fresh.loadSnapshot(blob); err != nil {
		t.Fatalf("load: %v", err)
	}

	v, ok := fresh.GetMapValue("m", "a")
	if !ok {
		t.Fatal("expected map entry to survive round trip")
	}
	var s string
	v.Decode(&s)
	if s != "x" {
		t.Fatalf("expected x, got %q", s)
	}

	items := fresh.GetListItems("l")
	if len(items) != 1 {
		t.Fatalf("expected 1 list item, got %d", len(items))
	}
	var got string
	items[0].Decode(&got)
	if got != "y" {
		t.Fatalf("expected y, got %q", got)
	}
}

func TestHandleNodeLeaveTransfersLeadership(t *testing.T) {
	sharedLog := memlog.New()
	membership := memlog.NewMembershipLog()

	nodeA, nodeB := uuid.New(), uuid.New()

	topA, err := New(context.Background(), "shared", sharedLog, membership, nil, nodeA)
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	defer topA.Close()
	waitFor(t, topA.IsLeader)

	topB, err := New(context.Background(), "shared", sharedLog, membership, nil, nodeB)
	if err != nil {
		t.Fatalf("New B: %v", err)
	}
	defer topB.Close()

	waitFor(t, func() bool {
		nodes := topA.BackendNodes()
		return len(nodes) == 2
	})
	if topB.IsLeader() {
		t.Fatal("second-joining node must not become leader")
	}

	if err := membership.Announce(context.Background(), nodeA, eventlog.MembershipLeave); err != nil {
		t.Fatalf("announce leave: %v", err)
	}

	waitFor(t, topB.IsLeader)
	nodes := topB.BackendNodes()
	if len(nodes) != 1 || nodes[0] != nodeB {
		t.Fatalf("expected only nodeB remaining, got %v", nodes)
	}
}
