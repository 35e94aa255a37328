package dispatch

import (
	"sync"
	"testing"
	"time"
)

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

func TestDispatcherRunsActionsInFIFOOrder(t *testing.T) {
	d := newDispatcher()
	defer d.stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		d.Dispatch(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 actions to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestDispatcherDropsActionsQueuedAfterStop(t *testing.T) {
	d := newDispatcher()
	ran := false
	var wg sync.WaitGroup
	wg.Add(1)
	d.Dispatch(func() {
		ran = true
		wg.Done()
	})
	wg.Wait()

	d.stop()

	dispatchedAfterStop := false
	d.Dispatch(func() { dispatchedAfterStop = true })
	time.Sleep(20 * time.Millisecond)

	if !ran {
		t.Fatal("expected action dispatched before stop to run")
	}
	if dispatchedAfterStop {
		t.Fatal("expected action dispatched after stop to never run")
	}
}

func TestFutureCompleteDispatchesCallbacksThroughDispatcher(t *testing.T) {
	d := newDispatcher()
	defer d.stop()

	f := d.CreateFuture()
	var gotValue any
	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	f.OnComplete(func(v any, e error) {
		gotValue, gotErr = v, e
		wg.Done()
	})

	f.Complete(42, nil)
	wg.Wait()

	if gotValue != 42 || gotErr != nil {
		t.Fatalf("expected (42, nil), got (%v, %v)", gotValue, gotErr)
	}
}

func TestFutureCompleteIsIdempotent(t *testing.T) {
	d := newDispatcher()
	defer d.stop()

	f := d.CreateFuture()
	f.Complete("first", nil)
	f.Complete("second", nil)

	v, err := f.Wait()
	if v != "first" || err != nil {
		t.Fatalf("expected first completion to win, got (%v, %v)", v, err)
	}
}

func TestFutureOnCompleteAfterResolutionDispatchesImmediately(t *testing.T) {
	d := newDispatcher()
	defer d.stop()

	f := d.CreateFuture()
	f.Complete("done", nil)

	v, err := f.Wait()
	if v != "done" || err != nil {
		t.Fatalf("expected (done, nil), got (%v, %v)", v, err)
	}
}

func TestSystemConnectionContextActivatesOnInit(t *testing.T) {
	ctx := NewSystemConnectionContext()

	var activations, deactivations int
	reg, err := ctx.Init(func(d ActionDispatcher) {
		if d != nil {
			activations++
		} else {
			deactivations++
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activations != 1 || deactivations != 0 {
		t.Fatalf("expected immediate activation, got activations=%d deactivations=%d", activations, deactivations)
	}

	reg.Remove()
	if deactivations != 1 {
		t.Fatalf("expected deactivation after Remove, got %d", deactivations)
	}

	reg.Remove()
	if deactivations != 1 {
		t.Fatal("expected Remove to be idempotent")
	}
}

func TestSystemConnectionContextGivesEachInitItsOwnDispatcher(t *testing.T) {
	ctx := NewSystemConnectionContext()

	var first, second ActionDispatcher
	reg1, _ := ctx.Init(func(d ActionDispatcher) { first = d })
	reg2, _ := ctx.Init(func(d ActionDispatcher) { second = d })
	defer reg1.Remove()
	defer reg2.Remove()

	if first == second {
		t.Fatal("expected independent dispatchers per Init call")
	}
}

type fakeComponent struct {
	mu       sync.Mutex
	listener func(bool)
}

func (c *fakeComponent) OnAttachStateChange(listener func(bool)) func() {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.listener = nil
		c.mu.Unlock()
	}
}

func (c *fakeComponent) setAttached(attached bool) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(attached)
	}
}

func TestComponentConnectionContextActivatesOnAttach(t *testing.T) {
	comp := &fakeComponent{}
	ctx := NewComponentConnectionContext(comp)

	var activeDispatchers int
	reg, err := ctx.Init(func(d ActionDispatcher) {
		if d != nil {
			activeDispatchers++
		} else {
			activeDispatchers--
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reg.Remove()

	if activeDispatchers != 0 {
		t.Fatalf("expected inactive before attach, got %d", activeDispatchers)
	}

	comp.setAttached(true)
	waitFor(t, func() bool { return activeDispatchers == 1 })

	comp.setAttached(false)
	waitFor(t, func() bool { return activeDispatchers == 0 })
}

func TestComponentConnectionContextStaysActiveWhileAnyComponentAttached(t *testing.T) {
	compA := &fakeComponent{}
	compB := &fakeComponent{}
	ctx := NewComponentConnectionContext(compA, compB)

	var activations, deactivations int
	reg, _ := ctx.Init(func(d ActionDispatcher) {
		if d != nil {
			activations++
		} else {
			deactivations++
		}
	})
	defer reg.Remove()

	compA.setAttached(true)
	compB.setAttached(true)
	waitFor(t, func() bool { return activations == 1 })

	compA.setAttached(false)
	time.Sleep(20 * time.Millisecond)
	if deactivations != 0 {
		t.Fatalf("expected to stay active while compB is attached, got %d deactivations", deactivations)
	}

	compB.setAttached(false)
	waitFor(t, func() bool { return deactivations == 1 })

	if activations != 1 {
		t.Fatalf("expected exactly one activation edge, got %d", activations)
	}
}

func TestComponentConnectionContextDeactivateForcesInactive(t *testing.T) {
	comp := &fakeComponent{}
	ctx := NewComponentConnectionContext(comp)

	var active bool
	reg, _ := ctx.Init(func(d ActionDispatcher) { active = d != nil })
	defer reg.Remove()

	comp.setAttached(true)
	waitFor(t, func() bool { return active })

	ctx.Deactivate()
	waitFor(t, func() bool { return !active })
}

func TestComponentConnectionContextInitTwiceIsRejected(t *testing.T) {
	comp := &fakeComponent{}
	ctx := NewComponentConnectionContext(comp)

	reg, err := ctx.Init(func(ActionDispatcher) {})
	if err != nil {
		t.Fatalf("unexpected error on first Init: %v", err)
	}
	defer reg.Remove()

	_, err = ctx.Init(func(ActionDispatcher) {})
	if err != ErrAlreadyBound {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
}
