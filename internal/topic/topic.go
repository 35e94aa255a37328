// Package topic implements the Topic state machine: the fold of a
// per-topic EventLog into named maps, named lists, membership, and
// leadership state (spec.md §3/§4.2-§4.4). Every state transition is
// serialized on the Topic's mutex; subscriber fan-out runs under that
// same lock, so listeners must hand off to their own dispatcher rather
// than re-enter the topic synchronously (spec.md §5).
package topic

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/lattice-run/lattice/internal/backend"
	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/eventlog"
)

// snapshotCadence is how many applied mutating changes the leader lets
// accumulate before submitting a snapshot and truncating the log
// (spec.md §4.2).
const snapshotCadence = 100

// Topic is one named coordination namespace.
type Topic struct {
	id          string
	localNodeID uuid.UUID

	eventLog   eventlog.EventLog
	membership eventlog.MembershipLog
	snapshots  backend.SnapshotStore

	eventSub      eventlog.Subscription
	membershipSub eventlog.Subscription

	mu sync.Mutex

	maps  map[string]*mapCollection
	lists map[string]*listCollection

	mapTimeouts  map[string]time.Duration
	listTimeouts map[string]time.Duration

	activeNodes      map[uuid.UUID]struct{}
	backendNodes     []uuid.UUID
	lastDisconnected *time.Time
	leader           bool

	changeCounter  int
	latestChangeID *uuid.UUID

	resultTrackers map[uuid.UUID]func(change.Result)
	listeners      map[int64]Listener
	nextListenerID int64

	localActiveConns int

	closed bool
}

// New constructs a Topic bound to eventLog/membership/snapshots and
// begins its construction sequence (spec.md §4.2): subscribe to
// membership LEAVE events, load the latest snapshot if any, subscribe
// to the event log from the snapshot's cursor (or the beginning), then
// announce this node's join.
func New(ctx context.Context, id string, eventLog eventlog.EventLog, membership eventlog.MembershipLog, snapshots backend.SnapshotStore, localNodeID uuid.UUID) (*Topic, error) {
	t := &Topic{
		id:             id,
		localNodeID:    localNodeID,
		eventLog:       eventLog,
		membership:     membership,
		snapshots:      snapshots,
		maps:           make(map[string]*mapCollection),
		lists:          make(map[string]*listCollection),
		mapTimeouts:    make(map[string]time.Duration),
		listTimeouts:   make(map[string]time.Duration),
		activeNodes:    make(map[uuid.UUID]struct{}),
		resultTrackers: make(map[uuid.UUID]func(change.Result)),
		listeners:      make(map[int64]Listener),
	}

	membershipSub, err := membership.Subscribe(ctx, t.handleNodeLeave)
	if err != nil {
		return nil, fmt.Errorf("topic %s: subscribe membership: %w", id, err)
	}
	t.membershipSub = membershipSub

	var sinceID *uuid.UUID
	if snapshots != nil {
		blob, lastChangeID, ok, err := snapshots.Load(ctx, id)
		if err != nil {
			membershipSub.Unsubscribe()
			return nil, fmt.Errorf("topic %s: load snapshot: %w", id, err)
		}
		if ok {
			if err := t.loadSnapshot(blob); err != nil {
				membershipSub.Unsubscribe()
				return nil, fmt.Errorf("topic %s: apply snapshot: %w", id, err)
			}
			sinceID = lastChangeID
		}
	}

	eventSub, err := eventLog.Subscribe(ctx, sinceID, t.onEvent)
	if err != nil {
		membershipSub.Unsubscribe()
		return nil, fmt.Errorf("topic %s: subscribe event log: %w", id, err)
	}
	t.eventSub = eventSub

	if err := eventLog.SubmitEvent(ctx, uuid.New(), change.Record{Kind: change.KindNodeJoin, NodeID: localNodeID}); err != nil {
		eventSub.Unsubscribe()
		membershipSub.Unsubscribe()
		return nil, fmt.Errorf("topic %s: announce join: %w", id, err)
	}

	return t, nil
}

// ID returns the topic's name.
func (t *Topic) ID() string { return t.id }

// SubmitMutation allocates a tracking ID, optionally registers a
// result callback for it, and submits rec to the event log. The
// callback (if non-nil) fires exactly once, from the event-log
// delivery goroutine, when this node applies the resulting change —
// which may be before SubmitEvent even returns, so the tracker must be
// registered first (spec.md §4.6).
func (t *Topic) SubmitMutation(ctx context.Context, rec change.Record, onResult func(change.Result)) (uuid.UUID, error) {
	id := uuid.New()
	if onResult != nil {
		t.mu.Lock()
		if _, exists := t.resultTrackers[id]; exists {
			t.mu.Unlock()
			return id, fmt.Errorf("topic %s: duplicate result tracker for %s", t.id, id)
		}
		t.resultTrackers[id] = onResult
		t.mu.Unlock()
	}
	if err := t.eventLog.SubmitEvent(ctx, id, rec); err != nil {
		if onResult != nil {
			t.mu.Lock()
			delete(t.resultTrackers, id)
			t.mu.Unlock()
		}
		return id, err
	}
	return id, nil
}

// onEvent applies one change record in log order and is the sole
// mutator of topic state. Registered as the EventLog subscription
// handler, so it runs on that subscription's delivery goroutine,
// serially, for the lifetime of the topic.
func (t *Topic) onEvent(id uuid.UUID, rec change.Record) {
	t.mu.Lock()
	result := t.apply(id, rec)
	t.latestChangeID = &id

	if rec.IsMutating() && result.Outcome == change.Accepted {
		t.changeCounter++
	}

	tracker, hasTracker := t.resultTrackers[id]
	if hasTracker {
		delete(t.resultTrackers, id)
	}

	shouldSnapshot := t.leader && rec.IsMutating() && result.Outcome == change.Accepted && t.changeCounter%snapshotCadence == 0
	var snapshotBlob []byte
	var snapshotCutoff uuid.UUID
	if shouldSnapshot {
		snapshotBlob, _ = t.marshalSnapshotLocked(id)
		snapshotCutoff = id
	}

	t.notifyListenersLocked(id, result.Details)
	t.mu.Unlock()

	if hasTracker {
		tracker(result)
	}
	if shouldSnapshot && t.snapshots != nil {
		go t.submitSnapshot(snapshotBlob, snapshotCutoff)
	}
}

// TriggerSnapshot forces an out-of-cadence snapshot submission
// regardless of changeCounter, for operator-initiated use (e.g. before
// a planned leader restart). No-op if this node isn't leader or no
// snapshot store is configured, since only the leader's view of the
// log is authoritative for a submission.
func (t *Topic) TriggerSnapshot(ctx context.Context) error {
	t.mu.Lock()
	if !t.leader || t.snapshots == nil || t.latestChangeID == nil {
		t.mu.Unlock()
		return nil
	}
	cutoff := *t.latestChangeID
	blob, err := t.marshalSnapshotLocked(cutoff)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("topic %s: marshal snapshot: %w", t.id, err)
	}

	if err := t.snapshots.Submit(ctx, t.id, blob, cutoff); err != nil {
		return fmt.Errorf("topic %s: submit snapshot: %w", t.id, err)
	}
	if err := t.eventLog.Truncate(ctx, cutoff); err != nil {
		return fmt.Errorf("topic %s: truncate after snapshot: %w", t.id, err)
	}
	topicMetrics.snapshotsSubmitted.Add(ctx, 1)
	return nil
}

func (t *Topic) submitSnapshot(blob []byte, cutoff uuid.UUID) {
	ctx := context.Background()
	if err := t.snapshots.Submit(ctx, t.id, blob, cutoff); err != nil {
		log.Printf("topic %s: submit snapshot: %v", t.id, err)
		return
	}
	if err := t.eventLog.Truncate(ctx, cutoff); err != nil {
		log.Printf("topic %s: truncate after snapshot: %v", t.id, err)
	}
	topicMetrics.snapshotsSubmitted.Add(ctx, 1)
}

// apply is the single dispatch point for every change kind. Callers
// must hold t.mu.
func (t *Topic) apply(id uuid.UUID, rec change.Record) change.Result {
	switch rec.Kind {
	case change.KindPut, change.KindReplace:
		return t.applyPut(id, rec)
	case change.KindInsert:
		return t.applyInsert(id, rec)
	case change.KindMoveBefore, change.KindMoveAfter:
		return t.applyMove(id, rec)
	case change.KindListSet:
		return t.applyListSet(id, rec)
	case change.KindMapTimeout:
		return t.applyMapTimeout(id, rec)
	case change.KindListTimeout:
		return t.applyListTimeout(id, rec)
	case change.KindNodeJoin:
		return t.applyNodeJoin(id, rec)
	case change.KindNodeActivate:
		return t.applyNodeActivate(id, rec)
	case change.KindNodeDeactivate:
		return t.applyNodeDeactivate(id, rec)
	default:
		topicMetrics.changesRejected.Add(context.Background(), 1)
		return change.Result{TrackingID: id, Outcome: change.Rejected}
	}
}

func accept(id uuid.UUID, details change.Details) change.Result {
	topicMetrics.changesApplied.Add(context.Background(), 1)
	return change.Result{TrackingID: id, Outcome: change.Accepted, Details: details}
}

func reject(id uuid.UUID) change.Result {
	topicMetrics.changesRejected.Add(context.Background(), 1)
	return change.Result{TrackingID: id, Outcome: change.Rejected}
}

// Close tears down the topic's subscriptions. Does not affect other
// nodes' view of the topic.
func (t *Topic) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.eventSub != nil {
		t.eventSub.Unsubscribe()
	}
	if t.membershipSub != nil {
		t.membershipSub.Unsubscribe()
	}
	return nil
}

// topicMetrics holds package-level OTel instruments, registered
// against the global delegating provider at init time so they forward
// once telemetry.Init runs.
var topicMetrics struct {
	changesApplied     metric.Int64Counter
	changesRejected    metric.Int64Counter
	snapshotsSubmitted metric.Int64Counter
	sweepDurationMs    metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/lattice-run/lattice/topic")
	topicMetrics.changesApplied, _ = m.Int64Counter("lattice.topic.changes_applied",
		metric.WithDescription("Mutating changes accepted into topic state"),
		metric.WithUnit("{change}"))
	topicMetrics.changesRejected, _ = m.Int64Counter("lattice.topic.changes_rejected",
		metric.WithDescription("Mutating changes rejected by a precondition check"),
		metric.WithUnit("{change}"))
	topicMetrics.snapshotsSubmitted, _ = m.Int64Counter("lattice.topic.snapshots_submitted",
		metric.WithDescription("Snapshots submitted by this node while leader"),
		metric.WithUnit("{snapshot}"))
	topicMetrics.sweepDurationMs, _ = m.Float64Histogram("lattice.topic.sweep_duration_ms",
		metric.WithDescription("Time spent running a stale-entry sweep"),
		metric.WithUnit("ms"))
}
