package topic

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/eventlog"
)

// applyNodeJoin handles KindNodeJoin (spec.md §4.3). If backendNodes
// was empty and the joiner is this node, it becomes leader and sweeps
// any entries orphaned by a prior incarnation of the topic (e.g.
// scope owners left over from a loaded snapshot that no longer
// correspond to any live backend node).
func (t *Topic) applyNodeJoin(id uuid.UUID, rec change.Record) change.Result {
	wasEmpty := len(t.backendNodes) == 0
	t.backendNodes = append(t.backendNodes, rec.NodeID)

	becameLeader := false
	if wasEmpty && rec.NodeID == t.localNodeID {
		t.leader = true
		becameLeader = true
	}

	result := accept(id, change.Details{Membership: &change.MembershipChange{NodeID: rec.NodeID, Kind: change.KindNodeJoin}})
	if becameLeader {
		go t.sweepOrphaned()
	}
	return result
}

// handleNodeLeave is the MembershipLog subscription handler (spec.md
// §4.3): it is invoked out of band from the topic's own event log, so
// it must take the topic lock itself.
func (t *Topic) handleNodeLeave(n uuid.UUID, kind eventlog.MembershipKind) {
	if kind != eventlog.MembershipLeave {
		return
	}

	t.mu.Lock()
	idx := -1
	for i, node := range t.backendNodes {
		if node == n {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.mu.Unlock()
		return
	}
	t.backendNodes = append(t.backendNodes[:idx], t.backendNodes[idx+1:]...)
	if len(t.backendNodes) > 0 && t.backendNodes[0] == t.localNodeID {
		t.leader = true
	}
	isLeader := t.leader
	t.mu.Unlock()

	if isLeader {
		t.sweepNode(n)
	}
}

// sweepNode emits compensating changes for every entry whose
// scopeOwner equals n (spec.md §4.4, trigger 1). Uses each entry's
// current revisionId as the CAS guard, so a concurrent rewrite of the
// same entry naturally makes the compensation a no-op rather than a
// double-delete.
func (t *Topic) sweepNode(n uuid.UUID) {
	start := time.Now()
	defer func() {
		topicMetrics.sweepDurationMs.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}()

	t.mu.Lock()
	compensations := t.collectScopedCompensationsLocked(n)
	t.mu.Unlock()

	t.submitCompensations(compensations)
}

// sweepOrphaned runs once, when this node becomes leader because it
// was the first to join: any entry (typically loaded from a snapshot)
// whose scopeOwner is not among the currently known backend nodes
// belonged to a node that is already gone, and is cleaned the same way
// a live departure would be.
func (t *Topic) sweepOrphaned() {
	start := time.Now()
	defer func() {
		topicMetrics.sweepDurationMs.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}()

	t.mu.Lock()
	known := make(map[uuid.UUID]struct{}, len(t.backendNodes))
	for _, n := range t.backendNodes {
		known[n] = struct{}{}
	}
	var compensations []change.Record
	for name, c := range t.maps {
		for key, e := range c.entries {
			if e.scopeOwner == nil {
				continue
			}
			if _, ok := known[*e.scopeOwner]; ok {
				continue
			}
			rev := e.revisionID
			compensations = append(compensations, change.Record{Kind: change.KindPut, Name: name, Key: key, ExpectedID: &rev})
		}
	}
	for name, c := range t.lists {
		for _, n := range c.entries {
			if n.scopeOwner == nil {
				continue
			}
			if _, ok := known[*n.scopeOwner]; ok {
				continue
			}
			rev := n.revisionID
			compensations = append(compensations, change.Record{Kind: change.KindListSet, Name: name, Key: n.id.String(), ExpectedID: &rev})
		}
	}
	t.mu.Unlock()

	t.submitCompensations(compensations)
}

// collectScopedCompensationsLocked gathers PUT(null)/LIST_SET(null)
// records for every entry owned by n. Callers must hold t.mu.
func (t *Topic) collectScopedCompensationsLocked(n uuid.UUID) []change.Record {
	var out []change.Record
	for name, c := range t.maps {
		for key, e := range c.entries {
			if e.scopeOwner != nil && *e.scopeOwner == n {
				rev := e.revisionID
				out = append(out, change.Record{Kind: change.KindPut, Name: name, Key: key, ExpectedID: &rev})
			}
		}
	}
	for name, c := range t.lists {
		for _, ln := range c.entries {
			if ln.scopeOwner != nil && *ln.scopeOwner == n {
				rev := ln.revisionID
				out = append(out, change.Record{Kind: change.KindListSet, Name: name, Key: ln.id.String(), ExpectedID: &rev})
			}
		}
	}
	return out
}

func (t *Topic) submitCompensations(records []change.Record) {
	ctx := context.Background()
	for _, rec := range records {
		if _, err := t.SubmitMutation(ctx, rec, nil); err != nil {
			log.Printf("topic %s: compensating change for scope cleanup: %v", t.id, err)
		}
	}
}

// applyNodeActivate handles KindNodeActivate (spec.md §4.3/§4.4): adds
// n to active-nodes, clearing last-disconnected if the set was empty.
func (t *Topic) applyNodeActivate(id uuid.UUID, rec change.Record) change.Result {
	wasEmpty := len(t.activeNodes) == 0
	t.activeNodes[rec.NodeID] = struct{}{}
	if wasEmpty {
		t.lastDisconnected = nil
	}
	return accept(id, change.Details{Membership: &change.MembershipChange{NodeID: rec.NodeID, Kind: change.KindNodeActivate}})
}

// applyNodeDeactivate handles KindNodeDeactivate: removes n from
// active-nodes, recording last-disconnected if the set becomes empty.
func (t *Topic) applyNodeDeactivate(id uuid.UUID, rec change.Record) change.Result {
	delete(t.activeNodes, rec.NodeID)
	if len(t.activeNodes) == 0 {
		now := time.Now()
		t.lastDisconnected = &now
	}
	return accept(id, change.Details{Membership: &change.MembershipChange{NodeID: rec.NodeID, Kind: change.KindNodeDeactivate}})
}

// ConnectionActivated records that one more local connection is active
// for this topic, announcing NODE_ACTIVATE the first time the local
// count goes from zero to one (spec.md §4.3/§4.4). connID identifies
// this connection for the lifetime of its activation — the same value
// it must pass to ConnectionDeactivated and use as the scope owner of
// any CONNECTION-scoped writes it makes.
func (t *Topic) ConnectionActivated(ctx context.Context, connID uuid.UUID) error {
	t.mu.Lock()
	t.localActiveConns++
	first := t.localActiveConns == 1
	t.mu.Unlock()
	if !first {
		return nil
	}
	_, err := t.SubmitMutation(ctx, change.Record{Kind: change.KindNodeActivate, NodeID: connID}, nil)
	return err
}

// ConnectionDeactivated is the counterpart to ConnectionActivated.
func (t *Topic) ConnectionDeactivated(ctx context.Context, connID uuid.UUID) error {
	t.mu.Lock()
	t.localActiveConns--
	last := t.localActiveConns == 0
	t.mu.Unlock()
	if !last {
		return nil
	}
	_, err := t.SubmitMutation(ctx, change.Record{Kind: change.KindNodeDeactivate, NodeID: connID}, nil)
	return err
}

// IsLeader reports whether this node currently leads the topic.
func (t *Topic) IsLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leader
}

// BackendNodes returns the current join-ordered list of backend nodes.
func (t *Topic) BackendNodes() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, len(t.backendNodes))
	copy(out, t.backendNodes)
	return out
}
