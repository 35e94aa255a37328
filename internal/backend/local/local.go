// Package local implements backend.Backend for a single-node
// deployment: every topic's EventLog and the cluster MembershipLog are
// in-process memlog instances, and NodeID is generated once at
// startup. Clustered() is always false, so the engine never needs a
// MembershipLog sweep or hash-based color assignment (spec.md §2.3/§6).
package local

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/backend"
	"github.com/lattice-run/lattice/internal/eventlog"
	"github.com/lattice-run/lattice/internal/eventlog/memlog"
)

// Backend is the single-node backend.Backend implementation.
type Backend struct {
	nodeID     uuid.UUID
	snapshots  backend.SnapshotStore
	membership *memlog.MembershipLog

	mu     sync.Mutex
	topics map[string]*memlog.Log
	closed bool
}

// New creates a single-node Backend. snapshots may be nil, in which
// case snapshotting is disabled and topics never trim their event
// logs (spec.md §4.7 note on the null snapshot store).
func New(snapshots backend.SnapshotStore) *Backend {
	return &Backend{
		nodeID:     uuid.New(),
		snapshots:  snapshots,
		membership: memlog.NewMembershipLog(),
		topics:     make(map[string]*memlog.Log),
	}
}

// NodeID implements backend.Backend.
func (b *Backend) NodeID() uuid.UUID { return b.nodeID }

// Clustered implements backend.Backend.
func (b *Backend) Clustered() bool { return false }

// OpenEventLog implements backend.Backend.
func (b *Backend) OpenEventLog(_ context.Context, topicID string) (eventlog.EventLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.topics[topicID]; ok {
		return log, nil
	}
	log := memlog.New()
	b.topics[topicID] = log
	return log, nil
}

// MembershipLog implements backend.Backend.
func (b *Backend) MembershipLog() eventlog.MembershipLog { return b.membership }

// Snapshots implements backend.Backend.
func (b *Backend) Snapshots() backend.SnapshotStore { return b.snapshots }

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, log := range b.topics {
		_ = log.Close()
	}
	return b.membership.Close()
}
