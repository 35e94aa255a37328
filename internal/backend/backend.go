// Package backend defines the storage/transport SPI a deployment plugs
// in behind the engine: per-topic EventLogs, the cluster MembershipLog,
// this node's identity, and snapshot persistence (spec.md §2.3). Local
// wraps an in-process memlog for single-node deployments; natsbackend
// wraps JetStream for clustered ones.
package backend

import (
	"context"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/eventlog"
)

// Backend is the pluggable substrate a deployment provides to the
// engine. Exactly one Backend is wired in per process.
type Backend interface {
	// NodeID identifies this backend node. Used for leader election:
	// each topic's leader is the first node in the order of the
	// NODE_JOIN records in that topic's event log (spec.md §6).
	NodeID() uuid.UUID

	// Clustered reports whether this backend spans more than one
	// node. Local always returns false; natsbackend always returns
	// true.
	Clustered() bool

	// OpenEventLog returns the EventLog for topicID, creating its
	// underlying storage if this is the first time the topic has been
	// opened on this backend.
	OpenEventLog(ctx context.Context, topicID string) (eventlog.EventLog, error)

	// MembershipLog returns the cluster-wide log of node JOIN/LEAVE
	// events (spec.md §2.2).
	MembershipLog() eventlog.MembershipLog

	// Snapshots returns the snapshot store backing this deployment.
	Snapshots() SnapshotStore

	// Close releases all resources held by the backend (connections,
	// embedded servers, file handles).
	Close() error
}

// SnapshotStore persists and retrieves the latest snapshot blob for a
// topic (spec.md §4.7/§4.8). Implementations live under
// internal/snapshot.
type SnapshotStore interface {
	// Load returns the most recently submitted snapshot for topicID,
	// or ok=false if none has ever been submitted.
	Load(ctx context.Context, topicID string) (blob []byte, lastChangeID *uuid.UUID, ok bool, err error)

	// Submit persists blob as the latest snapshot for topicID, tagged
	// with the id of the last change it reflects. Submissions are
	// last-write-wins; a store never rejects a submission.
	Submit(ctx context.Context, topicID string, blob []byte, lastChangeID uuid.UUID) error
}
