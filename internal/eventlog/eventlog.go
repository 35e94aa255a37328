// Package eventlog defines the EventLog and MembershipLog contracts
// (spec.md §2.1/§2.2): an append-only, totally-ordered stream of
// change records keyed by 128-bit tracking IDs, with replay-since and
// advisory truncation. Concrete substrates live in the memlog
// (in-process) and natslog (JetStream) subpackages.
package eventlog

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
)

// ErrEventIDNotFound is raised by Subscribe when sinceID does not
// appear in the log — either it was never submitted, or the log has
// been truncated past it (spec.md §7/§9). topic.New does not retry:
// the first miss fails topic construction with this error wrapped.
var ErrEventIDNotFound = errors.New("eventlog: event id not found")

// Handler observes one applied-in-order change record.
type Handler func(id uuid.UUID, rec change.Record)

// Subscription is a live registration returned by Subscribe. Calling
// Unsubscribe more than once is a no-op.
type Subscription interface {
	Unsubscribe()
}

// EventLog is the per-topic append-only log.
type EventLog interface {
	// SubmitEvent appends rec under id. IDs must be globally unique;
	// submitting the same id twice is a backend-failure the caller
	// surfaces to its own caller (spec.md §7).
	SubmitEvent(ctx context.Context, id uuid.UUID, rec change.Record) error

	// Subscribe replays every event strictly after sinceID (or from
	// the beginning if sinceID is nil) synchronously on the calling
	// goroutine, then invokes h for every subsequently submitted event
	// from a dedicated goroutine until Unsubscribe is called. Returns
	// ErrEventIDNotFound if sinceID is non-nil and absent from the log.
	Subscribe(ctx context.Context, sinceID *uuid.UUID, h Handler) (Subscription, error)

	// Truncate discards every event with id <= the given id. It is
	// idempotent and a no-op if id is absent from the log (spec.md
	// §2.1).
	Truncate(ctx context.Context, id uuid.UUID) error

	// Close releases resources held by the log (e.g. an underlying
	// JetStream consumer). Subsequent calls are a no-op.
	Close() error
}

// MembershipKind discriminates MembershipLog events.
type MembershipKind string

const (
	MembershipJoin  MembershipKind = "JOIN"
	MembershipLeave MembershipKind = "LEAVE"
)

// MembershipHandler observes one membership event.
type MembershipHandler func(nodeID uuid.UUID, kind MembershipKind)

// MembershipLog is the single cluster-wide log of backend-node
// JOIN/LEAVE events (spec.md §2.2).
type MembershipLog interface {
	// Announce appends a JOIN or LEAVE event for nodeID.
	Announce(ctx context.Context, nodeID uuid.UUID, kind MembershipKind) error

	// Subscribe streams every membership event from the current
	// position forward (the MembershipLog has no catch-up
	// requirement in spec.md — only LEAVE delivery to already-running
	// nodes matters for sweeps).
	Subscribe(ctx context.Context, h MembershipHandler) (Subscription, error)

	Close() error
}
