package local

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
)

func TestOpenEventLogIsStableAcrossCalls(t *testing.T) {
	b := New(nil)
	defer b.Close()

	l1, err := b.OpenEventLog(context.Background(), "topic-a")
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	l2, err := b.OpenEventLog(context.Background(), "topic-a")
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if l1 != l2 {
		t.Fatal("expected the same EventLog instance for repeated opens of the same topic")
	}

	l3, err := b.OpenEventLog(context.Background(), "topic-b")
	if err != nil {
		t.Fatalf("open 3: %v", err)
	}
	if l1 == l3 {
		t.Fatal("expected distinct EventLog instances for distinct topics")
	}
}

func TestNotClusteredSingleNode(t *testing.T) {
	b := New(nil)
	defer b.Close()
	if b.Clustered() {
		t.Fatal("local backend must report Clustered() == false")
	}
	if b.NodeID() == uuid.Nil {
		t.Fatal("expected a non-nil node id")
	}
}

func TestSnapshotsNilWhenNoStoreConfigured(t *testing.T) {
	b := New(nil)
	defer b.Close()
	if b.Snapshots() != nil {
		t.Fatal("expected nil snapshot store when none configured")
	}
}

func TestCloseClosesTopicsAndMembership(t *testing.T) {
	b := New(nil)
	log, err := b.OpenEventLog(context.Background(), "topic-a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := log.SubmitEvent(context.Background(), uuid.New(), change.Record{Kind: change.KindPut}); err == nil {
		t.Fatal("expected submitting to a closed log to fail")
	}
	// Close is idempotent.
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
