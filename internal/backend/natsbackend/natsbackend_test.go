package natsbackend

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
)

func freePort(t *testing.T) int {
	t.Helper()
	// Port 0 lets the OS pick; natsserver.Options treats -1 as random
	// too, but we want a stable value to reuse across Start calls in
	// the same test, so resolve it once via a throwaway listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestStartEmbeddedAndOpenEventLog(t *testing.T) {
	dir := t.TempDir()
	b, err := Start(Config{Port: freePort(t), StoreDir: dir}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Close()

	if !b.Clustered() {
		t.Fatal("natsbackend must report Clustered() == true")
	}
	if b.NodeID() == uuid.Nil {
		t.Fatal("expected non-nil node id")
	}

	l1, err := b.OpenEventLog(context.Background(), "topic-a")
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	l2, err := b.OpenEventLog(context.Background(), "topic-a")
	if err != nil {
		t.Fatalf("open event log again: %v", err)
	}
	if l1 != l2 {
		t.Fatal("expected the same EventLog instance for repeated opens")
	}
}

func TestGeneratesNodeIDWhenUnset(t *testing.T) {
	dir := t.TempDir()
	b, err := Start(Config{Port: freePort(t), StoreDir: dir}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Close()

	if b.NodeID() == uuid.Nil {
		t.Fatal("expected a generated node id")
	}
}
