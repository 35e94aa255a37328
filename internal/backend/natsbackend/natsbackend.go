// Package natsbackend implements backend.Backend for a clustered
// deployment on top of NATS JetStream: one JetStream stream per topic
// (internal/eventlog/natslog), a shared CLUSTER_MEMBERSHIP stream, and
// either an embedded NATS server or a connection to an external one.
//
// The embedded-server lifecycle is grounded on
// internal/daemon/nats.go's StartNATSServer/Shutdown/Health; supporting
// both an embedded and an external NATS server mirrors that file's
// ConnectExternalNATS split.
package natsbackend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/lattice-run/lattice/internal/backend"
	"github.com/lattice-run/lattice/internal/eventlog"
	"github.com/lattice-run/lattice/internal/eventlog/natslog"
)

const (
	// DefaultMaxMem is the default JetStream memory limit for an
	// embedded server.
	DefaultMaxMem = 256 << 20
	// DefaultMaxStore is the default JetStream file storage limit for
	// an embedded server.
	DefaultMaxStore = 1 << 30
)

// Config configures a clustered Backend.
type Config struct {
	// NodeID identifies this node. If uuid.Nil, a random one is
	// generated.
	NodeID uuid.UUID

	// ExternalURL, if set, connects as a client to an existing NATS
	// server instead of starting an embedded one.
	ExternalURL string
	// Token authenticates the connection, embedded or external.
	Token string

	// Port and StoreDir configure the embedded server. Ignored when
	// ExternalURL is set.
	Port     int
	StoreDir string
}

// Backend is the clustered backend.Backend implementation.
type Backend struct {
	nodeID uuid.UUID

	server *natsserver.Server // nil when connected to an external server
	conn   *nats.Conn
	js     nats.JetStreamContext

	membership *natslog.MembershipLog
	snapshots  backend.SnapshotStore

	mu     sync.Mutex
	topics map[string]*natslog.Log
	closed bool
}

// Start brings up a clustered Backend: either an embedded NATS/JetStream
// server (the default) or a connection to ExternalURL.
func Start(cfg Config, snapshots backend.SnapshotStore) (*Backend, error) {
	nodeID := cfg.NodeID
	if nodeID == uuid.Nil {
		nodeID = uuid.New()
	}

	var (
		srv  *natsserver.Server
		conn *nats.Conn
		err  error
	)
	if cfg.ExternalURL != "" {
		conn, err = connectExternal(cfg)
	} else {
		srv, conn, err = startEmbedded(cfg)
	}
	if err != nil {
		return nil, err
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		if srv != nil {
			srv.Shutdown()
		}
		return nil, fmt.Errorf("natsbackend: jetstream context: %w", err)
	}

	ml, err := natslog.OpenMembershipLog(js)
	if err != nil {
		conn.Close()
		if srv != nil {
			srv.Shutdown()
		}
		return nil, err
	}

	return &Backend{
		nodeID:     nodeID,
		server:     srv,
		conn:       conn,
		js:         js,
		membership: ml,
		snapshots:  snapshots,
		topics:     make(map[string]*natslog.Log),
	}, nil
}

func startEmbedded(cfg Config) (*natsserver.Server, *nats.Conn, error) {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./lattice-nats-store"
	}
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("natsbackend: create store dir: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = 4222
	}

	opts := &natsserver.Options{
		ServerName:         "lattice-node",
		Host:               "0.0.0.0",
		Port:               port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultMaxMem,
		JetStreamMaxStore:  DefaultMaxStore,
		StoreDir:           storeDir,
		NoLog:              true,
		NoSigs:             true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("natsbackend: create server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("natsbackend: server did not become ready within 10s")
	}

	connOpts := []nats.Option{nats.Name("lattice-node-internal")}
	if cfg.Token != "" {
		connOpts = append(connOpts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port), connOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("natsbackend: in-process connect: %w", err)
	}
	return ns, nc, nil
}

func connectExternal(cfg Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("lattice-node"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(cfg.ExternalURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbackend: connect external %s: %w", cfg.ExternalURL, err)
	}
	return nc, nil
}

// NodeID implements backend.Backend.
func (b *Backend) NodeID() uuid.UUID { return b.nodeID }

// Clustered implements backend.Backend.
func (b *Backend) Clustered() bool { return true }

// OpenEventLog implements backend.Backend.
func (b *Backend) OpenEventLog(_ context.Context, topicID string) (eventlog.EventLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.topics[topicID]; ok {
		return log, nil
	}
	log, err := natslog.Open(b.js, topicID)
	if err != nil {
		return nil, err
	}
	b.topics[topicID] = log
	return log, nil
}

// MembershipLog implements backend.Backend.
func (b *Backend) MembershipLog() eventlog.MembershipLog { return b.membership }

// Snapshots implements backend.Backend.
func (b *Backend) Snapshots() backend.SnapshotStore { return b.snapshots }

// Close implements backend.Backend. Drains the connection before
// shutting down an embedded server, if any.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	_ = b.membership.Close()
	for _, log := range b.topics {
		_ = log.Close()
	}

	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
	return nil
}
