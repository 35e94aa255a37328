// Package bootstrap wires a config.LatticeConfig into a concrete
// backend.Backend; callers build the engine.Engine on top of it. It
// exists above internal/backend
// so it can import both backend and its local/natsbackend
// implementations without the backend package itself needing to know
// about them (avoiding an import cycle through backend.SnapshotStore).
package bootstrap

import (
	"fmt"

	"github.com/lattice-run/lattice/internal/backend"
	"github.com/lattice-run/lattice/internal/backend/local"
	"github.com/lattice-run/lattice/internal/backend/natsbackend"
	"github.com/lattice-run/lattice/internal/config"
	"github.com/lattice-run/lattice/internal/snapshot/filestore"
	"github.com/lattice-run/lattice/internal/snapshot/sqlstore"
)

// NewBackend constructs the Backend named by cfg.Backend: a local
// in-process backend with an optional file-based snapshot store
// (snapshotting disabled if DataDirectory is empty), or a clustered
// NATS/JetStream backend — embedded by default, or reached at
// cfg.NATSURL — with an optional SQL-backed snapshot store so every
// node in the cluster observes the same snapshots (spec.md §6's
// "backend: local or cluster" option).
func NewBackend(cfg *config.LatticeConfig) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal, "":
		var snapshots backend.SnapshotStore
		if cfg.DataDirectory != "" {
			store, err := filestore.New(cfg.DataDirectory)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: construct local snapshot store: %w", err)
			}
			snapshots = store
		}
		return local.New(snapshots), nil

	case config.BackendCluster:
		var snapshots backend.SnapshotStore
		if cfg.SQLDSN != "" {
			driver := sqlstore.DriverMySQL
			if cfg.SQLDriver != "" {
				driver = sqlstore.Driver(cfg.SQLDriver)
			}
			store, err := sqlstore.Open(driver, cfg.SQLDSN)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: construct SQL snapshot store: %w", err)
			}
			snapshots = store
		}

		b, err := natsbackend.Start(natsbackend.Config{
			ExternalURL: cfg.NATSURL,
			Token:       cfg.NATSToken,
		}, snapshots)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: start clustered backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("bootstrap: unknown backend kind %q", cfg.Backend)
	}
}
