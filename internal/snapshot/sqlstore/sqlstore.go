// Package sqlstore implements backend.SnapshotStore on top of
// database/sql, targeting either a standalone MySQL-protocol server
// (github.com/go-sql-driver/mysql) or an embedded Dolt database
// (github.com/dolthub/driver). Retry and metrics are grounded on
// internal/storage/dolt/store.go's withRetry/doltMetrics pattern:
// transient errors get a bounded exponential backoff, and every retry
// is counted on a package-level OTel counter that forwards to the real
// provider once telemetry.Init runs; queries are not recorded.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Driver selects the database/sql driver name to open with.
type Driver string

const (
	// DriverMySQL targets a standalone MySQL-protocol server (a real
	// MySQL instance, or `dolt sql-server`).
	DriverMySQL Driver = "mysql"
	// DriverDolt opens an embedded Dolt database directly, no server
	// required.
	DriverDolt Driver = "dolt"
)

const retryMaxElapsed = 30 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS lattice_snapshots (
	topic_id       VARCHAR(255) NOT NULL PRIMARY KEY,
	last_change_id CHAR(36)     NOT NULL,
	blob           LONGBLOB     NOT NULL,
	updated_at     TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`

// Store persists snapshots in a SQL table.
type Store struct {
	db *sql.DB
}

// Open opens a database/sql connection with the given driver and DSN
// and ensures the snapshot table exists.
func Open(driver Driver, dsn string) (*Store, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: create table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying *sql.DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements backend.SnapshotStore.
func (s *Store) Load(ctx context.Context, topicID string) ([]byte, *uuid.UUID, bool, error) {
	var blob []byte
	var lastChangeIDStr string

	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT blob, last_change_id FROM lattice_snapshots WHERE topic_id = ?`, topicID)
		return row.Scan(&blob, &lastChangeIDStr)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("sqlstore: load snapshot for %s: %w", topicID, err)
	}

	lastChangeID, err := uuid.Parse(lastChangeIDStr)
	if err != nil {
		return nil, nil, false, fmt.Errorf("sqlstore: parse last_change_id: %w", err)
	}
	return blob, &lastChangeID, true, nil
}

// Submit implements backend.SnapshotStore.
func (s *Store) Submit(ctx context.Context, topicID string, blob []byte, lastChangeID uuid.UUID) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lattice_snapshots (topic_id, last_change_id, blob)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE last_change_id = VALUES(last_change_id), blob = VALUES(blob)
		`, topicID, lastChangeID.String(), blob)
		return err
	})
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError reports whether err looks like a transient
// connection error (stale pooled connection, brief network blip,
// server restart) worth retrying rather than surfacing immediately.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "broken pipe", "driver: bad connection", "invalid connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	attempts := 0
	bo := newRetryBackoff()
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if isRetryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if attempts > 1 {
		snapshotMetrics.retryCount.Add(ctx, int64(attempts-1))
	}
	return err
}

// snapshotMetrics holds OTel instruments for the SQL snapshot store,
// registered against the global delegating provider at init time so
// they forward to the real provider once telemetry.Init runs.
var snapshotMetrics struct {
	retryCount metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/lattice-run/lattice/snapshot/sqlstore")
	snapshotMetrics.retryCount, _ = m.Int64Counter("lattice.snapshot.retry_count",
		metric.WithDescription("SQL snapshot operations retried due to transient errors"),
		metric.WithUnit("{retry}"),
	)
}
