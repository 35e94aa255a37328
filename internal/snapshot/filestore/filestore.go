// Package filestore implements backend.SnapshotStore as one JSON file
// per topic, written atomically via a temp-file-then-rename so a crash
// mid-write never leaves a corrupt snapshot behind.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

var nonWordRE = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type envelope struct {
	LastChangeID uuid.UUID `json:"last_change_id"`
	Blob         []byte    `json:"blob"`
}

// Store persists snapshots as JSON files under a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(topicID string) string {
	return filepath.Join(s.dir, nonWordRE.ReplaceAllString(topicID, "_")+".json")
}

// Load implements backend.SnapshotStore.
func (s *Store) Load(_ context.Context, topicID string) ([]byte, *uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(topicID))
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("filestore: read snapshot for %s: %w", topicID, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, false, fmt.Errorf("filestore: decode snapshot for %s: %w", topicID, err)
	}
	return env.Blob, &env.LastChangeID, true, nil
}

// Submit implements backend.SnapshotStore. Writes to a temp file in
// the same directory, then renames over the target — rename is atomic
// on the same filesystem, so readers never observe a partial write.
func (s *Store) Submit(_ context.Context, topicID string, blob []byte, lastChangeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(envelope{LastChangeID: lastChangeID, Blob: blob})
	if err != nil {
		return fmt.Errorf("filestore: encode snapshot for %s: %w", topicID, err)
	}

	target := s.path(topicID)
	tmp, err := os.CreateTemp(s.dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("filestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filestore: rename into place: %w", err)
	}
	return nil
}
