// Package memory provides an in-memory snapshot store for tests and
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SnapshotStore keeps snapshots in a map.
type SnapshotStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewSnapshotStore constructs an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{objects: make(map[string][]byte)}
}

// Put stores the snapshot under a mem:// URI.
func (s *SnapshotStore) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// Get returns a stored snapshot.
func (s *SnapshotStore) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len reports the number of stored snapshots.
func (s *SnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
