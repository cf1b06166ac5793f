// Package ratelimit tracks per-domain request pacing and block backoff. State
// lives behind a compare-and-swap store so any backend with conditional
// writes can hold it; the bundled implementation is in-memory.
package ratelimit

import (
	"sync"
	"time"
)

// State is the persisted rate-limit record for one domain.
type State struct {
	Domain        string
	Version       int64
	BlockCount    int
	BackoffUntil  time.Time
	LastBlockAt   time.Time
	LastRequestAt time.Time
}

// StateStore holds per-domain state with atomic conditional writes. Swap
// succeeds only when the stored version still matches old.Version, so
// concurrent read-modify-write races lose cleanly and retry.
type StateStore interface {
	Get(domain string) (State, bool)
	Swap(old, new State) bool
	// List returns the state of every known domain.
	List() []State
}

// MemoryStateStore is a mutex-guarded StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStateStore constructs an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

// Get returns the current state for a domain.
func (s *MemoryStateStore) Get(domain string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[domain]
	return st, ok
}

// Swap writes new only if the stored version still matches old.Version.
// An absent domain matches version zero.
func (s *MemoryStateStore) Swap(old, new State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[old.Domain]
	if ok && current.Version != old.Version {
		return false
	}
	if !ok && old.Version != 0 {
		return false
	}
	new.Version = old.Version + 1
	s.states[new.Domain] = new
	return true
}

// List returns every stored state.
func (s *MemoryStateStore) List() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}
