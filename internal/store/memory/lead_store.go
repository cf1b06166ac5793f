package memory

import (
	"context"
	"sync"

	"github.com/leadforge/leadcrawler/internal/dedup"
	"github.com/leadforge/leadcrawler/internal/engine"
)

// LeadStore implements engine.LeadStore in memory. The single mutex is the
// conditional-write primitive: insert-if-absent and merge happen under it, so
// concurrent writers of one canonical key can never produce two rows.
type LeadStore struct {
	mu    sync.Mutex
	leads map[string]engine.Lead
}

// NewLeadStore constructs an empty LeadStore.
func NewLeadStore() *LeadStore {
	return &LeadStore{leads: make(map[string]engine.Lead)}
}

// Upsert inserts a new lead or merges into the existing row.
func (s *LeadStore) Upsert(_ context.Context, lead engine.Lead) (engine.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.leads[lead.CanonicalKey]
	if !ok {
		s.leads[lead.CanonicalKey] = lead
		return engine.UpsertInserted, nil
	}
	s.leads[lead.CanonicalKey] = dedup.Merge(existing, lead)
	return engine.UpsertUpdated, nil
}

// Get returns the lead stored under a canonical key.
func (s *LeadStore) Get(_ context.Context, canonicalKey string) (engine.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[canonicalKey]
	if !ok {
		return engine.Lead{}, engine.ErrNotFound
	}
	return lead, nil
}

// Count returns the number of distinct leads.
func (s *LeadStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leads), nil
}
