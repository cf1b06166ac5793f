package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// LeadStore implements engine.LeadStore on Postgres. Uniqueness rides on the
// canonical_key primary key so re-scrapes update rather than duplicate.
type LeadStore struct {
	pool dbPool
}

// NewLeadStore constructs a LeadStore on the given pool.
func NewLeadStore(pool dbPool) (*LeadStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LeadStore{pool: pool}, nil
}

// LeadStore returns a LeadStore sharing this Store's connection pool.
func (s *Store) LeadStore() *LeadStore {
	return &LeadStore{pool: s.pool}
}

const upsertLeadSQL = `
	INSERT INTO leads (canonical_key, source, fields, first_seen_at, last_seen_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (canonical_key) DO UPDATE SET
		fields = CASE
			WHEN EXCLUDED.last_seen_at >= leads.last_seen_at
				THEN leads.fields || EXCLUDED.fields
			ELSE EXCLUDED.fields || leads.fields
		END,
		first_seen_at = LEAST(leads.first_seen_at, EXCLUDED.first_seen_at),
		last_seen_at = GREATEST(leads.last_seen_at, EXCLUDED.last_seen_at)
	RETURNING (xmax = 0) AS inserted`

// Upsert inserts the lead or merges it into the existing row. Empty incoming
// fields are omitted from the JSON payload, so the jsonb merge only overwrites
// values the new observation actually carries. The merge direction follows
// last_seen_at: the more recently seen observation wins contested fields, so
// an out-of-order replay never clobbers newer data.
func (s *LeadStore) Upsert(ctx context.Context, lead engine.Lead) (engine.UpsertResult, error) {
	fields, err := json.Marshal(lead.Fields)
	if err != nil {
		return "", fmt.Errorf("marshal lead fields: %w", err)
	}
	var inserted bool
	err = s.pool.QueryRow(ctx, upsertLeadSQL,
		lead.CanonicalKey, lead.Source, fields, lead.FirstSeenAt, lead.LastSeenAt,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("upsert lead: %w", err)
	}
	if inserted {
		return engine.UpsertInserted, nil
	}
	return engine.UpsertUpdated, nil
}

// Get returns a lead by canonical key.
func (s *LeadStore) Get(ctx context.Context, canonicalKey string) (engine.Lead, error) {
	var (
		lead   engine.Lead
		fields []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT canonical_key, source, fields, first_seen_at, last_seen_at
		 FROM leads WHERE canonical_key = $1`,
		canonicalKey,
	).Scan(&lead.CanonicalKey, &lead.Source, &fields, &lead.FirstSeenAt, &lead.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Lead{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Lead{}, fmt.Errorf("get lead: %w", err)
	}
	if err := json.Unmarshal(fields, &lead.Fields); err != nil {
		return engine.Lead{}, fmt.Errorf("unmarshal lead fields: %w", err)
	}
	return lead, nil
}

// Count returns the total number of stored leads.
func (s *LeadStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM leads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leads: %w", err)
	}
	return n, nil
}
