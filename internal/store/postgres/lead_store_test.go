package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadcrawler/internal/engine"
)

func TestUpsertLeadReportsInsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLeadStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	lead := engine.Lead{
		CanonicalKey: "abc123",
		Source:       "https://www.yellowpages.com",
		Fields:       engine.LeadFields{Name: "Ace Plumbing", Phone: "+1-512-555-0100"},
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}

	mock.ExpectQuery("INSERT INTO leads").
		WithArgs(lead.CanonicalKey, lead.Source, pgxmock.AnyArg(), now, now).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	res, err := store.Upsert(context.Background(), lead)
	require.NoError(t, err)
	require.Equal(t, engine.UpsertInserted, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLeadMergeGuardedByRecency(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLeadStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	lead := engine.Lead{
		CanonicalKey: "abc123",
		Source:       "https://www.yellowpages.com",
		Fields:       engine.LeadFields{Name: "Ace Plumbing"},
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}

	// The conflict merge must flip direction on last_seen_at so a replayed
	// older observation cannot overwrite newer field values.
	mock.ExpectQuery(`WHEN EXCLUDED.last_seen_at >= leads.last_seen_at`).
		WithArgs(lead.CanonicalKey, lead.Source, pgxmock.AnyArg(), now, now).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	res, err := store.Upsert(context.Background(), lead)
	require.NoError(t, err)
	require.Equal(t, engine.UpsertUpdated, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLeadReportsUpdate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLeadStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	lead := engine.Lead{
		CanonicalKey: "abc123",
		Source:       "https://www.yellowpages.com",
		Fields:       engine.LeadFields{Name: "Ace Plumbing"},
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}

	mock.ExpectQuery("INSERT INTO leads").
		WithArgs(lead.CanonicalKey, lead.Source, pgxmock.AnyArg(), now, now).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	res, err := store.Upsert(context.Background(), lead)
	require.NoError(t, err)
	require.Equal(t, engine.UpsertUpdated, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLeadNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewLeadStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT canonical_key").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"canonical_key"}))

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
