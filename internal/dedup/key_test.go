package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadcrawler/internal/engine"
)

func TestCanonicalKeyPrefersSourceID(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a, err := CanonicalKey("yellowpages.com", engine.LeadFields{SourceID: "biz-42", Name: "Joe's Pizza"}, now)
	require.NoError(t, err)
	b, err := CanonicalKey("yellowpages.com", engine.LeadFields{SourceID: "biz-42", Name: "Renamed Pizza"}, now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, a, b, "source id keys ignore other fields")

	c, err := CanonicalKey("yellowpages.com", engine.LeadFields{SourceID: "biz-43"}, now)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestCanonicalKeyFallbackIsNormalized(t *testing.T) {
	t.Parallel()

	seen := time.Date(2026, 8, 12, 9, 30, 0, 0, time.UTC)
	a, err := CanonicalKey("yellowpages.com", engine.LeadFields{Name: "Joe's  Pizza", Location: "Austin, TX"}, seen)
	require.NoError(t, err)
	b, err := CanonicalKey("Yellowpages.com", engine.LeadFields{Name: "joe's pizza", Location: "austin, tx"}, seen.Add(4*time.Hour))
	require.NoError(t, err)
	require.Equal(t, a, b, "case, whitespace, and same-day timestamps collapse")

	c, err := CanonicalKey("yellowpages.com", engine.LeadFields{Name: "Joe's Pizza", Location: "Austin, TX"}, seen.Add(48*time.Hour))
	require.NoError(t, err)
	require.NotEqual(t, a, c, "different day yields a different fallback key")
}

func TestCanonicalKeyMalformed(t *testing.T) {
	t.Parallel()

	_, err := CanonicalKey("", engine.LeadFields{Name: "x"}, time.Now())
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = CanonicalKey("yellowpages.com", engine.LeadFields{}, time.Now())
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestMergePrefersRecentNonEmpty(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	existing := engine.Lead{
		CanonicalKey: "k",
		Source:       "yellowpages.com",
		Fields:       engine.LeadFields{Name: "Joe's Pizza", Phone: "555-0100", Website: "joes.example"},
		FirstSeenAt:  t0,
		LastSeenAt:   t0,
	}
	incoming := engine.Lead{
		CanonicalKey: "k",
		Source:       "yellowpages.com",
		Fields:       engine.LeadFields{Name: "Joe's Pizza", Phone: "555-0199", Rating: 4.5},
		FirstSeenAt:  t1,
		LastSeenAt:   t1,
	}

	merged := Merge(existing, incoming)
	require.Equal(t, "555-0199", merged.Fields.Phone, "newer non-empty value wins")
	require.Equal(t, "joes.example", merged.Fields.Website, "absent incoming field keeps old value")
	require.Equal(t, 4.5, merged.Fields.Rating)
	require.Equal(t, t0, merged.FirstSeenAt)
	require.Equal(t, t1, merged.LastSeenAt)

	// last_seen_at is monotonically non-decreasing.
	stale := incoming
	stale.LastSeenAt = t0.Add(-time.Hour)
	merged = Merge(merged, stale)
	require.Equal(t, t1, merged.LastSeenAt)
}

func TestMergeOutOfOrderReplayKeepsNewerValues(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	newer := engine.Lead{
		CanonicalKey: "k",
		Source:       "yellowpages.com",
		Fields:       engine.LeadFields{Name: "Joe's Pizza", Phone: "555-0199"},
		FirstSeenAt:  t1,
		LastSeenAt:   t1,
	}
	// A retried target replays an observation from before the row's
	// current state.
	older := engine.Lead{
		CanonicalKey: "k",
		Source:       "yellowpages.com",
		Fields:       engine.LeadFields{Name: "Joe's Pizza", Phone: "555-0100", Email: "joe@joes.example"},
		FirstSeenAt:  t0,
		LastSeenAt:   t0,
	}

	merged := Merge(newer, older)
	require.Equal(t, "555-0199", merged.Fields.Phone, "older replay does not clobber the newer value")
	require.Equal(t, "joe@joes.example", merged.Fields.Email, "fields only the older record carries still land")
	require.Equal(t, t0, merged.FirstSeenAt)
	require.Equal(t, t1, merged.LastSeenAt)
}
