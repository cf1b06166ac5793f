package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveJobStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		counts TargetCounts
		want   JobStatus
	}{
		{"no targets", TargetCounts{}, JobStatusPending},
		{"all queued", TargetCounts{Queued: 4}, JobStatusPending},
		{"some leased", TargetCounts{Queued: 2, Leased: 1, Running: 1}, JobStatusRunning},
		{"all succeeded", TargetCounts{Succeeded: 4}, JobStatusCompleted},
		{"all failed", TargetCounts{Failed: 3, Blocked: 1}, JobStatusFailed},
		{"mixed terminal", TargetCounts{Succeeded: 2, Failed: 1, Blocked: 1}, JobStatusPartial},
		{"terminal plus in flight", TargetCounts{Succeeded: 1, Running: 1, Queued: 2}, JobStatusPartial},
		{"all cancelled", TargetCounts{Cancelled: 4}, JobStatusCancelled},
		{"cancelled ignored for completion", TargetCounts{Succeeded: 3, Cancelled: 1}, JobStatusCompleted},
		{"cancelled ignored for failure", TargetCounts{Failed: 2, Cancelled: 2}, JobStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, DeriveJobStatus(tc.counts))
		})
	}
}

func TestTargetStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []TargetStatus{TargetStatusSucceeded, TargetStatusFailed, TargetStatusBlocked, TargetStatusCancelled} {
		require.True(t, s.Terminal(), "status %s", s)
	}
	for _, s := range []TargetStatus{TargetStatusQueued, TargetStatusLeased, TargetStatusRunning} {
		require.False(t, s.Terminal(), "status %s", s)
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "yellowpages.com", NormalizeDomain("https://www.yellowpages.com/search"))
	require.Equal(t, "maps.example.com", NormalizeDomain("maps.example.com"))
	require.Equal(t, "unknown", NormalizeDomain(""))
	require.Equal(t, "unknown", NormalizeDomain("://bad"))
}

func TestOutcomeRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Outcome{Kind: OutcomeTransient}.Retryable())
	require.True(t, Outcome{Kind: OutcomeBlocked}.Retryable())
	require.False(t, Outcome{Kind: OutcomeSuccess}.Retryable())
	require.False(t, Outcome{Kind: OutcomeFatal}.Retryable())
}
