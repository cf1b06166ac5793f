package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadcrawler/internal/engine"
)

func seedJob(t *testing.T, s *Store, jobID string, n int) []engine.Target {
	t.Helper()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	targets := make([]engine.Target, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, engine.Target{
			ID:         fmt.Sprintf("%s-t%d", jobID, i),
			JobID:      jobID,
			Source:     "yellowpages.com",
			Location:   fmt.Sprintf("City %d", i),
			Category:   "plumber",
			Priority:   1,
			Status:     engine.TargetStatusQueued,
			EnqueuedAt: now.Add(time.Duration(i) * time.Second),
		})
	}
	job := engine.Job{
		ID:        jobID,
		Status:    engine.JobStatusPending,
		CreatedAt: now,
		Params:    engine.JobParams{Source: "yellowpages.com", Locations: []string{"x"}, Categories: []string{"plumber"}},
	}
	require.NoError(t, s.CreateJob(context.Background(), job, targets))
	return targets
}

func TestLeaseNextOrderAndExclusivity(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 3)

	// Bump one target's priority; it must be leased first despite a later
	// enqueue time.
	high := engine.Target{
		ID: "job1-hi", JobID: "job1", Source: "yellowpages.com",
		Priority: 9, Status: engine.TargetStatusQueued,
		EnqueuedAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	}
	job2 := engine.Job{ID: "job2", CreatedAt: high.EnqueuedAt}
	high.JobID = "job2"
	require.NoError(t, s.CreateJob(ctx, job2, []engine.Target{high}))

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, "job1-hi", first.ID)

	second, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, "job1-t0", second.ID, "FIFO within equal priority")

	// Leased targets are not handed out twice.
	third, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	require.NotEqual(t, second.ID, third.ID)
}

func TestLeaseNextSkipsBackedOffDomains(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 2)

	now := time.Now()
	_, err := s.LeaseNext(ctx, now, time.Minute, []string{"yellowpages.com"})
	require.ErrorIs(t, err, engine.ErrNoEligibleTarget)

	got, err := s.LeaseNext(ctx, now, time.Minute, []string{"other.example"})
	require.NoError(t, err)
	require.Equal(t, engine.TargetStatusLeased, got.Status)
}

func TestLeaseRespectsNotBefore(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	targets := seedJob(t, s, "job1", 1)
	now := time.Now()

	leased, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, leased.ID)
	require.NoError(t, err)
	require.NoError(t, s.RequeueTarget(ctx, targets[0].ID, now.Add(time.Hour), "transient"))

	_, err = s.LeaseNext(ctx, now, time.Minute, nil)
	require.ErrorIs(t, err, engine.ErrNoEligibleTarget, "retry backoff not yet elapsed")

	got, err := s.LeaseNext(ctx, now.Add(2*time.Hour), time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, targets[0].ID, got.ID)
	require.Equal(t, 1, got.AttemptCount, "requeue preserved the attempt count")
}

func TestReapExpiredRequeuesWithoutAttemptChange(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 1)
	now := time.Now()

	leased, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	running, err := s.MarkRunning(ctx, leased.ID)
	require.NoError(t, err)
	require.Equal(t, 1, running.AttemptCount)

	// Simulate the worker crashing: lease expires while status is leased.
	require.NoError(t, s.RequeueTarget(ctx, leased.ID, now, ""))
	leased, err = s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)

	n, err := s.ReapExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.LeaseNext(ctx, now.Add(3*time.Minute), time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, leased.ID, got.ID)
	require.Equal(t, 1, got.AttemptCount, "reaping does not consume an attempt")
}

func TestReapExpiredReclaimsRunningTarget(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 1)
	now := time.Now()

	leased, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, leased.ID)
	require.NoError(t, err)

	// A worker that dies mid-session leaves the target running with an
	// expired lease; the reaper must still reclaim it.
	n, err := s.ReapExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.LeaseNext(ctx, now.Add(3*time.Minute), time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, leased.ID, got.ID)
	require.Equal(t, 1, got.AttemptCount)
}

func TestJobStatusDerivation(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 2)
	now := time.Now()

	job, err := s.GetJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusPending, job.Status)

	first, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, first.ID)
	require.NoError(t, err)

	job, err = s.GetJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusRunning, job.Status)

	require.NoError(t, s.CompleteTarget(ctx, first.ID, engine.TargetStatusSucceeded, ""))
	job, err = s.GetJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusPartial, job.Status)

	second, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTarget(ctx, second.ID, engine.TargetStatusSucceeded, ""))

	job, err = s.GetJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestCancelJobMarksAllNonTerminalTargets(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 3)
	now := time.Now()

	leased, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	running, err := s.LeaseNext(ctx, now, time.Minute, nil)
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, running.ID)
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(ctx, "job1"))

	cancelled, err := s.JobCancelled(ctx, "job1")
	require.NoError(t, err)
	require.True(t, cancelled)

	// Queued, leased, and running targets were all cancelled eagerly.
	targets, err := s.ListTargets(ctx, "job1")
	require.NoError(t, err)
	for _, tg := range targets {
		require.Equal(t, engine.TargetStatusCancelled, tg.Status, tg.ID)
		require.Nil(t, tg.LeaseExpiry)
	}
	_, err = s.LeaseNext(ctx, now, time.Minute, nil)
	require.ErrorIs(t, err, engine.ErrNoEligibleTarget)

	// Workers that were mid-session report their result late; the cancelled
	// status wins and the late calls are no-ops.
	require.NoError(t, s.CompleteTarget(ctx, leased.ID, engine.TargetStatusCancelled, "job cancelled"))
	require.NoError(t, s.CompleteTarget(ctx, running.ID, engine.TargetStatusSucceeded, ""))
	require.NoError(t, s.RequeueTarget(ctx, running.ID, now.Add(time.Minute), "transient"))

	job, err := s.GetJob(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusCancelled, job.Status)
	require.Equal(t, 3, job.Counts.Cancelled)
}

func TestCompleteTargetRejectsDoubleTerminal(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	seedJob(t, s, "job1", 1)

	leased, err := s.LeaseNext(ctx, time.Now(), time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, s.CompleteTarget(ctx, leased.ID, engine.TargetStatusFailed, "boom"))
	require.Error(t, s.CompleteTarget(ctx, leased.ID, engine.TargetStatusSucceeded, ""))
}

func TestLeadStoreUpsertIdempotent(t *testing.T) {
	t.Parallel()

	s := NewLeadStore()
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	lead := engine.Lead{
		CanonicalKey: "k1",
		Source:       "yellowpages.com",
		Fields:       engine.LeadFields{Name: "Joe's Pizza", Phone: "555-0100"},
		FirstSeenAt:  t0,
		LastSeenAt:   t0,
	}

	res, err := s.Upsert(ctx, lead)
	require.NoError(t, err)
	require.Equal(t, engine.UpsertInserted, res)

	res, err = s.Upsert(ctx, lead)
	require.NoError(t, err)
	require.Equal(t, engine.UpsertUpdated, res)

	stored, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, lead.Fields, stored.Fields)
	require.Equal(t, t0, stored.LastSeenAt)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLeadStoreConcurrentUpsertSingleRow(t *testing.T) {
	t.Parallel()

	s := NewLeadStore()
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(ctx, engine.Lead{
				CanonicalKey: "shared",
				Source:       "yellowpages.com",
				Fields:       engine.LeadFields{Name: "Joe's Pizza", ReviewCount: i + 1},
				FirstSeenAt:  time.Now(),
				LastSeenAt:   time.Now(),
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "concurrent writers of one key produce one row")
}
