// Package memory provides in-memory store implementations for development
// and tests. Semantics mirror the Postgres store: atomic job+target creation,
// single-claimer leases, and derived job status.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Store implements engine.Store with mutex-guarded maps.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]engine.Job
	targets map[string]*engine.Target
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]engine.Job),
		targets: make(map[string]*engine.Target),
	}
}

// CreateJob persists the job and its targets in one critical section.
func (s *Store) CreateJob(_ context.Context, job engine.Job, targets []engine.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	for _, t := range targets {
		if t.JobID != job.ID {
			return fmt.Errorf("target %s does not belong to job %s", t.ID, job.ID)
		}
	}
	s.jobs[job.ID] = job
	for _, t := range targets {
		copied := t
		s.targets[t.ID] = &copied
	}
	s.refreshJobLocked(job.ID)
	return nil
}

// GetJob returns the job with up-to-date counts and derived status.
func (s *Store) GetJob(_ context.Context, jobID string) (engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return engine.Job{}, engine.ErrNotFound
	}
	return job, nil
}

// ListTargets returns copies of all targets belonging to a job.
func (s *Store) ListTargets(_ context.Context, jobID string) ([]engine.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, engine.ErrNotFound
	}
	var out []engine.Target
	for _, t := range s.targets {
		if t.JobID == jobID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CancelJob marks the job cancelled and every non-terminal target cancelled,
// leased and running ones included. Their sessions still observe the
// cancellation cooperatively; the late CompleteTarget is a no-op.
func (s *Store) CancelJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return engine.ErrNotFound
	}
	for _, t := range s.targets {
		if t.JobID != jobID || t.Status.Terminal() {
			continue
		}
		t.Status = engine.TargetStatusCancelled
		t.LeaseExpiry = nil
	}
	job := s.jobs[jobID]
	job.Status = engine.JobStatusCancelled
	s.jobs[jobID] = job
	s.refreshJobLocked(jobID)
	return nil
}

// JobCancelled reports whether the job has been cancelled.
func (s *Store) JobCancelled(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, engine.ErrNotFound
	}
	return job.Status == engine.JobStatusCancelled, nil
}

// QueuedDepth counts queued targets across all jobs.
func (s *Store) QueuedDepth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.targets {
		if t.Status == engine.TargetStatusQueued {
			n++
		}
	}
	return n, nil
}

// LeaseNext claims the best queued target: highest priority first, oldest
// enqueue time as tie-break, skipping backed-off domains and targets whose
// retry backoff has not elapsed.
func (s *Store) LeaseNext(
	_ context.Context,
	now time.Time,
	leaseFor time.Duration,
	skipDomains []string,
) (engine.Target, error) {
	skip := make(map[string]struct{}, len(skipDomains))
	for _, d := range skipDomains {
		skip[d] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *engine.Target
	for _, t := range s.targets {
		if t.Status != engine.TargetStatusQueued || now.Before(t.NotBefore) {
			continue
		}
		if _, skipped := skip[t.Domain()]; skipped {
			continue
		}
		if best == nil || betterCandidate(t, best) {
			best = t
		}
	}
	if best == nil {
		return engine.Target{}, engine.ErrNoEligibleTarget
	}

	expiry := now.Add(leaseFor)
	best.Status = engine.TargetStatusLeased
	best.LeaseExpiry = &expiry
	s.refreshJobLocked(best.JobID)
	return *best, nil
}

func betterCandidate(a, b *engine.Target) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// MarkRunning moves a leased target to running, counting the attempt.
func (s *Store) MarkRunning(_ context.Context, targetID string) (engine.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return engine.Target{}, engine.ErrNotFound
	}
	if t.Status != engine.TargetStatusLeased {
		return engine.Target{}, fmt.Errorf("target %s is %s, not leased", targetID, t.Status)
	}
	t.Status = engine.TargetStatusRunning
	t.AttemptCount++
	s.refreshJobLocked(t.JobID)
	return *t, nil
}

// CompleteTarget finishes a leased or running target with a terminal status.
func (s *Store) CompleteTarget(_ context.Context, targetID string, status engine.TargetStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return engine.ErrNotFound
	}
	if t.Status == engine.TargetStatusCancelled {
		// Cancellation raced the worker; the cancelled status wins.
		return nil
	}
	if t.Status.Terminal() {
		return fmt.Errorf("target %s already terminal (%s)", targetID, t.Status)
	}
	t.Status = status
	t.LastError = lastError
	t.LeaseExpiry = nil
	s.refreshJobLocked(t.JobID)
	return nil
}

// RequeueTarget returns a leased or running target to the queue for a retry,
// preserving its attempt count.
func (s *Store) RequeueTarget(_ context.Context, targetID string, notBefore time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return engine.ErrNotFound
	}
	if t.Status == engine.TargetStatusCancelled {
		return nil
	}
	if t.Status != engine.TargetStatusLeased && t.Status != engine.TargetStatusRunning {
		return fmt.Errorf("target %s is %s, not in flight", targetID, t.Status)
	}
	t.Status = engine.TargetStatusQueued
	t.NotBefore = notBefore
	t.LastError = lastError
	t.LeaseExpiry = nil
	s.refreshJobLocked(t.JobID)
	return nil
}

// ReapExpired requeues every in-flight target whose lease expired, attempt
// count unchanged, so a crashed worker's targets get picked up again.
func (s *Store) ReapExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for _, t := range s.targets {
		inFlight := t.Status == engine.TargetStatusLeased || t.Status == engine.TargetStatusRunning
		if !inFlight || t.LeaseExpiry == nil || now.Before(*t.LeaseExpiry) {
			continue
		}
		t.Status = engine.TargetStatusQueued
		t.LeaseExpiry = nil
		s.refreshJobLocked(t.JobID)
		reaped++
	}
	return reaped, nil
}

// refreshJobLocked recomputes a job's counts and derived status. Caller holds
// the mutex.
func (s *Store) refreshJobLocked(jobID string) {
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	var counts engine.TargetCounts
	for _, t := range s.targets {
		if t.JobID != jobID {
			continue
		}
		switch t.Status {
		case engine.TargetStatusQueued:
			counts.Queued++
		case engine.TargetStatusLeased:
			counts.Leased++
		case engine.TargetStatusRunning:
			counts.Running++
		case engine.TargetStatusSucceeded:
			counts.Succeeded++
		case engine.TargetStatusFailed:
			counts.Failed++
		case engine.TargetStatusBlocked:
			counts.Blocked++
		case engine.TargetStatusCancelled:
			counts.Cancelled++
		}
	}
	job.Counts = counts
	// A cancelled job keeps its status; otherwise status is derived.
	if job.Status != engine.JobStatusCancelled {
		job.Status = engine.DeriveJobStatus(counts)
	}
	terminal := counts.Succeeded + counts.Failed + counts.Blocked + counts.Cancelled
	if terminal == counts.Total() && counts.Total() > 0 && job.CompletedAt == nil {
		done := time.Now().UTC()
		job.CompletedAt = &done
	}
	s.jobs[jobID] = job
}
