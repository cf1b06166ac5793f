package engine

import (
	"context"
	"time"
)

// Store persists jobs and targets and implements the durable lease queue.
// LeaseNext hands each queued target to exactly one caller; an expired lease
// is returned to the queue by ReapExpired with its attempt count intact.
type Store interface {
	// CreateJob persists a job and its expanded targets in one atomic write.
	CreateJob(ctx context.Context, job Job, targets []Target) error
	// GetJob returns the job with counts and derived status.
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListTargets returns all targets of a job.
	ListTargets(ctx context.Context, jobID string) ([]Target, error)
	// CancelJob marks the job and every non-terminal target cancelled.
	CancelJob(ctx context.Context, jobID string) error
	// JobCancelled reports whether a cancellation has been recorded.
	JobCancelled(ctx context.Context, jobID string) (bool, error)
	// QueuedDepth counts targets currently queued, for admission control.
	QueuedDepth(ctx context.Context) (int, error)
	// LeaseNext claims the highest-priority queued target whose NotBefore
	// has passed and whose domain is not in skipDomains, marking it leased
	// until now+leaseFor. Returns ErrNoEligibleTarget when nothing is
	// claimable.
	LeaseNext(ctx context.Context, now time.Time, leaseFor time.Duration, skipDomains []string) (Target, error)
	// MarkRunning moves a leased target to running and increments its
	// attempt count.
	MarkRunning(ctx context.Context, targetID string) (Target, error)
	// CompleteTarget moves a leased or running target to a terminal status.
	CompleteTarget(ctx context.Context, targetID string, status TargetStatus, lastError string) error
	// RequeueTarget returns a target to the queue for a retry, eligible no
	// earlier than notBefore. The attempt count is preserved.
	RequeueTarget(ctx context.Context, targetID string, notBefore time.Time, lastError string) error
	// ReapExpired requeues every leased target whose lease has expired,
	// returning the number requeued.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// LeadStore persists deduplicated leads. Upsert must be race-safe: concurrent
// writers of the same canonical key never produce two rows.
type LeadStore interface {
	Upsert(ctx context.Context, lead Lead) (UpsertResult, error)
	Get(ctx context.Context, canonicalKey string) (Lead, error)
	Count(ctx context.Context) (int, error)
}

// Browser is the opaque browser-automation runtime. Acquire returns a page
// handle scoped to one session; Release must run on every exit path.
type Browser interface {
	Acquire(ctx context.Context) (Page, error)
	Close() error
}

// Page exposes the capability surface a session needs from one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Release()
}

// Fetcher fetches a URL over plain HTTP, used for detail pages before any
// headless promotion.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Solver resolves anti-automation challenges via an external service. The
// internals are opaque; only the timeout contract matters here.
type Solver interface {
	Solve(ctx context.Context, payload ChallengePayload) (string, error)
}

// SnapshotStore writes raw page artifacts and returns a URI.
type SnapshotStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time; fakes drive time in tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and target IDs.
type IDGenerator interface {
	NewID() (string, error)
}
