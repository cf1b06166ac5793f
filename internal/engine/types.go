// Package engine defines core types shared across the scraping subsystems.
package engine

import (
	"time"
)

// JobStatus represents the lifecycle state of a scraping job. It is always
// derived from the states of the job's targets, never set directly.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPartial   JobStatus = "partially_completed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has finished for good.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TargetStatus represents the lifecycle state of a single scraping target.
// Transitions only advance queued→leased→running→terminal, except
// leased→queued on lease expiry.
type TargetStatus string

// Target status values persisted in the store.
const (
	TargetStatusQueued    TargetStatus = "queued"
	TargetStatusLeased    TargetStatus = "leased"
	TargetStatusRunning   TargetStatus = "running"
	TargetStatusSucceeded TargetStatus = "succeeded"
	TargetStatusFailed    TargetStatus = "failed"
	TargetStatusBlocked   TargetStatus = "blocked"
	TargetStatusCancelled TargetStatus = "cancelled"
)

// Terminal reports whether the status is an end state a target never leaves.
func (s TargetStatus) Terminal() bool {
	switch s {
	case TargetStatusSucceeded, TargetStatusFailed, TargetStatusBlocked, TargetStatusCancelled:
		return true
	default:
		return false
	}
}

// JobParams captures the request that a job was expanded from.
type JobParams struct {
	Source     string   `json:"source"`
	Locations  []string `json:"locations"`
	Categories []string `json:"categories"`
	Keywords   []string `json:"keywords,omitempty"`
	Priority   int      `json:"priority"`
	MaxResults int      `json:"max_results"`
}

// Job is the metadata persisted for each submitted scraping request.
type Job struct {
	ID          string       `json:"id"`
	Params      JobParams    `json:"params"`
	Status      JobStatus    `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Counts      TargetCounts `json:"counts"`
}

// TargetCounts aggregates per-status target tallies for a job.
type TargetCounts struct {
	Queued    int `json:"queued"`
	Leased    int `json:"leased"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of targets across all statuses.
func (c TargetCounts) Total() int {
	return c.Queued + c.Leased + c.Running + c.Succeeded + c.Failed + c.Blocked + c.Cancelled
}

// Target is one (location, category, keyword) unit of scraping work.
type Target struct {
	ID           string       `json:"id"`
	JobID        string       `json:"job_id"`
	Source       string       `json:"source"`
	Location     string       `json:"location"`
	Category     string       `json:"category"`
	Keyword      string       `json:"keyword,omitempty"`
	Priority     int          `json:"priority"`
	Status       TargetStatus `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
	NotBefore    time.Time    `json:"not_before"`
	LeaseExpiry  *time.Time   `json:"lease_expiry,omitempty"`
}

// Domain returns the rate-limit key for the target's source site.
func (t Target) Domain() string {
	return NormalizeDomain(t.Source)
}

// LeadFields holds the raw extracted fields of a scraped business listing.
// Empty strings and zero numbers are treated as absent during merges.
type LeadFields struct {
	SourceID    string  `json:"source_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Location    string  `json:"location,omitempty"`
	Category    string  `json:"category,omitempty"`
	Address     string  `json:"address,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Website     string  `json:"website,omitempty"`
	Email       string  `json:"email,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	ReviewCount int     `json:"review_count,omitempty"`
	DetailURL   string  `json:"detail_url,omitempty"`
}

// Lead is the canonical persisted form of a scraped record.
type Lead struct {
	CanonicalKey string     `json:"canonical_key"`
	Source       string     `json:"source"`
	Fields       LeadFields `json:"fields"`
	FirstSeenAt  time.Time  `json:"first_seen_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
}

// UpsertResult reports whether an upsert inserted a new row or merged into
// an existing one.
type UpsertResult string

// Upsert results returned by LeadStore implementations.
const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"
)

// FetchResponse is the result of a plain HTTP detail-page fetch.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Redirected reports whether the response landed on a different URL than
// requested, one of the block signals.
func (r FetchResponse) Redirected() bool {
	return r.FinalURL != "" && r.FinalURL != r.URL
}

// ChallengePayload is the opaque input handed to an external solver.
type ChallengePayload struct {
	Domain string
	URL    string
	Kind   string
	HTML   []byte
}
