// Package progress defines the event stream emitted as jobs and targets move
// through the engine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Stage denotes which lifecycle milestone an Event records.
type Stage string

// Supported progress stages.
const (
	StageJobSubmitted   Stage = "JOB_SUBMITTED"
	StageJobDone        Stage = "JOB_DONE"
	StageJobCancelled   Stage = "JOB_CANCELLED"
	StageTargetStarted  Stage = "TARGET_STARTED"
	StageTargetFinished Stage = "TARGET_FINISHED"
	StageTargetRequeued Stage = "TARGET_REQUEUED"
	StageDomainBlocked  Stage = "DOMAIN_BLOCKED"
)

// Event captures one milestone of a scraping job.
type Event struct {
	JobID    string    `json:"job_id"`
	TargetID string    `json:"target_id,omitempty"`
	TS       time.Time `json:"ts"`
	Stage    Stage     `json:"stage"`

	JobStatus    engine.JobStatus    `json:"job_status,omitempty"`
	TargetStatus engine.TargetStatus `json:"target_status,omitempty"`
	Outcome      engine.OutcomeKind  `json:"outcome,omitempty"`
	Domain       string              `json:"domain,omitempty"`
	Counts       engine.TargetCounts `json:"counts"`
	LeadsEmitted int                 `json:"leads_emitted,omitempty"`
	Attempt      int                 `json:"attempt,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Terminal reports whether the event closes out its job's stream.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobCancelled
}

// Validate performs coarse validation before an event enters the stream.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobSubmitted, StageJobDone, StageJobCancelled:
	case StageTargetStarted, StageTargetFinished, StageTargetRequeued:
		if e.TargetID == "" {
			return fmt.Errorf("%s requires target id", e.Stage)
		}
	case StageDomainBlocked:
		if e.Domain == "" {
			return errors.New("domain blocked event requires domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
