// Package planner turns submitted job requests into queued targets.
package planner

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/engine"
	"github.com/leadforge/leadcrawler/internal/progress"
)

// Config bounds job admission.
type Config struct {
	DefaultSource    string
	MaxTargetsPerJob int
	// QueueCeiling caps the total queued targets across all jobs; beyond
	// it submissions are rejected so the backlog stays bounded.
	QueueCeiling int
	// StandardJobs are the named job templates operators can trigger
	// without spelling out parameters.
	StandardJobs map[string]engine.JobParams
}

func (c Config) withDefaults() Config {
	if c.MaxTargetsPerJob <= 0 {
		c.MaxTargetsPerJob = 500
	}
	if c.QueueCeiling <= 0 {
		c.QueueCeiling = 2000
	}
	return c
}

// Planner validates submissions, expands them into targets, and enqueues the
// result atomically.
type Planner struct {
	cfg     Config
	store   engine.Store
	ids     engine.IDGenerator
	clock   engine.Clock
	emitter progress.Emitter
	log     *zap.Logger
}

// New constructs a Planner.
func New(
	cfg Config,
	store engine.Store,
	ids engine.IDGenerator,
	clock engine.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Planner {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		cfg:     cfg.withDefaults(),
		store:   store,
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		log:     logger,
	}
}

// Submit validates the request, expands the location × category × keyword
// grid into targets, and persists job and targets in one write. The job is
// visible with derived status pending as soon as Submit returns.
func (p *Planner) Submit(ctx context.Context, params engine.JobParams) (engine.Job, error) {
	params = p.normalize(params)
	if err := p.validate(params); err != nil {
		return engine.Job{}, err
	}

	expansion := len(params.Locations) * len(params.Categories) * max(1, len(params.Keywords))
	if expansion > p.cfg.MaxTargetsPerJob {
		return engine.Job{}, fmt.Errorf(
			"%w: request expands to %d targets, limit %d",
			engine.ErrInvalidRequest, expansion, p.cfg.MaxTargetsPerJob)
	}

	depth, err := p.store.QueuedDepth(ctx)
	if err != nil {
		return engine.Job{}, fmt.Errorf("queue depth: %w", err)
	}
	if depth+expansion > p.cfg.QueueCeiling {
		return engine.Job{}, fmt.Errorf(
			"%w: queue holds %d targets, ceiling %d",
			engine.ErrCapacity, depth, p.cfg.QueueCeiling)
	}

	jobID, err := p.ids.NewID()
	if err != nil {
		return engine.Job{}, fmt.Errorf("new job id: %w", err)
	}
	now := p.clock.Now()
	job := engine.Job{
		ID:        jobID,
		Params:    params,
		Status:    engine.JobStatusPending,
		CreatedAt: now,
	}

	targets, err := p.expand(job)
	if err != nil {
		return engine.Job{}, err
	}
	if err := p.store.CreateJob(ctx, job, targets); err != nil {
		return engine.Job{}, fmt.Errorf("create job: %w", err)
	}

	job.Counts.Queued = len(targets)
	p.log.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("source", params.Source),
		zap.Int("targets", len(targets)),
	)
	p.emitter.Emit(progress.Event{
		JobID:  jobID,
		TS:     now,
		Stage:  progress.StageJobSubmitted,
		Counts: job.Counts,
	})
	return job, nil
}

// SubmitStandard runs a named job template from configuration.
func (p *Planner) SubmitStandard(ctx context.Context, name string) (engine.Job, error) {
	params, ok := p.cfg.StandardJobs[name]
	if !ok {
		return engine.Job{}, fmt.Errorf("standard job %q: %w", name, engine.ErrNotFound)
	}
	return p.Submit(ctx, params)
}

// StandardJobNames lists the configured templates.
func (p *Planner) StandardJobNames() []string {
	names := make([]string, 0, len(p.cfg.StandardJobs))
	for name := range p.cfg.StandardJobs {
		names = append(names, name)
	}
	return names
}

// Cancel marks the job cancelled. Queued targets cancel immediately;
// in-flight targets stop at their next state boundary.
func (p *Planner) Cancel(ctx context.Context, jobID string) error {
	if err := p.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	p.emitter.Emit(progress.Event{
		JobID:     jobID,
		TS:        p.clock.Now(),
		Stage:     progress.StageJobCancelled,
		JobStatus: job.Status,
		Counts:    job.Counts,
	})
	return nil
}

// Status returns the job with live counts and derived status.
func (p *Planner) Status(ctx context.Context, jobID string) (engine.Job, error) {
	return p.store.GetJob(ctx, jobID)
}

// Targets returns the job's targets.
func (p *Planner) Targets(ctx context.Context, jobID string) ([]engine.Target, error) {
	return p.store.ListTargets(ctx, jobID)
}

func (p *Planner) normalize(params engine.JobParams) engine.JobParams {
	if params.Source == "" {
		params.Source = p.cfg.DefaultSource
	}
	params.Locations = dedupeStrings(params.Locations)
	params.Categories = dedupeStrings(params.Categories)
	params.Keywords = dedupeStrings(params.Keywords)
	return params
}

func (p *Planner) validate(params engine.JobParams) error {
	u, err := url.Parse(params.Source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: source must be an http(s) URL", engine.ErrInvalidRequest)
	}
	if len(params.Locations) == 0 {
		return fmt.Errorf("%w: at least one location is required", engine.ErrInvalidRequest)
	}
	if len(params.Categories) == 0 {
		return fmt.Errorf("%w: at least one category is required", engine.ErrInvalidRequest)
	}
	if params.MaxResults < 0 {
		return fmt.Errorf("%w: max_results must be >= 0", engine.ErrInvalidRequest)
	}
	return nil
}

func (p *Planner) expand(job engine.Job) ([]engine.Target, error) {
	keywords := job.Params.Keywords
	if len(keywords) == 0 {
		keywords = []string{""}
	}
	targets := make([]engine.Target, 0,
		len(job.Params.Locations)*len(job.Params.Categories)*len(keywords))
	for _, location := range job.Params.Locations {
		for _, category := range job.Params.Categories {
			for _, keyword := range keywords {
				id, err := p.ids.NewID()
				if err != nil {
					return nil, fmt.Errorf("new target id: %w", err)
				}
				targets = append(targets, engine.Target{
					ID:         id,
					JobID:      job.ID,
					Source:     job.Params.Source,
					Location:   location,
					Category:   category,
					Keyword:    keyword,
					Priority:   job.Params.Priority,
					Status:     engine.TargetStatusQueued,
					EnqueuedAt: job.CreatedAt,
					NotBefore:  job.CreatedAt,
				})
			}
		}
	}
	return targets, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
