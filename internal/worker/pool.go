// Package worker runs the fixed pool of slots that lease targets, execute
// sessions, and apply retry and block policy to the outcomes.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/engine"
	"github.com/leadforge/leadcrawler/internal/progress"
	"github.com/leadforge/leadcrawler/internal/session"
)

// SessionRunner executes one target scrape.
type SessionRunner interface {
	Run(ctx context.Context, target engine.Target, cancelled session.CancelCheck) engine.Outcome
}

// RateGate is the per-domain policy surface the pool consults.
type RateGate interface {
	SkipList() ([]string, time.Time)
	NextDelay(domain string) time.Duration
	OnBlock(domain string) time.Time
	OnQuiet(domain string)
}

// Config controls the pool.
type Config struct {
	Slots          int
	LeaseTTL       time.Duration
	ReaperInterval time.Duration
	// IdleWaitMax bounds the sleep between lease polls when the queue is
	// empty or fully backed off.
	IdleWaitMax time.Duration
	Retry       RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 15 * time.Second
	}
	if c.IdleWaitMax <= 0 {
		c.IdleWaitMax = 2 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Pool owns the worker slots and the lease reaper.
type Pool struct {
	cfg     Config
	store   engine.Store
	runner  SessionRunner
	gate    RateGate
	clock   engine.Clock
	emitter progress.Emitter
	log     *zap.Logger
}

// New constructs a Pool.
func New(
	cfg Config,
	store engine.Store,
	runner SessionRunner,
	gate RateGate,
	clock engine.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Pool {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		store:   store,
		runner:  runner,
		gate:    gate,
		clock:   clock,
		emitter: emitter,
		log:     logger,
	}
}

// Run blocks until ctx finishes. In-flight sessions observe the cancellation
// at their next state boundary; unfinished targets are reclaimed later by
// lease expiry.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slotLoop(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()
	wg.Wait()
}

func (p *Pool) slotLoop(ctx context.Context, slot int) {
	log := p.log.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		skip, wakeup := p.gate.SkipList()
		target, err := p.store.LeaseNext(ctx, p.clock.Now(), p.cfg.LeaseTTL, skip)
		switch {
		case errors.Is(err, engine.ErrNoEligibleTarget):
			p.idle(ctx, wakeup)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error("lease poll failed", zap.Error(err))
			p.idle(ctx, time.Time{})
			continue
		}
		p.handle(ctx, log, target)
	}
}

// idle sleeps until the next lease poll: the earliest backoff expiry when one
// is known, otherwise the configured idle wait.
func (p *Pool) idle(ctx context.Context, wakeup time.Time) {
	wait := p.cfg.IdleWaitMax
	if !wakeup.IsZero() {
		if until := wakeup.Sub(p.clock.Now()); until > 0 && until < wait {
			wait = until
		}
	}
	sleep(ctx, wait)
}

func (p *Pool) handle(ctx context.Context, log *zap.Logger, leased engine.Target) {
	jobID := leased.JobID
	domain := leased.Domain()

	cancelled, err := p.store.JobCancelled(ctx, jobID)
	if err != nil {
		log.Error("cancellation lookup failed", zap.String("target_id", leased.ID), zap.Error(err))
	}
	if cancelled {
		p.finish(ctx, log, leased, engine.TargetStatusCancelled, engine.Outcome{
			Kind: engine.OutcomeFatal,
			Err:  engine.ErrJobCancelled,
		})
		return
	}

	// Inter-request pacing happens before the attempt is counted so a
	// shutdown during the pause costs nothing.
	if !sleep(ctx, p.gate.NextDelay(domain)) {
		return
	}

	target, err := p.store.MarkRunning(ctx, leased.ID)
	if err != nil {
		log.Error("mark running failed", zap.String("target_id", leased.ID), zap.Error(err))
		return
	}
	p.emitter.Emit(progress.Event{
		JobID:    jobID,
		TargetID: target.ID,
		TS:       p.clock.Now(),
		Stage:    progress.StageTargetStarted,
		Domain:   domain,
		Attempt:  target.AttemptCount,
	})

	out := p.runner.Run(ctx, target, func(ctx context.Context) (bool, error) {
		return p.store.JobCancelled(ctx, jobID)
	})
	log.Debug("session finished",
		zap.String("target_id", target.ID),
		zap.String("outcome", out.String()),
		zap.Int("attempt", target.AttemptCount),
	)

	switch out.Kind {
	case engine.OutcomeSuccess:
		p.gate.OnQuiet(domain)
		p.finish(ctx, log, target, engine.TargetStatusSucceeded, out)
	case engine.OutcomeBlocked:
		until := p.gate.OnBlock(domain)
		p.emitter.Emit(progress.Event{
			JobID:  jobID,
			TS:     p.clock.Now(),
			Stage:  progress.StageDomainBlocked,
			Domain: domain,
			Note:   out.ErrorText(),
		})
		if p.cfg.Retry.ShouldRetry(out, target.AttemptCount) {
			p.requeue(ctx, log, target, until, out)
			return
		}
		p.finish(ctx, log, target, engine.TargetStatusBlocked, out)
	case engine.OutcomeTransient:
		if ctx.Err() != nil {
			// Shutdown, not a real failure: leave the lease for the
			// reaper so the attempt budget is not burned twice.
			return
		}
		if p.cfg.Retry.ShouldRetry(out, target.AttemptCount) {
			notBefore := p.clock.Now().Add(p.cfg.Retry.Backoff(target.AttemptCount))
			p.requeue(ctx, log, target, notBefore, out)
			return
		}
		p.finish(ctx, log, target, engine.TargetStatusFailed, out)
	default:
		if errors.Is(out.Err, engine.ErrJobCancelled) {
			p.finish(ctx, log, target, engine.TargetStatusCancelled, out)
			return
		}
		p.finish(ctx, log, target, engine.TargetStatusFailed, out)
	}
}

func (p *Pool) requeue(ctx context.Context, log *zap.Logger, target engine.Target, notBefore time.Time, out engine.Outcome) {
	if err := p.store.RequeueTarget(ctx, target.ID, notBefore, out.ErrorText()); err != nil {
		log.Error("requeue failed", zap.String("target_id", target.ID), zap.Error(err))
		return
	}
	p.emitter.Emit(progress.Event{
		JobID:        target.JobID,
		TargetID:     target.ID,
		TS:           p.clock.Now(),
		Stage:        progress.StageTargetRequeued,
		Outcome:      out.Kind,
		Domain:       target.Domain(),
		LeadsEmitted: out.LeadsEmitted,
		Attempt:      target.AttemptCount,
		Note:         out.ErrorText(),
	})
}

func (p *Pool) finish(ctx context.Context, log *zap.Logger, target engine.Target, status engine.TargetStatus, out engine.Outcome) {
	if err := p.store.CompleteTarget(ctx, target.ID, status, out.ErrorText()); err != nil {
		log.Error("complete target failed",
			zap.String("target_id", target.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	p.emitter.Emit(progress.Event{
		JobID:        target.JobID,
		TargetID:     target.ID,
		TS:           p.clock.Now(),
		Stage:        progress.StageTargetFinished,
		TargetStatus: status,
		Outcome:      out.Kind,
		Domain:       target.Domain(),
		LeadsEmitted: out.LeadsEmitted,
		Attempt:      target.AttemptCount,
		Note:         out.ErrorText(),
	})
	p.emitJobCompletion(ctx, target.JobID)
}

func (p *Pool) emitJobCompletion(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil || !job.Status.Terminal() {
		return
	}
	stage := progress.StageJobDone
	if job.Status == engine.JobStatusCancelled {
		stage = progress.StageJobCancelled
	}
	p.emitter.Emit(progress.Event{
		JobID:     jobID,
		TS:        p.clock.Now(),
		Stage:     stage,
		JobStatus: job.Status,
		Counts:    job.Counts,
	})
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapExpired(ctx, p.clock.Now())
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("lease reap failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				p.log.Warn("requeued expired leases", zap.Int("count", n))
			}
		}
	}
}

// sleep waits for d, returning false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
